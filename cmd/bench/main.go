// Command bench drives the thread-scaling sweep SPEC_FULL.md's ambient CLI
// section describes: pick a concurrency-control engine and a thread-count
// series, run the demo KV workload, and report committed/aborted counts,
// throughput, and total-transaction p50/p90/p99 latency for each point in
// the sweep.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/polar1shu/Courier-sub000/internal/config"
	"github.com/polar1shu/Courier-sub000/internal/engine/courier"
	"github.com/polar1shu/Courier-sub000/internal/engine/couriersave"
	"github.com/polar1shu/Courier-sub000/internal/engine/mvcc"
	"github.com/polar1shu/Courier-sub000/internal/engine/occ"
	"github.com/polar1shu/Courier-sub000/internal/engine/tictoc"
	"github.com/polar1shu/Courier-sub000/internal/engine/tpl"
	"github.com/polar1shu/Courier-sub000/internal/logging"
	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/txnmanager"
	"github.com/polar1shu/Courier-sub000/internal/walog"
	"github.com/polar1shu/Courier-sub000/internal/workload"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run the in-memory transactional storage benchmark across one concurrency-control engine",
	RunE:  run,
}

var (
	threadsFlag []int
	debugLog    bool
)

func init() {
	f := rootCmd.Flags()
	f.StringVar((*string)(&cfg.Engine), "engine", string(cfg.Engine),
		"concurrency-control engine: occ, tictoc, mvcc, tpl, courier, couriersave")
	f.IntSliceVar(&threadsFlag, "threads", []int{1, 2, 4, 8}, "worker thread counts to sweep")
	f.IntVar(&cfg.DurationSeconds, "duration", cfg.DurationSeconds, "seconds to run each thread-count point")
	f.IntVar(&cfg.KeyCount, "keys", cfg.KeyCount, "number of keys in the demo KV table")
	f.IntVar(&cfg.TupleSize, "tuple-size", cfg.TupleSize, "record size in bytes")
	f.Float64Var(&cfg.UpdateRatio, "update-ratio", cfg.UpdateRatio, "fraction of transactions that read-modify-write")
	f.BoolVar(&debugLog, "debug", false, "enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	cfg.Threads = threadsFlag
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	runID := uuid.New().String()
	logger := logging.New(os.Stderr, debugLog)
	logger.Info().Str("run_id", runID).Str("engine", string(cfg.Engine)).Ints("threads", cfg.Threads).Msg("starting bench run")

	wl := workload.NewKVReadUpdate(storage.TableTag(0), cfg.KeyCount, cfg.TupleSize, cfg.UpdateRatio,
		rand.Float64, func(n int) int { return rand.Intn(n) })

	for _, n := range cfg.Threads {
		report, err := runPoint(logger, wl, n)
		if err != nil {
			return errors.Wrapf(err, "thread count %d", n)
		}
		logger.Info().
			Str("run_id", runID).
			Int("threads", report.Threads).
			Uint64("committed", report.Committed).
			Uint64("aborted", report.Aborted).
			Float64("throughput_tx_s", report.Throughput()).
			Dur("p99_total", report.P99["total"]).
			Msg("point complete")
		fmt.Printf("threads=%-3d committed=%-10d aborted=%-8d throughput=%.0f tx/s  p50=%v p90=%v p99=%v\n",
			report.Threads, report.Committed, report.Aborted, report.Throughput(),
			report.P50["total"], report.P90["total"], report.P99["total"])
	}
	return nil
}

// runPoint builds a fresh log manager and engine for thread count n, runs
// the workload's init batch single-threaded, then times n workers for
// cfg.DurationSeconds. Each sweep point gets its own engine instance so
// later, larger thread counts don't inherit state (and register sizing)
// from earlier points.
func runPoint(logger zerolog.Logger, wl *workload.KVReadUpdate, n int) (txnmanager.Report, error) {
	log := walog.NewManager(cfg.LogPages, cfg.LogPageSize)

	var set txnmanager.EngineSet
	switch cfg.Engine {
	case config.EngineOCC:
		set.OCC = occ.New(cfg.ShardBits, cfg.MaxTuples, log)
	case config.EngineTicToc:
		set.TicToc = tictoc.New(cfg.ShardBits, cfg.MaxTuples, log)
	case config.EngineMVCC:
		set.MVCC = mvcc.New(cfg.ShardBits, cfg.MaxTuples, cfg.MaxThreads, log)
	case config.EngineTPL:
		set.TPL = tpl.New(cfg.ShardBits, cfg.MaxTuples, log)
	case config.EngineCourier:
		set.Courier = courier.New(cfg.ShardBits, cfg.MaxTuples, cfg.MaxThreads, cfg.QueueCapacity, log)
	case config.EngineCourierSave:
		set.CourierSave = couriersave.New(cfg.ShardBits, cfg.MaxTuples, cfg.MaxThreads, cfg.QueueCapacity,
			cfg.CacheSlots, cfg.TupleSize, log)
	default:
		return txnmanager.Report{}, errors.Errorf("unknown engine %q", cfg.Engine)
	}

	mgr := txnmanager.New(set, log)
	logger.Debug().Msg("running init batch")
	mgr.RunInit(wl)

	logger.Debug().Int("threads", n).Msg("running timed point")
	return mgr.Run(context.Background(), wl, n, cfg.Duration()), nil
}
