// Package txnmanager drives a fixed pool of worker goroutines that each
// retry-commit transactions drawn from a workload.Workload against one CC
// engine, for the duration SPEC_FULL.md's run configuration names. It is
// the concrete collaborator spec.md §6 leaves abstract as "the thing that
// owns threads and counts commits/aborts."
package txnmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polar1shu/Courier-sub000/internal/engine/courier"
	"github.com/polar1shu/Courier-sub000/internal/engine/couriersave"
	"github.com/polar1shu/Courier-sub000/internal/engine/mvcc"
	"github.com/polar1shu/Courier-sub000/internal/engine/occ"
	"github.com/polar1shu/Courier-sub000/internal/engine/tictoc"
	"github.com/polar1shu/Courier-sub000/internal/engine/tpl"
	"github.com/polar1shu/Courier-sub000/internal/executor"
	"github.com/polar1shu/Courier-sub000/internal/metrics"
	"github.com/polar1shu/Courier-sub000/internal/txctx"
	"github.com/polar1shu/Courier-sub000/internal/walog"
	"github.com/polar1shu/Courier-sub000/internal/workload"
)

// Report summarizes one timed run across all worker threads.
type Report struct {
	Threads   int
	Duration  time.Duration
	Committed uint64
	Aborted   uint64

	P50, P90, P99 map[metrics.Phase]time.Duration
}

// Throughput returns committed transactions per second.
func (r Report) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Committed) / r.Duration.Seconds()
}

// EngineSet is the uniform construction surface every CC engine variant
// implements; Manager type-switches on it once at Run time to build the
// right per-thread executor, rather than forcing every engine behind one
// generic interface (each variant's constructor and Worker shape differ
// enough - see internal/executor's own doc comment - that a closure per
// variant is simpler than a forced common interface).
type EngineSet struct {
	OCC         *occ.Engine
	TicToc      *tictoc.Engine
	MVCC        *mvcc.Engine
	TPL         *tpl.Engine
	Courier     *courier.Engine
	CourierSave *couriersave.Engine
}

// Manager owns the shared log allocator pool and recorder for one run; a
// fresh Manager is created per (engine, thread count) combination in a
// sweep, since MaxAidTid/register sizing and the recorder's accumulated
// samples are both per-run state.
type Manager struct {
	engines  EngineSet
	log      *walog.Manager
	recorder *metrics.Recorder
}

func New(engines EngineSet, log *walog.Manager) *Manager {
	return &Manager{engines: engines, log: log, recorder: metrics.NewRecorder()}
}

func (m *Manager) Recorder() *metrics.Recorder { return m.recorder }

// worker bundles the per-goroutine executor plus whatever teardown its CC
// engine variant needs at shutdown (Courier/Courier-Save must drain their
// deferred-persist queue once no more commits will be published to it).
type worker struct {
	ex       executor.Executor
	shutdown func()
}

func (m *Manager) newWorker(threadID int) worker {
	ctx := txctx.New(m.recorder)
	switch {
	case m.engines.OCC != nil:
		e := m.engines.OCC
		alloc := m.log.NewAllocator()
		e.Begin(ctx)
		return worker{ex: executor.NewPlain(e, ctx,
			func(c *txctx.Ctx) bool { return e.Commit(c, alloc) },
			e.Abort,
		)}
	case m.engines.TicToc != nil:
		e := m.engines.TicToc
		alloc := m.log.NewAllocator()
		e.Begin(ctx)
		return worker{ex: executor.NewPlain(e, ctx,
			func(c *txctx.Ctx) bool { return e.Commit(c, alloc) },
			e.Abort,
		)}
	case m.engines.MVCC != nil:
		te := m.engines.MVCC.ForThread(threadID)
		alloc := m.log.NewAllocator()
		te.Begin(ctx)
		return worker{ex: executor.NewPlain(te, ctx,
			func(c *txctx.Ctx) bool { return m.engines.MVCC.Commit(c, alloc) },
			m.engines.MVCC.Abort,
		)}
	case m.engines.TPL != nil:
		e := m.engines.TPL
		alloc := m.log.NewAllocator()
		e.Begin(ctx)
		return worker{ex: executor.NewPlain(e, ctx,
			func(c *txctx.Ctx) bool { return e.Commit(c, alloc) },
			e.Abort,
		)}
	case m.engines.Courier != nil:
		e := m.engines.Courier
		w := e.NewWorker(threadID)
		e.Begin(ctx)
		return worker{
			ex: executor.NewDeferred(e, ctx, w.Commit, w.Abort),
			shutdown: w.FlushAll,
		}
	case m.engines.CourierSave != nil:
		e := m.engines.CourierSave
		w := e.NewWorker(threadID)
		e.Begin(ctx)
		return worker{
			ex: executor.NewDeferred(e, ctx, w.Commit, w.Abort),
			shutdown: w.FlushAll,
		}
	default:
		panic("txnmanager: EngineSet has no engine set")
	}
}

// Run drives nThreads worker goroutines against wl for duration, each
// retrying a transaction until it commits before drawing the next one
// (spec.md §6: "on abort, retry the same or a fresh transaction instance
// until it commits"). Workers start together behind a barrier so the
// measured window excludes goroutine spin-up jitter.
func (m *Manager) Run(ctx context.Context, wl workload.Workload, nThreads int, duration time.Duration) Report {
	var (
		start   sync.WaitGroup
		barrier sync.WaitGroup
		done    atomic.Bool
		commits atomic.Uint64
		aborts  atomic.Uint64
	)
	start.Add(nThreads)
	barrier.Add(1)

	g, _ := errgroup.WithContext(ctx)

	for i := 0; i < nThreads; i++ {
		threadID := i
		g.Go(func() error {
			w := m.newWorker(threadID)
			if w.shutdown != nil {
				defer w.shutdown()
			}
			start.Done()
			barrier.Wait()
			for !done.Load() {
				txn := wl.Next(threadID)
				for {
					if done.Load() {
						return nil
					}
					if txn.Run(w.ex) && w.ex.Commit() {
						commits.Add(1)
						break
					}
					aborts.Add(1)
					w.ex.Reset()
				}
			}
			return nil
		})
	}

	start.Wait()
	runStart := time.Now()
	barrier.Done()

	timer := time.AfterFunc(duration, func() { done.Store(true) })
	_ = g.Wait()
	timer.Stop()
	elapsed := time.Since(runStart)

	report := Report{
		Threads:   nThreads,
		Duration:  elapsed,
		Committed: commits.Load(),
		Aborted:   aborts.Load(),
		P50:       make(map[metrics.Phase]time.Duration),
		P90:       make(map[metrics.Phase]time.Duration),
		P99:       make(map[metrics.Phase]time.Duration),
	}
	for _, phase := range []metrics.Phase{
		metrics.PhaseBegin, metrics.PhaseIndex, metrics.PhaseValidate,
		metrics.PhasePersistLog, metrics.PhasePersistData, metrics.PhaseCommit,
		metrics.PhaseAbort, metrics.PhaseTotal,
	} {
		p50, p90, p99 := m.recorder.Quantiles(phase)
		report.P50[phase] = time.Duration(p50 * float64(time.Second))
		report.P90[phase] = time.Duration(p90 * float64(time.Second))
		report.P99[phase] = time.Duration(p99 * float64(time.Second))
	}
	return report
}

// RunInit executes wl's warm-up batch single-threaded, before any timed Run
// (spec.md §6's initialization pass).
func (m *Manager) RunInit(wl workload.Workload) {
	w := m.newWorker(0)
	for _, txn := range wl.InitBatch() {
		for {
			if txn.Run(w.ex) && w.ex.Commit() {
				break
			}
			w.ex.Reset()
		}
	}
}
