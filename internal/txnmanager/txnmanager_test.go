package txnmanager

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/polar1shu/Courier-sub000/internal/engine/courier"
	"github.com/polar1shu/Courier-sub000/internal/engine/occ"
	"github.com/polar1shu/Courier-sub000/internal/metrics"
	"github.com/polar1shu/Courier-sub000/internal/storage"
	"github.com/polar1shu/Courier-sub000/internal/walog"
	"github.com/polar1shu/Courier-sub000/internal/workload"
)

func TestRunAgainstOCCCommitsTransactions(t *testing.T) {
	log := walog.NewManager(64, 4096)
	set := EngineSet{OCC: occ.New(4, 1024, log)}
	mgr := New(set, log)

	wl := workload.NewKVReadUpdate(storage.TableTag(0), 128, 16, 0.5, rand.Float64, func(n int) int { return rand.Intn(n) })
	mgr.RunInit(wl)

	report := mgr.Run(context.Background(), wl, 4, 50*time.Millisecond)

	assert.Equal(t, 4, report.Threads)
	assert.Greater(t, report.Committed, uint64(0))
	assert.Contains(t, report.P50, metrics.PhaseTotal)
	assert.Greater(t, report.Throughput(), float64(0))
}

func TestRunAgainstCourierCommitsTransactions(t *testing.T) {
	log := walog.NewManager(64, 4096)
	set := EngineSet{Courier: courier.New(4, 1024, 4, 256, log)}
	mgr := New(set, log)

	wl := workload.NewKVReadUpdate(storage.TableTag(0), 64, 16, 0.5, rand.Float64, func(n int) int { return rand.Intn(n) })
	mgr.RunInit(wl)

	report := mgr.Run(context.Background(), wl, 2, 30*time.Millisecond)
	assert.Greater(t, report.Committed, uint64(0))
}
