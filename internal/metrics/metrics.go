// Package metrics records per-phase transaction latencies with
// prometheus/client_golang, the same library cuemby-warren's pkg/metrics
// wires up for its own per-operation duration histograms.
//
// spec.md §6 calls for "p50/p90/p99 latency per phase" in the run report.
// A prometheus.SummaryVec with fixed rank objectives gives us that directly,
// without hand-rolling a percentile estimator: each phase is a label value on
// one summary rather than a family of histograms, keeping cardinality fixed
// regardless of how many CC engines or workloads a given binary links in.
package metrics

import (
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Phase names the pipeline stage a duration was measured for (spec.md §4.2,
// TxContext's "phase timing": begin, index lookup, validation, log persist,
// data persist, commit, abort).
type Phase string

const (
	PhaseBegin       Phase = "begin"
	PhaseIndex       Phase = "index"
	PhaseValidate    Phase = "validate"
	PhasePersistLog  Phase = "persist_log"
	PhasePersistData Phase = "persist_data"
	PhaseCommit      Phase = "commit"
	PhaseAbort       Phase = "abort"
	PhaseTotal       Phase = "total"
)

// Recorder accumulates per-phase latency samples for one benchmark run.
// A Recorder is safe for concurrent use by every worker goroutine.
type Recorder struct {
	summary *prometheus.SummaryVec
}

// NewRecorder builds a fresh, unregistered Recorder. Tests and concurrent
// benchmark runs each get their own Recorder instead of sharing the global
// prometheus.DefaultRegisterer, so two Table[T]-driven engines under test in
// parallel never collide on a metric name.
func NewRecorder() *Recorder {
	return &Recorder{
		summary: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       "courier_phase_latency_seconds",
				Help:       "Transaction phase latency in seconds.",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
				MaxAge:     10 * time.Minute,
			},
			[]string{"phase"},
		),
	}
}

// Observe records one duration sample for phase.
func (r *Recorder) Observe(phase Phase, d time.Duration) {
	r.summary.WithLabelValues(string(phase)).Observe(d.Seconds())
}

// Quantiles reports the p50/p90/p99 this Recorder has accumulated for phase,
// in seconds. Missing phases (no samples observed) return zeroes.
func (r *Recorder) Quantiles(phase Phase) (p50, p90, p99 float64) {
	metric := &dto.Metric{}
	if err := r.summary.WithLabelValues(string(phase)).(prometheus.Metric).Write(metric); err != nil {
		return 0, 0, 0
	}
	for _, q := range metric.GetSummary().GetQuantile() {
		switch q.GetQuantile() {
		case 0.5:
			p50 = q.GetValue()
		case 0.9:
			p90 = q.GetValue()
		case 0.99:
			p99 = q.GetValue()
		}
	}
	return p50, p90, p99
}

// Collector exposes the underlying SummaryVec so cmd/bench can register it
// with an *http.ServeMux via promhttp, for a long-running process that wants
// a live /metrics scrape endpoint alongside the end-of-run report.
func (r *Recorder) Collector() prometheus.Collector {
	return r.summary
}

// Timer measures one phase from NewTimer to Observe, mirroring
// cuemby-warren's metrics.Timer helper.
type Timer struct {
	start time.Time
}

func NewTimer() Timer {
	return Timer{start: time.Now()}
}

func (t Timer) ObserveSince(r *Recorder, phase Phase) {
	r.Observe(phase, time.Since(t.start))
}
