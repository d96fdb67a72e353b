package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GCMetrics holds metrics for garbage collection cycles.
type GCMetrics struct {
	// Cycles counts completed cycles by status (success, failure).
	Cycles *prometheus.CounterVec

	// CycleDuration tracks the wall time of a cycle.
	CycleDuration prometheus.Histogram

	// Candidates counts delete candidates gathered.
	Candidates prometheus.Counter

	// InUse counts candidates kept because they are still referenced.
	InUse prometheus.Counter

	// Deleted counts paths removed from storage.
	Deleted prometheus.Counter

	// Errors counts paths that could not be deleted.
	Errors prometheus.Counter

	// LastCycleCandidates is the candidate count of the most recent cycle.
	LastCycleCandidates prometheus.Gauge
}

// DefaultGCCycleBuckets span a near-empty cycle up to a long sweep.
var DefaultGCCycleBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900}

// NewGCMetrics creates and registers GC metrics with the default registry.
func NewGCMetrics() *GCMetrics {
	return NewGCMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewGCMetricsWithRegistry creates GC metrics registered with reg.
func NewGCMetricsWithRegistry(reg prometheus.Registerer) *GCMetrics {
	f := promauto.With(reg)
	return &GCMetrics{
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "gc",
			Name:      "cycles_total",
			Help:      "Total number of garbage collection cycles, by status.",
		}, []string{"status"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shale",
			Subsystem: "gc",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a garbage collection cycle.",
			Buckets:   DefaultGCCycleBuckets,
		}),
		Candidates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "gc",
			Name:      "candidates_total",
			Help:      "Total number of delete candidates gathered.",
		}),
		InUse: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "gc",
			Name:      "in_use_total",
			Help:      "Total number of candidates kept because they are still referenced.",
		}),
		Deleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "gc",
			Name:      "deleted_total",
			Help:      "Total number of paths deleted.",
		}),
		Errors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "gc",
			Name:      "errors_total",
			Help:      "Total number of paths that failed to delete.",
		}),
		LastCycleCandidates: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shale",
			Subsystem: "gc",
			Name:      "last_cycle_candidates",
			Help:      "Delete candidates gathered by the most recent cycle.",
		}),
	}
}

// RecordCycle records the counters of one finished cycle.
func (m *GCMetrics) RecordCycle(candidates, inUse, deleted, errors int64, durationSeconds float64, success bool) {
	m.Cycles.WithLabelValues(status(success)).Inc()
	m.CycleDuration.Observe(durationSeconds)
	m.Candidates.Add(float64(candidates))
	m.InUse.Add(float64(inUse))
	m.Deleted.Add(float64(deleted))
	m.Errors.Add(float64(errors))
	m.LastCycleCandidates.Set(float64(candidates))
}
