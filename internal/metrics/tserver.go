package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TServerMetrics holds metrics for the tablet server scan and update engines.
type TServerMetrics struct {
	// ScansStarted counts scan sessions by type (single, batch).
	ScansStarted *prometheus.CounterVec

	// BatchLatency tracks the time from continue request to returned batch.
	// Labels: type (single, batch)
	BatchLatency *prometheus.HistogramVec

	// EntriesReturned counts key/values returned to clients.
	EntriesReturned prometheus.Counter

	// ReadAheads counts batches computed before the client asked for them.
	ReadAheads prometheus.Counter

	// ResultTimeouts counts continue calls that returned an empty batch
	// because the result was not ready in time.
	ResultTimeouts *prometheus.CounterVec

	// MutationsApplied counts mutations committed by update sessions.
	MutationsApplied prometheus.Counter

	// ConstraintViolations counts mutations rejected by constraints.
	ConstraintViolations prometheus.Counter

	// WALRetries counts failed write-ahead log attempts that were retried.
	WALRetries prometheus.Counter

	// ActiveSessions is the number of live sessions in the registry.
	ActiveSessions prometheus.Gauge
}

// DefaultBatchLatencyBuckets cover an in-memory batch up to the full
// result wait.
var DefaultBatchLatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5,
}

// NewTServerMetrics creates and registers tablet server metrics with the
// default registry.
func NewTServerMetrics() *TServerMetrics {
	return NewTServerMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewTServerMetricsWithRegistry creates tablet server metrics registered with reg.
func NewTServerMetricsWithRegistry(reg prometheus.Registerer) *TServerMetrics {
	f := promauto.With(reg)
	return &TServerMetrics{
		ScansStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "tserver",
			Name:      "scans_started_total",
			Help:      "Total number of scan sessions started, by type.",
		}, []string{"type"}),
		BatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shale",
			Subsystem: "tserver",
			Name:      "batch_latency_seconds",
			Help:      "Time to produce one batch of scan results, by type.",
			Buckets:   DefaultBatchLatencyBuckets,
		}, []string{"type"}),
		EntriesReturned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "tserver",
			Name:      "entries_returned_total",
			Help:      "Total number of key/values returned by scans.",
		}),
		ReadAheads: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "tserver",
			Name:      "read_aheads_total",
			Help:      "Total number of batches submitted ahead of the client request.",
		}),
		ResultTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "tserver",
			Name:      "result_timeouts_total",
			Help:      "Total number of continue calls answered with an empty batch because the result was not ready.",
		}, []string{"type"}),
		MutationsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "tserver",
			Name:      "mutations_applied_total",
			Help:      "Total number of mutations committed.",
		}),
		ConstraintViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "tserver",
			Name:      "constraint_violations_total",
			Help:      "Total number of mutations rejected by constraints.",
		}),
		WALRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "tserver",
			Name:      "wal_retries_total",
			Help:      "Total number of write-ahead log writes that failed and were retried.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shale",
			Subsystem: "tserver",
			Name:      "active_sessions",
			Help:      "Number of live scan, batch scan, and update sessions.",
		}),
	}
}

// ScanStarted records a new scan session of the given type.
func (m *TServerMetrics) ScanStarted(scanType string) {
	m.ScansStarted.WithLabelValues(scanType).Inc()
}

// BatchReturned records one batch handed back to a client.
func (m *TServerMetrics) BatchReturned(scanType string, entries int, durationSeconds float64) {
	m.BatchLatency.WithLabelValues(scanType).Observe(durationSeconds)
	m.EntriesReturned.Add(float64(entries))
}

// ReadAhead records a batch submitted before it was requested.
func (m *TServerMetrics) ReadAhead() {
	m.ReadAheads.Inc()
}

// ResultTimeout records a continue call that ran out of wait time.
func (m *TServerMetrics) ResultTimeout(scanType string) {
	m.ResultTimeouts.WithLabelValues(scanType).Inc()
}

// MutationsCommitted records committed and rejected mutation counts.
func (m *TServerMetrics) MutationsCommitted(applied int, violations int64) {
	m.MutationsApplied.Add(float64(applied))
	m.ConstraintViolations.Add(float64(violations))
}

// WALRetry records one failed write-ahead log attempt.
func (m *TServerMetrics) WALRetry() {
	m.WALRetries.Inc()
}

// SetActiveSessions sets the live session gauge.
func (m *TServerMetrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}
