package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetadataMetrics holds metrics for metadata store operations.
type MetadataMetrics struct {
	// LatencyHistogram tracks operation latency by operation and status.
	// Labels: operation (get, put, delete, list, put_ephemeral), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal counts operations by operation and status.
	RequestsTotal *prometheus.CounterVec
}

// DefaultMetadataLatencyBuckets suit a replicated key value store where
// most calls finish within a few milliseconds.
var DefaultMetadataLatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5,
}

// NewMetadataMetrics creates and registers metadata metrics with the
// default registry.
func NewMetadataMetrics() *MetadataMetrics {
	return NewMetadataMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetadataMetricsWithRegistry creates metadata metrics registered with reg.
func NewMetadataMetricsWithRegistry(reg prometheus.Registerer) *MetadataMetrics {
	f := promauto.With(reg)
	return &MetadataMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "shale",
				Subsystem: "metadata",
				Name:      "operation_latency_seconds",
				Help:      "Metadata store operation latency in seconds, broken down by operation and status.",
				Buckets:   DefaultMetadataLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shale",
				Subsystem: "metadata",
				Name:      "operations_total",
				Help:      "Total number of metadata store operations, broken down by operation and status.",
			},
			[]string{"operation", "status"},
		),
	}
}

// RecordOperation implements metadata.MetricsRecorder.
func (m *MetadataMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	s := status(success)
	m.LatencyHistogram.WithLabelValues(operation, s).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, s).Inc()
}
