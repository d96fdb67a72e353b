package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WALMetrics holds metrics for write-ahead log objects.
type WALMetrics struct {
	// SizeHistogram tracks the size of written WAL objects in bytes.
	SizeHistogram prometheus.Histogram

	// FlushLatency tracks the time to encode and store one WAL object.
	FlushLatency *prometheus.HistogramVec

	// ObjectsCreated counts WAL objects written; rate() gives objects per second.
	ObjectsCreated prometheus.Counter
}

// DefaultWALSizeBuckets span a single small mutation up to a full
// mutation queue.
var DefaultWALSizeBuckets = prometheus.ExponentialBuckets(256, 4, 10)

// NewWALMetrics creates and registers WAL metrics with the default registry.
func NewWALMetrics() *WALMetrics {
	return NewWALMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewWALMetricsWithRegistry creates WAL metrics registered with reg.
func NewWALMetricsWithRegistry(reg prometheus.Registerer) *WALMetrics {
	f := promauto.With(reg)
	return &WALMetrics{
		SizeHistogram: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shale",
			Subsystem: "wal",
			Name:      "object_size_bytes",
			Help:      "Size of written WAL objects in bytes.",
			Buckets:   DefaultWALSizeBuckets,
		}),
		FlushLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shale",
			Subsystem: "wal",
			Name:      "flush_latency_seconds",
			Help:      "Time to encode and store one WAL object.",
			Buckets:   DefaultObjectStoreLatencyBuckets,
		}, []string{"status"}),
		ObjectsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shale",
			Subsystem: "wal",
			Name:      "objects_created_total",
			Help:      "Total number of WAL objects written.",
		}),
	}
}

// RecordFlush implements wal.MetricsRecorder.
func (m *WALMetrics) RecordFlush(sizeBytes int64, durationSeconds float64, success bool) {
	m.FlushLatency.WithLabelValues(status(success)).Observe(durationSeconds)
	if success {
		m.SizeHistogram.Observe(float64(sizeBytes))
		m.ObjectsCreated.Inc()
	}
}
