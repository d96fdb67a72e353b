// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the shale processes:
//   - Tablet server scans: sessions started, batch latency, entries returned,
//     read-ahead submissions, result wait timeouts, active sessions
//   - Tablet server updates: mutations applied, constraint violations,
//     write-ahead log retries
//   - WAL object size and flush latency
//   - Garbage collection cycles: candidates, in use, deleted, errors, duration
//   - Object store and metadata store operation latency by operation and status
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus format.
//
// Usage:
//
//	tserverMetrics := metrics.NewTServerMetrics()
//	walMetrics := metrics.NewWALMetrics()
//	logger := wal.NewLogger(store, wal.LoggerConfig{Metrics: walMetrics})
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}
