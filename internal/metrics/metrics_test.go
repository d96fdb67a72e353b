package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	m, ok := c.(prometheus.Metric)
	if !ok {
		t.Fatalf("%T is not a single metric", c)
	}
	out := &dto.Metric{}
	if err := m.Write(out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func sampleCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	out := &dto.Metric{}
	if err := o.(prometheus.Metric).Write(out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return out.Histogram.GetSampleCount()
}

func TestWALMetrics_RecordFlush(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWALMetricsWithRegistry(reg)

	m.RecordFlush(1024, 0.005, true)
	m.RecordFlush(1048576, 0.050, true)
	m.RecordFlush(0, 0.100, false)

	if got := sampleCount(t, m.SizeHistogram); got != 2 {
		t.Errorf("size sample count = %d, want 2", got)
	}
	if got := sampleCount(t, m.FlushLatency.WithLabelValues(StatusSuccess)); got != 2 {
		t.Errorf("success latency samples = %d, want 2", got)
	}
	if got := sampleCount(t, m.FlushLatency.WithLabelValues(StatusFailure)); got != 1 {
		t.Errorf("failure latency samples = %d, want 1", got)
	}
	if got := counterValue(t, m.ObjectsCreated); got != 2 {
		t.Errorf("objects created = %f, want 2", got)
	}
}

func TestObjectStoreMetrics_RecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObjectStoreMetricsWithRegistry(reg)

	m.RecordOperation("put", 0.01, true, 512)
	m.RecordOperation("put", 0.02, false, 512)
	m.RecordOperation("get", 0.01, true, 0)

	if got := counterValue(t, m.RequestsTotal.WithLabelValues("put", StatusSuccess)); got != 1 {
		t.Errorf("put success = %f", got)
	}
	if got := counterValue(t, m.RequestsTotal.WithLabelValues("put", StatusFailure)); got != 1 {
		t.Errorf("put failure = %f", got)
	}
	if got := counterValue(t, m.BytesWritten); got != 512 {
		t.Errorf("bytes written = %f, want 512", got)
	}
	if got := sampleCount(t, m.LatencyHistogram.WithLabelValues("get", StatusSuccess)); got != 1 {
		t.Errorf("get samples = %d", got)
	}
}

func TestMetadataMetrics_RecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetadataMetricsWithRegistry(reg)

	m.RecordOperation("list", 0.001, true)
	m.RecordOperation("list", 0.002, true)
	m.RecordOperation("put", 0.5, false)

	if got := counterValue(t, m.RequestsTotal.WithLabelValues("list", StatusSuccess)); got != 2 {
		t.Errorf("list success = %f, want 2", got)
	}
	if got := counterValue(t, m.RequestsTotal.WithLabelValues("put", StatusFailure)); got != 1 {
		t.Errorf("put failure = %f, want 1", got)
	}
}

func TestTServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewTServerMetricsWithRegistry(reg)

	m.ScanStarted("single")
	m.ScanStarted("single")
	m.ScanStarted("batch")
	m.BatchReturned("single", 100, 0.002)
	m.BatchReturned("single", 50, 0.003)
	m.ReadAhead()
	m.ResultTimeout("batch")
	m.MutationsCommitted(10, 2)
	m.WALRetry()
	m.SetActiveSessions(3)

	if got := counterValue(t, m.ScansStarted.WithLabelValues("single")); got != 2 {
		t.Errorf("single scans = %f, want 2", got)
	}
	if got := counterValue(t, m.EntriesReturned); got != 150 {
		t.Errorf("entries = %f, want 150", got)
	}
	if got := sampleCount(t, m.BatchLatency.WithLabelValues("single")); got != 2 {
		t.Errorf("batch samples = %d, want 2", got)
	}
	if got := counterValue(t, m.ReadAheads); got != 1 {
		t.Errorf("read aheads = %f", got)
	}
	if got := counterValue(t, m.ResultTimeouts.WithLabelValues("batch")); got != 1 {
		t.Errorf("timeouts = %f", got)
	}
	if got := counterValue(t, m.MutationsApplied); got != 10 {
		t.Errorf("applied = %f", got)
	}
	if got := counterValue(t, m.ConstraintViolations); got != 2 {
		t.Errorf("violations = %f", got)
	}
	if got := counterValue(t, m.WALRetries); got != 1 {
		t.Errorf("wal retries = %f", got)
	}
	if got := counterValue(t, m.ActiveSessions); got != 3 {
		t.Errorf("active sessions = %f", got)
	}
}

func TestGCMetrics_RecordCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGCMetricsWithRegistry(reg)

	m.RecordCycle(10, 4, 5, 1, 2.5, true)
	m.RecordCycle(3, 0, 0, 0, 0.1, false)

	if got := counterValue(t, m.Cycles.WithLabelValues(StatusSuccess)); got != 1 {
		t.Errorf("successful cycles = %f", got)
	}
	if got := counterValue(t, m.Candidates); got != 13 {
		t.Errorf("candidates = %f, want 13", got)
	}
	if got := counterValue(t, m.Deleted); got != 5 {
		t.Errorf("deleted = %f", got)
	}
	if got := counterValue(t, m.LastCycleCandidates); got != 3 {
		t.Errorf("last cycle candidates = %f, want 3", got)
	}
	if got := sampleCount(t, m.CycleDuration); got != 2 {
		t.Errorf("duration samples = %d", got)
	}
}
