package tserver

// Metrics observes the scan and update engines. *metrics.TServerMetrics
// implements it.
type Metrics interface {
	ScanStarted(scanType string)
	BatchReturned(scanType string, entries int, durationSeconds float64)
	ReadAhead()
	ResultTimeout(scanType string)
	MutationsCommitted(applied int, violations int64)
	WALRetry()
	SetActiveSessions(n int)
}

type nopMetrics struct{}

func (nopMetrics) ScanStarted(string)                 {}
func (nopMetrics) BatchReturned(string, int, float64) {}
func (nopMetrics) ReadAhead()                         {}
func (nopMetrics) ResultTimeout(string)               {}
func (nopMetrics) MutationsCommitted(int, int64)      {}
func (nopMetrics) WALRetry()                          {}
func (nopMetrics) SetActiveSessions(int)              {}
