package gc

import "sync/atomic"

// CycleStats are the counters of one collection cycle. Times are unix
// milliseconds; a zero Finished means the cycle is still running.
type CycleStats struct {
	Started    int64 `json:"started"`
	Finished   int64 `json:"finished"`
	Candidates int64 `json:"candidates"`
	InUse      int64 `json:"inUse"`
	Deleted    int64 `json:"deleted"`
	Errors     int64 `json:"errors"`
}

// Status is what the GC monitor reports.
type Status struct {
	Last    CycleStats `json:"last"`
	Current CycleStats `json:"current"`
}

// cycleCounters is written by the cycle loop and its delete workers and
// read by the monitor.
type cycleCounters struct {
	started    atomic.Int64
	finished   atomic.Int64
	candidates atomic.Int64
	inUse      atomic.Int64
	deleted    atomic.Int64
	errors     atomic.Int64
}

func (c *cycleCounters) snapshot() CycleStats {
	return CycleStats{
		Started:    c.started.Load(),
		Finished:   c.finished.Load(),
		Candidates: c.candidates.Load(),
		InUse:      c.inUse.Load(),
		Deleted:    c.deleted.Load(),
		Errors:     c.errors.Load(),
	}
}

func (c *cycleCounters) reset() {
	c.started.Store(0)
	c.finished.Store(0)
	c.candidates.Store(0)
	c.inUse.Store(0)
	c.deleted.Store(0)
	c.errors.Store(0)
}

// Status returns the counters of the running cycle and of the last
// finished one.
func (c *Collector) Status() Status {
	var s Status
	if last := c.last.Load(); last != nil {
		s.Last = *last
	}
	s.Current = c.current.snapshot()
	return s
}
