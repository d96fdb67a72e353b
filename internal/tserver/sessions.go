package tserver

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shale-io/shale/internal/constraints"
	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/security"
	"github.com/shale-io/shale/internal/session"
	"github.com/shale-io/shale/internal/tablet"
	"github.com/shale-io/shale/internal/task"
)

// timingStats accumulates min, max, and mean of a duration series.
type timingStats struct {
	mu    sync.Mutex
	count int64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

func (t *timingStats) add(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	t.count++
	t.sum += d
}

func (t *timingStats) total() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sum
}

func (t *timingStats) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return "count:0"
	}
	avg := t.sum / time.Duration(t.count)
	return fmt.Sprintf("count:%d min:%s avg:%s max:%s", t.count, t.min, avg, t.max)
}

// ScanSession is the state of a single tablet scan.
type ScanSession struct {
	session.Base

	Extent    kv.Extent
	Columns   []kv.Column
	Iterators []kv.IteratorSetting
	BatchSize int

	interrupt *atomic.Bool
	scanner   *tablet.Scanner

	// nextBatch is read by introspection without a reservation.
	nextBatch atomic.Pointer[task.Task[ScanResult]]

	entriesReturned atomic.Int64
	batchCount      atomic.Int64
	readAheads      atomic.Int64
	batchTimes      timingStats
}

func (*ScanSession) Kind() session.Kind { return session.KindScan }

// Cleanup cancels a pending batch and releases the scanner.
func (ss *ScanSession) Cleanup() {
	if t := ss.nextBatch.Load(); t != nil {
		t.Cancel()
	}
	ss.scanner.Close()
}

func (ss *ScanSession) runState() task.RunState {
	return taskState(ss.nextBatch.Load())
}

// MultiScanSession is the state of a scan over many tablets and ranges.
type MultiScanSession struct {
	session.Base

	Columns        []kv.Column
	Iterators      []kv.IteratorSetting
	Authorizations kv.Authorizations
	// poolExtent picks the read-ahead pool; every queried extent shares
	// its class.
	poolExtent kv.Extent

	// queries holds the ranges still to read. Only the lookup task for
	// the session touches it.
	queries map[kv.Extent][]kv.Range

	interrupt *atomic.Bool
	lookup    atomic.Pointer[task.Task[MultiScanResult]]

	numTablets int
	numRanges  int
	numEntries atomic.Int64
	lookupTime timingStats
}

func (*MultiScanSession) Kind() session.Kind { return session.KindMultiScan }

// Cleanup cancels a pending lookup.
func (ms *MultiScanSession) Cleanup() {
	if t := ms.lookup.Load(); t != nil {
		t.Cancel()
	}
}

func (ms *MultiScanSession) runState() task.RunState {
	return taskState(ms.lookup.Load())
}

// pending returns the extents with ranges left, in a stable order.
func (ms *MultiScanSession) pending() []kv.Extent {
	out := make([]kv.Extent, 0, len(ms.queries))
	for e := range ms.queries {
		out = append(out, e)
	}
	sortExtents(out)
	return out
}

// UpdateSession accumulates mutations for a client's batch writer. It is
// only touched by the caller holding its reservation.
type UpdateSession struct {
	session.Base

	creds security.Credentials
	env   constraints.Environment

	current           *tablet.Tablet
	queued            map[*tablet.Tablet][]kv.Mutation
	queuedSize        int64
	successfulCommits map[*tablet.Tablet]int64
	failures          map[kv.Extent]int64
	authFailures      map[kv.Extent]struct{}
	violations        constraints.Violations

	totalUpdates int64
	authTimes    timingStats
	prepareTimes timingStats
	walTimes     timingStats
	commitTimes  timingStats
	flushTime    time.Duration
}

func (*UpdateSession) Kind() session.Kind { return session.KindUpdate }

// Cleanup is a no-op: queued mutations of an abandoned session are dropped.
func (*UpdateSession) Cleanup() {}

func (us *UpdateSession) queuedExtents() []kv.Extent {
	out := make([]kv.Extent, 0, len(us.queued))
	for t := range us.queued {
		out = append(out, t.Extent())
	}
	return out
}

// taskState maps a pending task to what introspection reports. No task
// and a finished one both read as idle.
func taskState[T any](t *task.Task[T]) task.RunState {
	if t == nil {
		return task.Finished
	}
	return t.RunState()
}

func secondsSince(t time.Time) float64 {
	return math.Round(time.Since(t).Seconds()*1000) / 1000
}
