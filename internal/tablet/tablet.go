package tablet

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble/v2"

	"github.com/shale-io/shale/internal/iterators"
	"github.com/shale-io/shale/internal/kv"
)

// Tablet is one hosted extent.
type Tablet struct {
	store  *Store
	extent kv.Extent

	mu       sync.Mutex
	cond     *sync.Cond
	closed   bool
	commits  int
	lastTime int64

	readErr atomic.Pointer[error]
}

func newTablet(s *Store, extent kv.Extent) *Tablet {
	t := &Tablet{store: s, extent: extent}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Extent returns the tablet's extent.
func (t *Tablet) Extent() kv.Extent {
	return t.extent
}

// IsClosed reports whether Close has been called.
func (t *Tablet) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close takes the tablet offline. It waits for prepared commits to finish
// or abort; new prepares see a closed tablet.
func (t *Tablet) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for t.commits > 0 {
		t.cond.Wait()
	}
}

// FailReads makes every subsequent read return err. A nil err clears it.
// It exists to exercise error paths of callers.
func (t *Tablet) FailReads(err error) {
	if err == nil {
		t.readErr.Store(nil)
		return
	}
	t.readErr.Store(&err)
}

func (t *Tablet) injectedReadErr() error {
	if p := t.readErr.Load(); p != nil {
		return *p
	}
	return nil
}

// ScanOptions selects what a scanner or lookup returns.
type ScanOptions struct {
	Columns        []kv.Column
	Authorizations kv.Authorizations
	Iterators      []kv.IteratorSetting
	// Interrupt is polled between entries; when it becomes true the read
	// fails with ErrIterationInterrupted.
	Interrupt *atomic.Bool
}

// reader yields the visible entries of one range of a tablet: the newest
// version of each coordinate, with deletes, other columns, and entries the
// authorizations can not see removed.
type reader struct {
	iter      *pebble.Iterator
	table     kv.TableID
	rng       kv.Range
	extent    kv.Range
	opts      *ScanOptions
	lastCoord *kv.Key
	visCache  map[string]bool
	done      bool
}

type pebbleReader interface {
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func (t *Tablet) newReader(src pebbleReader, rng kv.Range, opts *ScanOptions) (*reader, error) {
	table := t.extent.Table
	iter, err := src.NewIter(&pebble.IterOptions{
		LowerBound: tablePrefix(table),
		UpperBound: tableUpperBound(table),
	})
	if err != nil {
		return nil, err
	}

	r := &reader{
		iter:     iter,
		table:    table,
		rng:      rng,
		extent:   t.extent.Range(),
		opts:     opts,
		visCache: make(map[string]bool),
	}

	start := rng.Start
	if es := r.extent.Start; es != nil && (start == nil || start.Compare(*es) < 0) {
		start = es
	}
	if start != nil {
		iter.SeekGE(encodeKey(table, *start))
	} else {
		iter.First()
	}
	// Resuming after a key must also skip the older versions of it.
	if rng.Start != nil && !rng.StartInclusive {
		k := *rng.Start
		r.lastCoord = &k
	}
	return r, nil
}

func (r *reader) Next() (kv.KeyValue, bool, error) {
	for !r.done && r.iter.Valid() {
		if in := r.opts.Interrupt; in != nil && in.Load() {
			return kv.KeyValue{}, false, ErrIterationInterrupted
		}
		_, k, err := decodeKey(r.iter.Key())
		if err != nil {
			return kv.KeyValue{}, false, err
		}
		if r.rng.AfterEnd(k) || r.extent.AfterEnd(k) {
			r.done = true
			break
		}
		value := bytes.Clone(r.iter.Value())
		r.iter.Next()

		if r.rng.BeforeStart(k) || r.extent.BeforeStart(k) {
			continue
		}
		if r.lastCoord != nil && r.lastCoord.SameCoordinate(k) {
			continue
		}
		coord := k
		r.lastCoord = &coord
		if k.Deleted {
			continue
		}
		if !kv.MatchesAny(r.opts.Columns, k) || !r.visible(k.Visibility) {
			continue
		}
		return kv.KeyValue{Key: k, Value: value}, true, nil
	}
	if err := r.iter.Error(); err != nil {
		return kv.KeyValue{}, false, err
	}
	return kv.KeyValue{}, false, nil
}

func (r *reader) visible(expr []byte) bool {
	if len(expr) == 0 {
		return true
	}
	if ok, cached := r.visCache[string(expr)]; cached {
		return ok
	}
	vis, err := kv.ParseVisibility(expr)
	ok := err == nil && vis.Evaluate(r.opts.Authorizations)
	r.visCache[string(expr)] = ok
	return ok
}

func (r *reader) Close() error {
	return r.iter.Close()
}

// stack builds the configured iterator stack over r.
func (t *Tablet) stack(r *reader, opts *ScanOptions) (iterators.Source, error) {
	return t.store.iterators.Build(r, opts.Iterators, iterators.Env{Now: time.Now})
}

// LookupResult is the outcome of a multi-range lookup.
type LookupResult struct {
	Results    []kv.KeyValue
	Unfinished []kv.Range
	BytesAdded int64
	// Closed is set when the tablet went offline during the lookup.
	// Unfinished then holds every range that was not completed.
	Closed bool
}

// Lookup reads ranges in order until maxBytes of results have been added.
// Ranges not fully read are returned in Unfinished, the first one resuming
// after the last returned key.
func (t *Tablet) Lookup(ranges []kv.Range, opts ScanOptions, maxBytes int64) (LookupResult, error) {
	var res LookupResult
	if err := t.injectedReadErr(); err != nil {
		return res, err
	}
	for i, rng := range ranges {
		if t.IsClosed() {
			res.Closed = true
			res.Unfinished = append(res.Unfinished, ranges[i:]...)
			return res, nil
		}
		full, err := t.lookupRange(rng, &opts, maxBytes, &res)
		if err != nil {
			return res, err
		}
		if full {
			res.Unfinished = append(res.Unfinished, ranges[i+1:]...)
			return res, nil
		}
	}
	return res, nil
}

// lookupRange appends the entries of rng to res. It reports whether the
// byte budget filled, in which case the remainder of rng has already been
// added to res.Unfinished.
func (t *Tablet) lookupRange(rng kv.Range, opts *ScanOptions, maxBytes int64, res *LookupResult) (bool, error) {
	r, err := t.newReader(t.store.db, rng, opts)
	if err != nil {
		return false, err
	}
	defer r.Close()

	src, err := t.stack(r, opts)
	if err != nil {
		return false, err
	}
	for {
		e, ok, err := src.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		res.Results = append(res.Results, e)
		res.BytesAdded += e.Size()
		if res.BytesAdded >= maxBytes {
			res.Unfinished = append(res.Unfinished, rng.ResumeAfter(e.Key))
			return true, nil
		}
	}
}
