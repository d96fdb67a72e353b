package tablet

import (
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/shale-io/shale/internal/kv"
)

// Batch is one page of scan results. More is set when the batch filled.
type Batch struct {
	Results []kv.KeyValue
	More    bool
}

// Scanner reads a range of a tablet one batch at a time, each batch
// continuing after the last key of the previous one.
type Scanner struct {
	tablet *Tablet
	opts   ScanOptions

	mu       sync.Mutex
	rng      kv.Range
	snapshot *pebble.Snapshot
	closed   bool
}

// CreateScanner returns a scanner over rng. An isolated scanner reads
// every batch from the snapshot taken here; otherwise each batch sees the
// latest committed data.
func (t *Tablet) CreateScanner(rng kv.Range, opts ScanOptions, isolated bool) *Scanner {
	s := &Scanner{tablet: t, opts: opts, rng: rng}
	if isolated {
		s.snapshot = t.store.db.NewSnapshot()
	}
	return s
}

// Read returns up to batchSize entries.
func (s *Scanner) Read(batchSize int) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tablet
	if s.closed || t.IsClosed() {
		return Batch{}, ErrTabletClosed
	}
	if err := t.injectedReadErr(); err != nil {
		return Batch{}, err
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	var src pebbleReader = t.store.db
	if s.snapshot != nil {
		src = s.snapshot
	}
	r, err := t.newReader(src, s.rng, &s.opts)
	if err != nil {
		return Batch{}, err
	}
	defer r.Close()

	stack, err := t.stack(r, &s.opts)
	if err != nil {
		return Batch{}, err
	}

	var b Batch
	for len(b.Results) < batchSize {
		e, ok, err := stack.Next()
		if err != nil {
			return Batch{}, err
		}
		if !ok {
			break
		}
		b.Results = append(b.Results, e)
	}
	if n := len(b.Results); n > 0 {
		s.rng = s.rng.ResumeAfter(b.Results[n-1].Key)
	}
	b.More = len(b.Results) == batchSize
	return b, nil
}

// Close releases the scanner's snapshot.
func (s *Scanner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.snapshot != nil {
		return s.snapshot.Close()
	}
	return nil
}
