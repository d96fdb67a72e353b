// Package tablet hosts tablets on a single pebble database per tablet
// server. Each tablet is a row range of one table; tablets of the same
// table share a contiguous region of the pebble keyspace.
package tablet

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"

	"github.com/shale-io/shale/internal/constraints"
	"github.com/shale-io/shale/internal/iterators"
	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/logging"
)

// Errors returned by tablets.
var (
	ErrTabletClosed         = errors.New("tablet: closed")
	ErrIterationInterrupted = errors.New("tablet: iteration interrupted")
	ErrRowOutOfRange        = errors.New("tablet: mutation row outside tablet")
	ErrStoreClosed          = errors.New("tablet: store closed")
)

// IsTooManyFiles reports whether err was caused by running out of file
// descriptors.
func IsTooManyFiles(err error) bool {
	return errors.Is(err, syscall.EMFILE)
}

// Options configures a Store.
type Options struct {
	// FS overrides the file system, e.g. vfs.NewMem() in tests.
	FS        vfs.FS
	Logger    *logging.Logger
	Checker   *constraints.Checker
	Iterators *iterators.Registry
}

// Store is the pebble database shared by every hosted tablet.
type Store struct {
	db        *pebble.DB
	logger    *logging.Logger
	checker   *constraints.Checker
	iterators *iterators.Registry

	mu      sync.Mutex
	tablets map[kv.Extent]*Tablet
	closed  bool
}

// Open opens or creates the store in dir.
func Open(dir string, opts Options) (*Store, error) {
	pebbleOpts := &pebble.Options{}
	if opts.FS != nil {
		pebbleOpts.FS = opts.FS
	}
	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("tablet: open pebble: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    opts.Logger,
		checker:   opts.Checker,
		iterators: opts.Iterators,
		tablets:   make(map[kv.Extent]*Tablet),
	}
	if s.logger == nil {
		s.logger = logging.Global().Named("tablet")
	}
	if s.checker == nil {
		s.checker = constraints.DefaultChecker()
	}
	if s.iterators == nil {
		s.iterators = iterators.DefaultRegistry()
	}
	return s, nil
}

// OpenInMemory opens a store on an in-memory file system.
func OpenInMemory(opts Options) (*Store, error) {
	opts.FS = vfs.NewMem()
	return Open("", opts)
}

// Iterators returns the registry used to build scan iterator stacks.
func (s *Store) Iterators() *iterators.Registry {
	return s.iterators
}

// Host brings a tablet online. Hosting an extent twice returns the
// existing tablet.
func (s *Store) Host(extent kv.Extent) (*Tablet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if t, ok := s.tablets[extent]; ok && !t.IsClosed() {
		return t, nil
	}
	t := newTablet(s, extent)
	s.tablets[extent] = t
	s.logger.Debugf("tablet online", map[string]any{"extent": extent.String()})
	return t, nil
}

// Unhost closes a tablet and forgets it. Its data stays in the store.
func (s *Store) Unhost(extent kv.Extent) {
	s.mu.Lock()
	t, ok := s.tablets[extent]
	delete(s.tablets, extent)
	s.mu.Unlock()
	if ok {
		t.Close()
	}
}

// Close closes every tablet and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tablets := make([]*Tablet, 0, len(s.tablets))
	for _, t := range s.tablets {
		tablets = append(tablets, t)
	}
	s.tablets = nil
	s.mu.Unlock()

	for _, t := range tablets {
		t.Close()
	}
	return s.db.Close()
}
