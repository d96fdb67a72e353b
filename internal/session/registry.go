// Package session keeps the per-client state of multi-call RPC operations
// (scans, batch scans, update sessions) between calls.
//
// A session is addressed by a random 64-bit id. A caller working on a
// session reserves it, which excludes every other reserving caller until
// it is unreserved. Unreserved sessions that sit idle longer than the
// configured maximum are swept, and their cleanup runs exactly once.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shale-io/shale/internal/logging"
)

// Errors returned by the registry.
var (
	ErrAlreadyReserved = errors.New("session: already reserved")
	ErrNotReserved     = errors.New("session: not reserved")
	ErrRegistryClosed  = errors.New("session: registry closed")
)

// Kind discriminates the closed set of session variants.
type Kind int

const (
	KindScan Kind = iota
	KindMultiScan
	KindUpdate
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindMultiScan:
		return "multiscan"
	case KindUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Base carries the bookkeeping shared by every session. Embed it.
type Base struct {
	Client    string
	User      string
	StartTime time.Time

	// guarded by the owning registry's lock
	id          int64
	lastAccess  time.Time
	reserved    bool
	removeAfter time.Duration
}

func (b *Base) base() *Base { return b }

// Session is a value stored in the registry.
type Session interface {
	Kind() Kind
	// Cleanup releases the session's resources. It is called once, without
	// any registry lock held.
	Cleanup()
	base() *Base
}

// Info is a point in time copy of a session's bookkeeping.
type Info struct {
	ID         int64
	Kind       Kind
	Client     string
	User       string
	StartTime  time.Time
	LastAccess time.Time
	Reserved   bool
}

// Config configures a Registry.
type Config struct {
	// MaxIdle is how long an unreserved session may go unaccessed before
	// it is swept.
	MaxIdle time.Duration
	Logger  *logging.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Registry stores the live sessions of one tablet server.
type Registry struct {
	maxIdle time.Duration
	logger  *logging.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[int64]Session
	closed   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRegistry returns an empty registry. Call Start to begin sweeping.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		maxIdle:  cfg.MaxIdle,
		logger:   cfg.Logger,
		now:      cfg.Now,
		sessions: make(map[int64]Session),
	}
	if r.maxIdle <= 0 {
		r.maxIdle = time.Minute
	}
	if r.logger == nil {
		r.logger = logging.Global().Named("session")
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// SweepInterval is how often idle sessions are looked for.
func (r *Registry) SweepInterval() time.Duration {
	return max(r.maxIdle/2, time.Second)
}

// Start launches the idle sweeper.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.SweepIdle()
			}
		}
	}()
}

// Close stops the sweeper and cleans up every remaining session.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	stop, done := r.stopCh, r.doneCh
	doomed := make([]Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		doomed = append(doomed, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, s := range doomed {
		s.Cleanup()
	}
}

// Create stores s under a fresh id. When reserve is set the session is
// returned already reserved by the caller.
func (r *Registry) Create(s Session, reserve bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrRegistryClosed
	}
	var id int64
	for {
		var err error
		if id, err = randomID(); err != nil {
			return 0, err
		}
		if _, taken := r.sessions[id]; !taken {
			break
		}
	}
	b := s.base()
	now := r.now()
	b.id = id
	b.StartTime = now
	b.lastAccess = now
	b.reserved = reserve
	r.sessions[id] = s
	return id, nil
}

func randomID() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("session: generate id: %w", err)
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// Reserve returns the session with id and marks it reserved. It returns
// nil, nil for an unknown or expired id.
func (r *Registry) Reserve(id int64) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	b := s.base()
	if b.reserved {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyReserved, id)
	}
	b.reserved = true
	return s, nil
}

// Unreserve releases a reservation and refreshes the last access time. A
// removal requested while the session was reserved is scheduled from here.
func (r *Registry) Unreserve(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := s.base()
	if !b.reserved {
		return ErrNotReserved
	}
	b.reserved = false
	b.lastAccess = r.now()
	if d := b.removeAfter; d > 0 {
		b.removeAfter = 0
		r.scheduleRemoval(s, b.lastAccess, d)
	}
	return nil
}

// UnreserveID is Unreserve by id. An unknown id is ignored.
func (r *Registry) UnreserveID(id int64) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Unreserve(s)
}

// Get returns the session with id without reserving it, refreshing its
// last access time.
func (r *Registry) Get(id int64) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	s.base().lastAccess = r.now()
	return s
}

// Remove deletes the session with id and runs its cleanup. It returns the
// removed session, or nil.
func (r *Registry) Remove(id int64) Session {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	// Outside the lock: cleanup may cancel a task that is itself waiting
	// on the registry.
	s.Cleanup()
	return s
}

// RemoveIfNotAccessed removes the session after delay unless it has been
// accessed or reserved in the meantime. It lets a stalled scan keep its
// slot briefly in case the client comes back. For a reserved session the
// delay starts when it is unreserved.
func (r *Registry) RemoveIfNotAccessed(id int64, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	b := s.base()
	if b.reserved {
		b.removeAfter = delay
		return
	}
	r.scheduleRemoval(s, b.lastAccess, delay)
}

// scheduleRemoval removes s after delay if its last access is still
// recorded by then. Called with r.mu held.
func (r *Registry) scheduleRemoval(s Session, recorded time.Time, delay time.Duration) {
	id := s.base().id
	time.AfterFunc(delay, func() {
		r.mu.Lock()
		current, ok := r.sessions[id]
		if !ok || current != s {
			r.mu.Unlock()
			return
		}
		b := s.base()
		if b.reserved || b.lastAccess.After(recorded) {
			r.mu.Unlock()
			return
		}
		delete(r.sessions, id)
		r.mu.Unlock()

		r.logger.Infof("removing session that was not accessed", map[string]any{
			"sessionId": id,
			"kind":      s.Kind().String(),
			"client":    b.Client,
			"idle":      r.now().Sub(recorded).String(),
		})
		s.Cleanup()
	})
}

// SweepIdle removes every unreserved session idle longer than the
// configured maximum and returns how many were removed.
func (r *Registry) SweepIdle() int {
	now := r.now()
	var doomed []Session

	r.mu.Lock()
	for id, s := range r.sessions {
		b := s.base()
		if b.reserved || now.Sub(b.lastAccess) <= r.maxIdle {
			continue
		}
		r.logger.Infof("closing idle session", map[string]any{
			"sessionId": id,
			"kind":      s.Kind().String(),
			"client":    b.Client,
			"user":      b.User,
			"idle":      now.Sub(b.lastAccess).String(),
		})
		delete(r.sessions, id)
		doomed = append(doomed, s)
	}
	r.mu.Unlock()

	for _, s := range doomed {
		s.Cleanup()
	}
	return len(doomed)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Entry pairs a session with a snapshot of its bookkeeping.
type Entry struct {
	Info    Info
	Session Session
}

// Snapshot copies every live session out under the lock so callers can
// inspect them without holding it.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.sessions))
	for id, s := range r.sessions {
		b := s.base()
		out = append(out, Entry{
			Session: s,
			Info: Info{
				ID:         id,
				Kind:       s.Kind(),
				Client:     b.Client,
				User:       b.User,
				StartTime:  b.StartTime,
				LastAccess: b.lastAccess,
				Reserved:   b.reserved,
			},
		})
	}
	return out
}
