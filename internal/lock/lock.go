// Package lock implements process locks on ephemeral metadata keys.
//
// A process lock guarantees a single live holder: the garbage collector
// takes /shale/v1/locks/gc before it deletes anything, and every tablet
// server locks its own address before serving. The key is ephemeral, so a
// crashed holder's session expiry releases it. A holder that notices its
// key is gone, or owned by someone else, must stop immediately; Watch
// reports that through a callback that by default exits the process.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shale-io/shale/internal/logging"
	"github.com/shale-io/shale/internal/metadata"
)

// ErrLockNotHeld is returned by Release when the lock is not held.
var ErrLockNotHeld = errors.New("lock: not held")

// Default timings.
const (
	DefaultRetryInterval = time.Second
	DefaultWatchInterval = time.Second
)

// Holder is the content of a lock key.
type Holder struct {
	HolderID     string `json:"holderId"`
	Address      string `json:"address"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
}

// ProcessLock is a lock held by this process on one metadata key.
type ProcessLock struct {
	meta    metadata.MetadataStore
	key     string
	holder  Holder
	logger  *logging.Logger
	retry   time.Duration
	watch   time.Duration
	onLost  func(reason string)
	held    atomic.Bool
	version atomic.Int64

	mu        sync.Mutex
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// Option configures a ProcessLock.
type Option func(*ProcessLock)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *ProcessLock) { p.logger = l }
}

// WithRetryInterval sets the delay between acquisition attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(p *ProcessLock) { p.retry = d }
}

// WithWatchInterval sets how often Watch checks the lock key.
func WithWatchInterval(d time.Duration) Option {
	return func(p *ProcessLock) { p.watch = d }
}

// WithOnLost replaces the default loss handler, which logs and exits.
func WithOnLost(fn func(reason string)) Option {
	return func(p *ProcessLock) { p.onLost = fn }
}

// New returns a lock on key for the process at address. Nothing is
// acquired until Acquire or TryAcquire is called.
func New(meta metadata.MetadataStore, key, address string, opts ...Option) *ProcessLock {
	p := &ProcessLock{
		meta:   meta,
		key:    key,
		holder: Holder{HolderID: uuid.New().String(), Address: address},
		retry:  DefaultRetryInterval,
		watch:  DefaultWatchInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.Global().Named("lock")
	}
	if p.onLost == nil {
		p.onLost = func(reason string) {
			p.logger.Errorf("lock lost, halting", map[string]any{"key": p.key, "reason": reason})
			os.Exit(1)
		}
	}
	return p
}

// HolderID returns the unique id written into the lock key.
func (p *ProcessLock) HolderID() string {
	return p.holder.HolderID
}

// Held reports whether this process believes it holds the lock.
func (p *ProcessLock) Held() bool {
	return p.held.Load()
}

// TryAcquire makes one attempt to take the lock. When another process
// holds it, TryAcquire returns false and that holder.
func (p *ProcessLock) TryAcquire(ctx context.Context) (bool, *Holder, error) {
	holder := p.holder
	holder.AcquiredAtMs = time.Now().UnixMilli()
	data, err := json.Marshal(holder)
	if err != nil {
		return false, nil, fmt.Errorf("lock: marshal holder: %w", err)
	}

	v, err := p.meta.PutEphemeral(ctx, p.key, data, metadata.WithEphemeralExpectNotExists())
	if err == nil {
		p.version.Store(int64(v))
		p.held.Store(true)
		return true, &holder, nil
	}
	if !errors.Is(err, metadata.ErrVersionMismatch) {
		return false, nil, fmt.Errorf("lock: acquire %s: %w", p.key, err)
	}

	current, err := p.current(ctx)
	if err != nil {
		return false, nil, err
	}
	return false, current, nil
}

// Acquire blocks until the lock is held or ctx is done, retrying every
// retry interval.
func (p *ProcessLock) Acquire(ctx context.Context) error {
	for {
		ok, other, err := p.TryAcquire(ctx)
		if err != nil {
			p.logger.Warnf("failed to get lock, retrying", map[string]any{"key": p.key, "error": err})
		} else if ok {
			p.logger.Infof("got lock", map[string]any{"key": p.key, "holderId": p.holder.HolderID})
			return nil
		} else if other != nil {
			p.logger.Debugf("lock held by another process", map[string]any{
				"key":    p.key,
				"holder": other.Address,
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retry):
		}
	}
}

// Watch polls the lock key until ctx ends or Release is called. If the key
// disappears or names another holder, the lock is marked lost and the loss
// handler runs once.
func (p *ProcessLock) Watch(ctx context.Context) {
	p.mu.Lock()
	if p.stopWatch != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.stopWatch = cancel
	p.watchDone = make(chan struct{})
	done := p.watchDone
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.watch)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			reason, lost := p.check(ctx)
			if ctx.Err() != nil {
				return
			}
			if lost {
				p.held.Store(false)
				p.onLost(reason)
				return
			}
		}
	}()
}

func (p *ProcessLock) check(ctx context.Context) (string, bool) {
	current, err := p.current(ctx)
	if err != nil {
		if errors.Is(err, metadata.ErrSessionExpired) {
			return "session expired", true
		}
		// Transient read failures do not prove the lock is gone.
		p.logger.Warnf("lock check failed", map[string]any{"key": p.key, "error": err})
		return "", false
	}
	if current == nil {
		return "lock key deleted", true
	}
	if current.HolderID != p.holder.HolderID {
		return "lock taken by " + current.Address, true
	}
	return "", false
}

func (p *ProcessLock) current(ctx context.Context) (*Holder, error) {
	result, err := p.meta.Get(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("lock: get %s: %w", p.key, err)
	}
	if !result.Exists {
		return nil, nil
	}
	var h Holder
	if err := json.Unmarshal(result.Value, &h); err != nil {
		return nil, fmt.Errorf("lock: unmarshal holder: %w", err)
	}
	return &h, nil
}

// Release stops watching and deletes the lock key if this process still
// holds it.
func (p *ProcessLock) Release(ctx context.Context) error {
	p.mu.Lock()
	stop, done := p.stopWatch, p.watchDone
	p.stopWatch, p.watchDone = nil, nil
	p.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	if !p.held.Swap(false) {
		return ErrLockNotHeld
	}
	err := p.meta.Delete(ctx, p.key, metadata.WithDeleteExpectedVersion(metadata.Version(p.version.Load())))
	if errors.Is(err, metadata.ErrVersionMismatch) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", p.key, err)
	}
	return nil
}
