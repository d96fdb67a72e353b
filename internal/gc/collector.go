package gc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shale-io/shale/internal/catalog"
	"github.com/shale-io/shale/internal/logging"
	"github.com/shale-io/shale/internal/volume"
)

// CandidateMemoryFraction is the default share of the memory limit the
// candidate set may grow to before gathering stops.
const CandidateMemoryFraction = 0.75

// heartbeatInterval is how often Run reports progress while it sleeps.
const heartbeatInterval = 5 * time.Second

// Config configures a Collector.
type Config struct {
	// StartDelay is the pause before the first cycle. Offline skips it.
	StartDelay time.Duration
	// CycleDelay is the pause between cycles.
	CycleDelay time.Duration
	// DeleteThreads bounds concurrent deletes.
	DeleteThreads int
	// MemoryThreshold is the fraction of the memory limit that stops
	// candidate gathering.
	MemoryThreshold float64
	// TrashEnabled moves paths below the trash prefix instead of deleting
	// them outright.
	TrashEnabled bool
	// Safemode logs the confirmed candidates and deletes nothing.
	Safemode bool
	// Offline runs one cycle from a volume listing.
	Offline bool
	// Verbose logs every candidate kept because it is in use.
	Verbose bool
	// FlagBatchSize is how many delete flag removals are batched.
	FlagBatchSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StartDelay:      30 * time.Second,
		CycleDelay:      5 * time.Minute,
		DeleteThreads:   16,
		MemoryThreshold: CandidateMemoryFraction,
		TrashEnabled:    true,
		FlagBatchSize:   1000,
	}
}

// Metrics observes finished cycles. *metrics.GCMetrics implements it.
type Metrics interface {
	RecordCycle(candidates, inUse, deleted, errors int64, durationSeconds float64, success bool)
}

// Locker is the GC singleton lock. *lock.ProcessLock implements it.
type Locker interface {
	Acquire(ctx context.Context) error
	Watch(ctx context.Context)
	Release(ctx context.Context) error
}

// Collector deletes storage no tablet references.
type Collector struct {
	cfg     Config
	catalog *catalog.Catalog
	volume  *volume.Volume
	logger  *logging.Logger
	metrics Metrics
	lock    Locker
	memory  MemoryProbe
	beat    func()

	current cycleCounters
	last    atomic.Pointer[CycleStats]

	// Owned by the cycle loop.
	continueKey string
	memExceeded bool
	checkBulk   bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a collector. A nil logger uses the global logger.
func New(cfg Config, cat *catalog.Catalog, vol *volume.Volume, logger *logging.Logger) *Collector {
	def := DefaultConfig()
	if cfg.CycleDelay <= 0 {
		cfg.CycleDelay = def.CycleDelay
	}
	if cfg.StartDelay < 0 {
		cfg.StartDelay = 0
	}
	if cfg.DeleteThreads <= 0 {
		cfg.DeleteThreads = def.DeleteThreads
	}
	if cfg.MemoryThreshold <= 0 || cfg.MemoryThreshold > 1 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}
	if cfg.FlagBatchSize <= 0 {
		cfg.FlagBatchSize = def.FlagBatchSize
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &Collector{
		cfg:     cfg,
		catalog: cat,
		volume:  vol,
		logger:  logger.Named("gc"),
		memory:  SystemMemory,
		beat:    func() {},
	}
}

// WithMetrics sets the metrics recorder.
func (c *Collector) WithMetrics(m Metrics) *Collector {
	c.metrics = m
	return c
}

// WithLock sets the lock Run holds while online.
func (c *Collector) WithLock(l Locker) *Collector {
	c.lock = l
	return c
}

// WithHeartbeat sets a function Run calls before every cycle and
// periodically while it sleeps.
func (c *Collector) WithHeartbeat(fn func()) *Collector {
	if fn != nil {
		c.beat = fn
	}
	return c
}

// WithMemoryProbe replaces SystemMemory.
func (c *Collector) WithMemoryProbe(p MemoryProbe) *Collector {
	c.memory = p
	return c
}

// RunCycle runs one gather, confirm, delete, and clean up pass. It reports
// whether another cycle should start right away because gathering was cut
// short.
func (c *Collector) RunCycle(ctx context.Context) (bool, error) {
	start := time.Now()
	c.memExceeded = false
	c.checkBulk = false
	c.current.reset()
	c.current.started.Store(start.UnixMilli())

	err := c.cycle(ctx)
	if err == nil {
		c.current.finished.Store(time.Now().UnixMilli())
		stats := c.current.snapshot()
		c.last.Store(&stats)
	}
	stats := c.current.snapshot()
	if c.metrics != nil {
		c.metrics.RecordCycle(stats.Candidates, stats.InUse, stats.Deleted, stats.Errors, time.Since(start).Seconds(), err == nil)
	}
	c.current.reset()

	c.logger.Infof("collect cycle finished", map[string]any{"seconds": time.Since(start).Seconds()})
	return c.memExceeded, err
}

func (c *Collector) cycle(ctx context.Context) error {
	candidates, err := c.GatherCandidates(ctx)
	if err != nil {
		c.logger.Warnf("failed to gather delete candidates", map[string]any{"error": err})
	}
	initial := int64(candidates.Len())
	c.current.candidates.Store(initial)

	if err := c.ConfirmDeletes(ctx, candidates); err != nil {
		return err
	}
	c.current.inUse.Store(initial - int64(candidates.Len()))

	if c.cfg.Safemode {
		c.logger.Info("SAFEMODE: listing all data file candidates for deletion")
		for _, p := range candidates.Paths() {
			c.logger.Infof("SAFEMODE: candidate", map[string]any{"path": p})
		}
		c.logger.Info("SAFEMODE: end candidates for deletion")
		return nil
	}

	c.DeleteFiles(ctx, candidates)
	c.logger.Infof("deleted data file candidates", map[string]any{
		"candidates": c.current.candidates.Load(),
		"inUse":      c.current.inUse.Load(),
		"deleted":    c.current.deleted.Load(),
		"errors":     c.current.errors.Load(),
	})

	if err := c.CleanUpDeletedTableDirs(ctx, candidates); err != nil {
		return fmt.Errorf("gc: clean up table dirs: %w", err)
	}
	return nil
}

// Run drives cycles until ctx ends. Online it first takes the GC lock and
// waits out the start delay. Offline it runs a single cycle.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Infof("garbage collector starting", map[string]any{
		"startDelay":      c.cfg.StartDelay.String(),
		"cycleDelay":      c.cfg.CycleDelay.String(),
		"safemode":        c.cfg.Safemode,
		"offline":         c.cfg.Offline,
		"verbose":         c.cfg.Verbose,
		"trashEnabled":    c.cfg.TrashEnabled,
		"memoryThreshold": c.cfg.MemoryThreshold,
		"deleteThreads":   c.cfg.DeleteThreads,
	})

	if !c.cfg.Offline {
		if c.lock != nil {
			if err := c.lock.Acquire(ctx); err != nil {
				return fmt.Errorf("gc: acquire lock: %w", err)
			}
			c.lock.Watch(ctx)
			defer func() {
				if err := c.lock.Release(context.Background()); err != nil {
					c.logger.Warnf("failed to release lock", map[string]any{"error": err})
				}
			}()
		}
		c.logger.Debugf("sleeping before the first cycle", map[string]any{"delay": c.cfg.StartDelay.String()})
		if !c.sleep(ctx, c.cfg.StartDelay) {
			return nil
		}
	}

	for {
		c.beat()
		again, err := c.RunCycle(ctx)
		if err != nil {
			c.logger.Errorf("collect cycle failed", map[string]any{"error": err})
		}
		if c.cfg.Offline {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if again {
			c.logger.Info("candidate gathering was cut short by memory pressure, starting the next cycle now")
			continue
		}
		c.logger.Debugf("sleeping", map[string]any{"delay": c.cfg.CycleDelay.String()})
		if !c.sleep(ctx, c.cfg.CycleDelay) {
			return nil
		}
	}
}

// sleep waits for d, beating along the way, and reports false if ctx
// ended first.
func (c *Collector) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case <-hb.C:
			c.beat()
		}
	}
}

// Start runs the collector in the background until Stop.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stopCh
		cancel()
	}()
	go func() {
		defer close(doneCh)
		if err := c.Run(ctx); err != nil {
			c.logger.Errorf("garbage collector stopped", map[string]any{"error": err})
		}
	}()
}

// Stop ends the background loop and waits for the running cycle.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	doneCh := c.doneCh
	c.mu.Unlock()

	<-doneCh

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}
