// Package tserver implements the scan and update engines of a tablet
// server.
//
// Scans run in continuation style: each call produces at most one batch,
// computed by a task on a bounded pool and awaited for a short, fixed
// time. A client that gets an empty batch with More set simply calls
// again. Update sessions queue mutations per tablet and push them through
// prepare, write-ahead log, and commit when the queue fills or the session
// closes.
package tserver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shale-io/shale/internal/catalog"
	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/logging"
	"github.com/shale-io/shale/internal/security"
	"github.com/shale-io/shale/internal/session"
	"github.com/shale-io/shale/internal/tablet"
	"github.com/shale-io/shale/internal/wal"
	"github.com/shale-io/shale/internal/writetracker"
)

// Defaults used when a Config field is zero.
const (
	DefaultScanResultWait = time.Second
	DefaultBatchSize      = 1000
	// maxLookupTime keeps one batch lookup from monopolizing a pool slot.
	maxLookupTime = 4 * time.Second
)

// WALLogger durably records mutations before they are committed.
type WALLogger interface {
	Log(ctx context.Context, entries []wal.Entry) (*wal.WriteResult, error)
}

// Config holds the tablet server engine settings.
type Config struct {
	// Address is how this server is known in tablet assignments.
	Address string
	// SessionIdleMax is how long an unreserved session may sit idle.
	SessionIdleMax time.Duration
	// ClientTimeout is how long a scan whose result was not ready is kept
	// for the client to come back.
	ClientTimeout time.Duration
	// ScanResultWait bounds how long a continue call waits for a batch.
	ScanResultWait time.Duration
	// MaxResultSize bounds the bytes of one batch scan result.
	MaxResultSize int64
	// MutationQueueMax is the queued mutation size that forces a flush.
	MutationQueueMax int64
	// ReadAheadThreads and MetadataReadAheadThreads size the scan pools.
	ReadAheadThreads         int
	MetadataReadAheadThreads int
	// WALRetry is the pause between failed write-ahead log attempts.
	WALRetry time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionIdleMax:           time.Minute,
		ClientTimeout:            3 * time.Second,
		ScanResultWait:           DefaultScanResultWait,
		MaxResultSize:            1 << 20,
		MutationQueueMax:         256 << 10,
		ReadAheadThreads:         16,
		MetadataReadAheadThreads: 8,
		WALRetry:                 time.Second,
	}
}

// Server is the scan and update engine of one tablet server.
type Server struct {
	cfg      Config
	store    *tablet.Store
	auth     security.Authenticator
	wal      WALLogger
	logger   *logging.Logger
	metrics  Metrics
	beat     func()
	sessions *session.Registry
	tracker  *writetracker.Tracker
	pools    *pools

	mu     sync.RWMutex
	online map[kv.Extent]*tablet.Tablet

	// life ends with Close. Write-ahead log retries run on it so a
	// departed client cannot abandon mutations mid-flush.
	life     context.Context
	stopLife context.CancelFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Server over store. A nil logger uses the global logger.
func New(cfg Config, store *tablet.Store, auth security.Authenticator, walLogger WALLogger, logger *logging.Logger) *Server {
	def := DefaultConfig()
	if cfg.SessionIdleMax <= 0 {
		cfg.SessionIdleMax = def.SessionIdleMax
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = def.ClientTimeout
	}
	if cfg.ScanResultWait <= 0 {
		cfg.ScanResultWait = def.ScanResultWait
	}
	if cfg.MaxResultSize <= 0 {
		cfg.MaxResultSize = def.MaxResultSize
	}
	if cfg.MutationQueueMax <= 0 {
		cfg.MutationQueueMax = def.MutationQueueMax
	}
	if cfg.ReadAheadThreads <= 0 {
		cfg.ReadAheadThreads = def.ReadAheadThreads
	}
	if cfg.MetadataReadAheadThreads <= 0 {
		cfg.MetadataReadAheadThreads = def.MetadataReadAheadThreads
	}
	if cfg.WALRetry <= 0 {
		cfg.WALRetry = def.WALRetry
	}
	if logger == nil {
		logger = logging.Global()
	}
	logger = logger.Named("tserver")
	life, stopLife := context.WithCancel(context.Background())

	return &Server{
		cfg:     cfg,
		store:   store,
		auth:    auth,
		wal:     walLogger,
		logger:  logger,
		metrics: nopMetrics{},
		beat:    func() {},
		sessions: session.NewRegistry(session.Config{
			MaxIdle: cfg.SessionIdleMax,
			Logger:  logger.Named("sessions"),
		}),
		tracker:  writetracker.New(),
		pools:    newPools(cfg.ReadAheadThreads, cfg.MetadataReadAheadThreads),
		online:   make(map[kv.Extent]*tablet.Tablet),
		life:     life,
		stopLife: stopLife,
	}
}

// WithMetrics sets the engine metrics.
// Returns the server for method chaining.
func (s *Server) WithMetrics(m Metrics) *Server {
	if m != nil {
		s.metrics = m
	}
	return s
}

// WithHeartbeat sets a function called on every session sweep tick.
func (s *Server) WithHeartbeat(fn func()) *Server {
	if fn != nil {
		s.beat = fn
	}
	return s
}

// Start begins sweeping idle sessions and publishing the session gauge.
func (s *Server) Start() {
	s.sessions.Start()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.gaugeLoop()
}

func (s *Server) gaugeLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.sessions.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.metrics.SetActiveSessions(s.sessions.Len())
			s.beat()
		}
	}
}

// Close cleans up every session, stops the read-ahead pools, and takes
// every tablet offline. The tablet store itself is left open.
func (s *Server) Close() {
	s.stopLife()
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
		s.stopCh = nil
	}
	s.sessions.Close()
	s.pools.close()

	s.mu.Lock()
	online := s.online
	s.online = make(map[kv.Extent]*tablet.Tablet)
	s.mu.Unlock()
	for extent := range online {
		s.store.Unhost(extent)
	}
}

// Tracker returns the write tracker shared by scans and updates.
func (s *Server) Tracker() *writetracker.Tracker {
	return s.tracker
}

// Sessions returns the session registry.
func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

// LoadTablet brings extent online.
func (s *Server) LoadTablet(extent kv.Extent) (*tablet.Tablet, error) {
	t, err := s.store.Host(extent)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.online[extent] = t
	s.mu.Unlock()
	s.logger.Infof("tablet loaded", map[string]any{"extent": extent.String()})
	return t, nil
}

// UnloadTablet takes extent offline. Scans on it fail with
// NotServingTabletError from their next batch on.
func (s *Server) UnloadTablet(extent kv.Extent) {
	s.mu.Lock()
	_, ok := s.online[extent]
	delete(s.online, extent)
	s.mu.Unlock()
	if ok {
		s.store.Unhost(extent)
		s.logger.Infof("tablet unloaded", map[string]any{"extent": extent.String()})
	}
}

// OnlineTablets returns the hosted extents in sorted order.
func (s *Server) OnlineTablets() []kv.Extent {
	s.mu.RLock()
	out := make([]kv.Extent, 0, len(s.online))
	for e := range s.online {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sortExtents(out)
	return out
}

// LoadAssignments hosts every tablet the catalog assigns to this server's
// address and returns how many were loaded.
func (s *Server) LoadAssignments(ctx context.Context, cat *catalog.Catalog) (int, error) {
	tablets, err := cat.TabletsAssignedTo(ctx, s.cfg.Address)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	for _, info := range tablets {
		if _, err := s.LoadTablet(info.Extent); err != nil {
			return 0, Error.Wrap(err)
		}
	}
	return len(tablets), nil
}

func (s *Server) onlineTablet(extent kv.Extent) *tablet.Tablet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[extent]
}

func sortExtents(extents []kv.Extent) {
	sort.Slice(extents, func(i, j int) bool {
		a, b := extents[i], extents[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		// An empty end row sorts last within its table.
		if (a.EndRow == "") != (b.EndRow == "") {
			return b.EndRow == ""
		}
		return a.EndRow < b.EndRow
	})
}
