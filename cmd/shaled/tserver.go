package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shale-io/shale/internal/catalog"
	"github.com/shale-io/shale/internal/config"
	"github.com/shale-io/shale/internal/health"
	"github.com/shale-io/shale/internal/lock"
	"github.com/shale-io/shale/internal/logging"
	"github.com/shale-io/shale/internal/metadata"
	"github.com/shale-io/shale/internal/metadata/keys"
	"github.com/shale-io/shale/internal/metrics"
	"github.com/shale-io/shale/internal/objectstore"
	"github.com/shale-io/shale/internal/rpc"
	"github.com/shale-io/shale/internal/security"
	"github.com/shale-io/shale/internal/tablet"
	"github.com/shale-io/shale/internal/tserver"
	"github.com/shale-io/shale/internal/wal"
)

// sessionsLoop names the session sweeper in liveness reports.
const sessionsLoop = "sessions"

// TServerOptions contains the configuration for creating a tablet server.
type TServerOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Version   string
	GitCommit string

	// Registry receives every metric. Nil selects the default registry.
	Registry *prometheus.Registry

	// OnLockLost replaces the default lock loss handler, which exits.
	OnLockLost func(reason string)
}

// TServer is a running tablet server process.
type TServer struct {
	opts   TServerOptions
	logger *logging.Logger

	monitor       *health.Monitor
	metricsServer *metrics.Server
	meta          metadata.MetadataStore
	objects       objectstore.Store
	lock          *lock.ProcessLock
	walLogger     *wal.Logger
	store         *tablet.Store
	engine        *tserver.Server
	rpcServer     *rpc.Server
	certs         *rpc.CertReloader
	address       string

	mu      sync.Mutex
	started bool
}

// NewTServer creates a tablet server but does not start it.
func NewTServer(opts TServerOptions) (*TServer, error) {
	if opts.Config == nil {
		return nil, errors.New("tserver: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	return &TServer{
		opts:    opts,
		logger:  opts.Logger,
		monitor: health.NewMonitor(opts.Logger),
	}, nil
}

// Start brings every component up and returns once the RPC listener
// serves. Tablets assigned to this server in the catalog are hosted before
// the first call is accepted.
func (t *TServer) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("tserver already started")
	}
	t.started = true
	t.mu.Unlock()

	cfg := t.opts.Config
	reg, gatherer := registries(t.opts.Registry)

	// Probes come up first so readiness reports the lock wait.
	var err error
	t.metricsServer, err = startObservability(cfg.Observability.MetricsAddr, gatherer, t.monitor, t.logger)
	if err != nil {
		return err
	}

	t.meta, err = openMetadata(ctx, cfg.Metadata, reg)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	t.monitor.RegisterCheck(health.MetadataCheck(t.meta))

	t.objects, err = openObjectStore(ctx, cfg.ObjectStore, reg)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	t.monitor.RegisterCheck(health.ObjectStoreCheck(t.objects))

	lis, err := net.Listen("tcp", cfg.TServer.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.TServer.ListenAddr, err)
	}
	t.address = advertiseAddr(cfg.TServer.AdvertiseAddr, lis.Addr())

	t.logger.Infof("starting tablet server", map[string]any{
		"address":   t.address,
		"clusterId": cfg.ClusterID,
		"version":   t.opts.Version,
		"gitCommit": t.opts.GitCommit,
	})

	t.lock = lock.New(t.meta, keys.TServerLockKeyPath(t.address), t.address,
		lock.WithLogger(t.logger.Named("lock")),
		lock.WithRetryInterval(cfg.TServer.LockRetry()),
		lock.WithOnLost(t.opts.OnLockLost))
	t.monitor.RegisterCheck(health.LockCheck("tserver_lock", t.lock.Held))
	if err := t.lock.Acquire(ctx); err != nil {
		lis.Close()
		return fmt.Errorf("acquire tablet server lock: %w", err)
	}
	t.lock.Watch(context.Background())

	codec, err := wal.ParseCodec(cfg.WAL.Compression)
	if err != nil {
		lis.Close()
		return err
	}
	t.walLogger = wal.NewLogger(t.objects, wal.LoggerConfig{
		Server:  t.address,
		Codec:   codec,
		Metrics: metrics.NewWALMetricsWithRegistry(reg),
	})

	t.store, err = t.openTabletStore(cfg.TServer.DataDir)
	if err != nil {
		lis.Close()
		return err
	}

	auth, err := security.FromConfig(cfg.Security)
	if err != nil {
		lis.Close()
		return fmt.Errorf("security: %w", err)
	}
	if auth.Count() == 0 {
		t.logger.Warn("no users configured, every call will fail authentication")
	}

	t.engine = tserver.New(tserver.Config{
		Address:                  t.address,
		SessionIdleMax:           cfg.TServer.SessionIdleMax(),
		ClientTimeout:            cfg.TServer.ClientTimeout(),
		ScanResultWait:           cfg.TServer.ScanResultWait(),
		MaxResultSize:            cfg.TServer.MaxResultSizeBytes,
		MutationQueueMax:         cfg.TServer.MutationQueueMaxBytes,
		ReadAheadThreads:         cfg.TServer.ReadAheadThreads,
		MetadataReadAheadThreads: cfg.TServer.MetadataReadAheadThreads,
		WALRetry:                 cfg.WAL.Retry(),
	}, t.store, auth, t.walLogger, t.logger).
		WithMetrics(metrics.NewTServerMetricsWithRegistry(reg)).
		WithHeartbeat(func() { t.monitor.Beat(sessionsLoop) })

	// A sweep tick may be late by a full interval under load.
	t.monitor.SetStaleAfter(4 * t.engine.Sessions().SweepInterval())
	t.monitor.StartLoop(sessionsLoop)
	t.engine.Start()

	loaded, err := t.engine.LoadAssignments(ctx, catalog.New(t.meta))
	if err != nil {
		lis.Close()
		return fmt.Errorf("load tablet assignments: %w", err)
	}

	t.rpcServer, t.certs, err = newRPCServer(cfg.TServer.TLSCertFile, cfg.TServer.TLSKeyFile, t.logger)
	if err != nil {
		lis.Close()
		return err
	}
	t.rpcServer.RegisterTabletServer(t.engine)
	go func() {
		if err := t.rpcServer.Serve(lis); err != nil {
			t.logger.Errorf("rpc server stopped", map[string]any{"error": err.Error()})
		}
	}()

	t.logger.Infof("tablet server started", map[string]any{
		"address": t.address,
		"tablets": loaded,
		"tls":     t.certs != nil,
	})
	return nil
}

func (t *TServer) openTabletStore(dir string) (*tablet.Store, error) {
	opts := tablet.Options{Logger: t.logger.Named("tablet")}
	if dir == "" {
		t.logger.Warn("tserver.dataDir is not set, tablet data is kept in memory")
		return tablet.OpenInMemory(opts)
	}
	return tablet.Open(dir, opts)
}

// Address returns the address this server is known by, once started.
func (t *TServer) Address() string {
	return t.address
}

// MetricsAddr returns the bound observability address.
func (t *TServer) MetricsAddr() string {
	if t.metricsServer == nil {
		return ""
	}
	return t.metricsServer.Addr()
}

// Shutdown fails the probes, drains RPCs, and closes every component.
func (t *TServer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.logger.Info("shutting down tablet server")
	t.monitor.SetShuttingDown()

	if t.rpcServer != nil {
		t.rpcServer.Stop(drainTimeout(ctx))
	}
	if t.certs != nil {
		t.certs.Stop()
	}
	if t.engine != nil {
		t.engine.Close()
		t.monitor.StopLoop(sessionsLoop)
	}
	if t.store != nil {
		if err := t.store.Close(); err != nil {
			t.logger.Warnf("error closing tablet store", map[string]any{"error": err.Error()})
		}
	}
	if t.walLogger != nil {
		if err := t.walLogger.Close(); err != nil {
			t.logger.Warnf("error closing write-ahead log", map[string]any{"error": err.Error()})
		}
	}
	if t.lock != nil {
		if err := t.lock.Release(ctx); err != nil && !errors.Is(err, lock.ErrLockNotHeld) {
			t.logger.Warnf("error releasing tablet server lock", map[string]any{"error": err.Error()})
		}
	}
	closeStores(t.logger, t.meta, t.objects)
	if t.metricsServer != nil {
		if err := t.metricsServer.Close(); err != nil {
			t.logger.Warnf("error closing observability server", map[string]any{"error": err.Error()})
		}
	}

	t.logger.Info("tablet server shutdown complete")
	return nil
}

// drainTimeout is how long in-flight calls may finish before connections
// are cut.
func drainTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline) / 2; d > 0 {
			return d
		}
		return 0
	}
	return 10 * time.Second
}

func closeStores(logger *logging.Logger, meta metadata.MetadataStore, objects objectstore.Store) {
	if meta != nil {
		if err := meta.Close(); err != nil {
			logger.Warnf("error closing metadata store", map[string]any{"error": err.Error()})
		}
	}
	if objects != nil {
		if err := objects.Close(); err != nil {
			logger.Warnf("error closing object store", map[string]any{"error": err.Error()})
		}
	}
}
