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
	"github.com/shale-io/shale/internal/gc"
	"github.com/shale-io/shale/internal/health"
	"github.com/shale-io/shale/internal/lock"
	"github.com/shale-io/shale/internal/logging"
	"github.com/shale-io/shale/internal/metadata"
	"github.com/shale-io/shale/internal/metadata/keys"
	"github.com/shale-io/shale/internal/metrics"
	"github.com/shale-io/shale/internal/objectstore"
	"github.com/shale-io/shale/internal/rpc"
	"github.com/shale-io/shale/internal/volume"
)

// collectorLoop names the cycle loop in liveness reports.
const collectorLoop = "collector"

// GCOptions contains the configuration for creating a garbage collector
// process.
type GCOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Version   string
	GitCommit string

	// Registry receives every metric. Nil selects the default registry.
	Registry *prometheus.Registry

	// OnLockLost replaces the default lock loss handler, which exits.
	OnLockLost func(reason string)
}

// GCProcess is a running garbage collector with its monitor service.
type GCProcess struct {
	opts   GCOptions
	logger *logging.Logger

	monitor       *health.Monitor
	metricsServer *metrics.Server
	meta          metadata.MetadataStore
	objects       objectstore.Store
	lock          *lock.ProcessLock
	collector     *gc.Collector
	rpcServer     *rpc.Server
	certs         *rpc.CertReloader
	address       string

	cancel context.CancelFunc
	doneCh chan struct{}

	mu      sync.Mutex
	started bool
}

// NewGCProcess creates a garbage collector process but does not start it.
func NewGCProcess(opts GCOptions) (*GCProcess, error) {
	if opts.Config == nil {
		return nil, errors.New("gc: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	return &GCProcess{
		opts:    opts,
		logger:  opts.Logger,
		monitor: health.NewMonitor(opts.Logger),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start opens the stores, serves the monitor service, and launches the
// collector. Online the collector takes the GC lock before its first
// cycle. Offline it runs one cycle and Done closes.
func (p *GCProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("gc already started")
	}
	p.started = true
	p.mu.Unlock()

	cfg := p.opts.Config
	reg, gatherer := registries(p.opts.Registry)

	var err error
	p.metricsServer, err = startObservability(cfg.Observability.MetricsAddr, gatherer, p.monitor, p.logger)
	if err != nil {
		return err
	}

	p.meta, err = openMetadata(ctx, cfg.Metadata, reg)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	p.monitor.RegisterCheck(health.MetadataCheck(p.meta))

	p.objects, err = openObjectStore(ctx, cfg.ObjectStore, reg)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	p.monitor.RegisterCheck(health.ObjectStoreCheck(p.objects))

	lis, err := net.Listen("tcp", cfg.GC.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GC.ListenAddr, err)
	}
	p.address = advertiseAddr("", lis.Addr())

	p.collector = gc.New(gc.Config{
		StartDelay:      cfg.GC.StartDelay(),
		CycleDelay:      cfg.GC.CycleDelay(),
		DeleteThreads:   cfg.GC.DeleteThreads,
		MemoryThreshold: cfg.GC.MemoryThreshold,
		TrashEnabled:    cfg.GC.TrashEnabled,
		Safemode:        cfg.GC.Safemode,
		Offline:         cfg.GC.Offline,
		Verbose:         cfg.GC.Verbose,
		FlagBatchSize:   cfg.GC.FlagBatchSize,
	}, catalog.New(p.meta), volume.New(p.objects, cfg.ObjectStore.Root), p.logger).
		WithMetrics(metrics.NewGCMetricsWithRegistry(reg)).
		WithHeartbeat(func() { p.monitor.Beat(collectorLoop) })

	if !cfg.GC.Offline {
		p.lock = lock.New(p.meta, keys.GCLockKeyPath(), p.address,
			lock.WithLogger(p.logger.Named("lock")),
			lock.WithOnLost(p.opts.OnLockLost))
		p.collector.WithLock(p.lock)
		p.monitor.RegisterCheck(health.LockCheck("gc_lock", p.lock.Held))
	}

	p.rpcServer, p.certs, err = newRPCServer(cfg.GC.TLSCertFile, cfg.GC.TLSKeyFile, p.logger)
	if err != nil {
		lis.Close()
		return err
	}
	p.rpcServer.RegisterGCMonitor(p.collector)
	go func() {
		if err := p.rpcServer.Serve(lis); err != nil {
			p.logger.Errorf("rpc server stopped", map[string]any{"error": err.Error()})
		}
	}()

	p.logger.Infof("starting garbage collector", map[string]any{
		"address":   p.address,
		"clusterId": cfg.ClusterID,
		"version":   p.opts.Version,
		"gitCommit": p.opts.GitCommit,
	})

	// A cycle beats only when it starts, and may run for many minutes.
	p.monitor.SetStaleAfter(max(cfg.GC.CycleDelay(), cfg.GC.StartDelay()) + 15*time.Minute)
	p.monitor.StartLoop(collectorLoop)

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		defer close(p.doneCh)
		defer p.monitor.StopLoop(collectorLoop)
		if err := p.collector.Run(runCtx); err != nil {
			p.logger.Errorf("garbage collector stopped", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Done is closed when the collector loop has returned.
func (p *GCProcess) Done() <-chan struct{} {
	return p.doneCh
}

// Status returns the collector counters.
func (p *GCProcess) Status() gc.Status {
	if p.collector == nil {
		return gc.Status{}
	}
	return p.collector.Status()
}

// Address returns the bound monitor service address, once started.
func (p *GCProcess) Address() string {
	return p.address
}

// Shutdown stops the collector after its running cycle, releases the GC
// lock, and closes every component.
func (p *GCProcess) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.logger.Info("shutting down garbage collector")
	p.monitor.SetShuttingDown()

	if p.cancel != nil {
		p.cancel()
		select {
		case <-p.doneCh:
		case <-ctx.Done():
			p.logger.Warn("collector did not stop before the shutdown deadline")
		}
	}
	if p.rpcServer != nil {
		p.rpcServer.Stop(drainTimeout(ctx))
	}
	if p.certs != nil {
		p.certs.Stop()
	}
	closeStores(p.logger, p.meta, p.objects)
	if p.metricsServer != nil {
		if err := p.metricsServer.Close(); err != nil {
			p.logger.Warnf("error closing observability server", map[string]any{"error": err.Error()})
		}
	}

	p.logger.Info("garbage collector shutdown complete")
	return nil
}
