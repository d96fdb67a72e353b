package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shale-io/shale/internal/config"
	"github.com/shale-io/shale/internal/health"
	"github.com/shale-io/shale/internal/logging"
	"github.com/shale-io/shale/internal/metadata"
	"github.com/shale-io/shale/internal/metadata/oxia"
	"github.com/shale-io/shale/internal/metrics"
	"github.com/shale-io/shale/internal/objectstore"
	"github.com/shale-io/shale/internal/objectstore/s3"
	"github.com/shale-io/shale/internal/rpc"
)

// registries returns where metrics are registered and gathered from. A nil
// registry selects the Prometheus defaults.
func registries(reg *prometheus.Registry) (prometheus.Registerer, prometheus.Gatherer) {
	if reg == nil {
		return prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	}
	return reg, reg
}

// openMetadata connects the configured metadata backend and wraps it with
// operation metrics.
func openMetadata(ctx context.Context, cfg config.MetadataConfig, reg prometheus.Registerer) (metadata.MetadataStore, error) {
	var store metadata.MetadataStore
	switch cfg.Backend {
	case "memory":
		store = metadata.NewMockStore()
	case "oxia":
		s, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.OxiaEndpoint,
			Namespace:      cfg.Namespace,
			SessionTimeout: time.Duration(cfg.SessionTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Backend)
	}
	return metadata.NewInstrumentedStore(store, metrics.NewMetadataMetricsWithRegistry(reg)), nil
}

// openObjectStore creates the configured object store and wraps it with
// operation metrics.
func openObjectStore(ctx context.Context, cfg config.ObjectStoreConfig, reg prometheus.Registerer) (objectstore.Store, error) {
	var store objectstore.Store
	switch cfg.Backend {
	case "memory":
		store = objectstore.NewMockStore()
	case "s3":
		s, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
			UsePathStyle:    cfg.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
	return objectstore.NewInstrumentedStore(store, metrics.NewObjectStoreMetricsWithRegistry(reg)), nil
}

// newRPCServer creates a gRPC server, serving TLS from a watched
// certificate pair when both files are set.
func newRPCServer(certFile, keyFile string, logger *logging.Logger) (*rpc.Server, *rpc.CertReloader, error) {
	if certFile == "" && keyFile == "" {
		return rpc.NewServer(rpc.ServerConfig{}, logger), nil, nil
	}
	certs, err := rpc.NewCertReloader(certFile, keyFile, logger)
	if err != nil {
		return nil, nil, err
	}
	certs.Watch(rpc.DefaultCertCheckInterval)
	return rpc.NewServer(rpc.ServerConfig{TLS: certs.ServerConfig()}, logger), certs, nil
}

// startObservability serves metrics, pprof, and the health probes of mon.
func startObservability(addr string, gatherer prometheus.Gatherer, mon *health.Monitor, logger *logging.Logger) (*metrics.Server, error) {
	srv := metrics.NewServerWithRegistry(addr, gatherer).WithLogger(logger.Named("observability"))
	srv.Handle("/healthz", mon.LivenessHandler())
	srv.Handle("/readyz", mon.ReadinessHandler())
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("start observability server: %w", err)
	}
	return srv, nil
}

// advertiseAddr is the address other processes use for a listener: the
// configured one, else the bound address.
func advertiseAddr(configured string, bound net.Addr) string {
	if configured != "" {
		return configured
	}
	return bound.String()
}
