package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shale-io/shale/internal/logging"
)

// Server is the observability HTTP endpoint of a shale process. It serves
// /metrics and the pprof handlers, plus whatever Handle mounts before Start
// (the health probes, in practice).
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   *logging.Logger

	mu        sync.RWMutex
	extra     map[string]http.Handler
	boundAddr string
	server    *http.Server
}

// NewServer creates a server for the default Prometheus registry.
func NewServer(addr string) *Server {
	return NewServerWithRegistry(addr, nil)
}

// NewServerWithRegistry creates a server exposing gatherer. A nil gatherer
// selects the default registry.
func NewServerWithRegistry(addr string, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		gatherer: gatherer,
		logger:   logging.Global().Named("metrics"),
		extra:    make(map[string]http.Handler),
	}
}

// WithLogger sets the logger.
// Returns the server for method chaining.
func (s *Server) WithLogger(l *logging.Logger) *Server {
	if l != nil {
		s.logger = l
	}
	return s
}

// Handle mounts handler at pattern. It has no effect after Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra[pattern] = handler
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.mux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Infof("observability server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warnf("observability server stopped", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.addr
}

// Close shuts the server down.
func (s *Server) Close() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
