// Package health serves the liveness and readiness probes of a shale
// process.
//
// Liveness (/healthz) fails once shutdown begins or when a registered
// background loop has stopped or missed its heartbeat. Readiness (/readyz)
// additionally runs every registered Check, each under its own timeout.
//
//	mon := health.NewMonitor(logger)
//	mon.RegisterCheck(health.MetadataCheck(meta))
//	mon.RegisterCheck(health.LockCheck("gc_lock", gcLock.Held))
//	metricsServer.Handle("/healthz", mon.LivenessHandler())
//	metricsServer.Handle("/readyz", mon.ReadinessHandler())
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shale-io/shale/internal/logging"
)

// Defaults.
const (
	DefaultCheckTimeout = 5 * time.Second
	DefaultStaleAfter   = 30 * time.Second
)

// Probe statuses.
const (
	StatusOK           = "ok"
	StatusDegraded     = "degraded"
	StatusNotReady     = "not_ready"
	StatusShuttingDown = "shutting_down"
)

// Check is one readiness condition.
type Check interface {
	Name() string
	CheckReady(ctx context.Context) error
}

// Result is one line of a probe response.
type Result struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Report is a probe response body.
type Report struct {
	Status string            `json:"status"`
	Loops  map[string]bool   `json:"loops,omitempty"`
	Checks map[string]Result `json:"checks,omitempty"`
}

type loop struct {
	running  bool
	lastBeat time.Time
}

// Monitor tracks background loops and readiness checks.
type Monitor struct {
	logger   *logging.Logger
	shutdown atomic.Bool
	now      func() time.Time

	mu         sync.RWMutex
	loops      map[string]*loop
	checks     []Check
	timeout    time.Duration
	staleAfter time.Duration
}

// NewMonitor creates a monitor. A nil logger uses the global logger.
func NewMonitor(logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Global()
	}
	return &Monitor{
		logger:     logger.Named("health"),
		now:        time.Now,
		loops:      make(map[string]*loop),
		timeout:    DefaultCheckTimeout,
		staleAfter: DefaultStaleAfter,
	}
}

// SetCheckTimeout bounds each readiness check.
func (m *Monitor) SetCheckTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

// SetStaleAfter sets how long a loop may go without a Beat.
func (m *Monitor) SetStaleAfter(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleAfter = d
}

// RegisterCheck adds a readiness check.
func (m *Monitor) RegisterCheck(c Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, c)
}

// StartLoop registers a running background loop.
func (m *Monitor) StartLoop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loops[name] = &loop{running: true, lastBeat: m.now()}
}

// Beat records that a loop is still making progress.
func (m *Monitor) Beat(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.loops[name]; ok {
		l.lastBeat = m.now()
	}
}

// StopLoop marks a loop as exited.
func (m *Monitor) StopLoop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.loops[name]; ok {
		l.running = false
	}
}

// SetShuttingDown fails both probes from now on.
func (m *Monitor) SetShuttingDown() {
	if !m.shutdown.Swap(true) {
		m.logger.Info("shutting down, probes now fail")
	}
}

// Liveness evaluates the liveness probe.
func (m *Monitor) Liveness() Report {
	if m.shutdown.Load() {
		return shuttingDown()
	}
	r := Report{Status: StatusOK, Loops: make(map[string]bool)}

	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	for name, l := range m.loops {
		ok := l.running && now.Sub(l.lastBeat) < m.staleAfter
		r.Loops[name] = ok
		if !ok {
			r.Status = StatusDegraded
		}
	}
	return r
}

// Readiness evaluates the readiness probe.
func (m *Monitor) Readiness(ctx context.Context) Report {
	if m.shutdown.Load() {
		return shuttingDown()
	}
	m.mu.RLock()
	checks := append([]Check(nil), m.checks...)
	timeout := m.timeout
	m.mu.RUnlock()

	r := Report{Status: StatusOK, Checks: make(map[string]Result, len(checks))}
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.CheckReady(cctx)
		cancel()
		if err != nil {
			r.Status = StatusNotReady
			r.Checks[c.Name()] = Result{Message: err.Error()}
			continue
		}
		r.Checks[c.Name()] = Result{Healthy: true}
	}
	return r
}

func shuttingDown() Report {
	return Report{
		Status: StatusShuttingDown,
		Checks: map[string]Result{"shutdown": {Message: "process is shutting down"}},
	}
}

// LivenessHandler serves Liveness.
func (m *Monitor) LivenessHandler() http.Handler {
	return m.handler(func(*http.Request) Report { return m.Liveness() })
}

// ReadinessHandler serves Readiness.
func (m *Monitor) ReadinessHandler() http.Handler {
	return m.handler(func(r *http.Request) Report { return m.Readiness(r.Context()) })
}

func (m *Monitor) handler(eval func(*http.Request) Report) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report := eval(r)
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusOK {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if r.Method == http.MethodHead {
			return
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			m.logger.Debugf("probe response not written", map[string]any{"error": err.Error()})
		}
	})
}
