package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shale-io/shale/internal/logging"
	"github.com/shale-io/shale/internal/metadata"
	"github.com/shale-io/shale/internal/objectstore"
)

func probe(t *testing.T, h http.Handler, method string) (int, Report) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, "/", nil))
	var r Report
	if method == http.MethodGet {
		if err := json.NewDecoder(w.Body).Decode(&r); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return w.Code, r
}

func TestLivenessTracksLoops(t *testing.T) {
	m := NewMonitor(logging.NewNop())
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	m.SetStaleAfter(10 * time.Second)

	code, r := probe(t, m.LivenessHandler(), http.MethodGet)
	if code != http.StatusOK || r.Status != StatusOK {
		t.Fatalf("empty monitor: %d %+v", code, r)
	}

	m.StartLoop("gc")
	now = now.Add(5 * time.Second)
	if r := m.Liveness(); r.Status != StatusOK || !r.Loops["gc"] {
		t.Fatalf("fresh loop: %+v", r)
	}

	now = now.Add(10 * time.Second)
	if r := m.Liveness(); r.Status != StatusDegraded || r.Loops["gc"] {
		t.Fatalf("stale loop: %+v", r)
	}
	m.Beat("gc")
	if r := m.Liveness(); r.Status != StatusOK {
		t.Fatalf("after beat: %+v", r)
	}

	m.StopLoop("gc")
	code, r = probe(t, m.LivenessHandler(), http.MethodGet)
	if code != http.StatusServiceUnavailable || r.Status != StatusDegraded {
		t.Fatalf("stopped loop: %d %+v", code, r)
	}
}

func TestReadinessRunsEveryCheck(t *testing.T) {
	m := NewMonitor(logging.NewNop())
	held := true
	m.RegisterCheck(Func("noop", nil))
	m.RegisterCheck(LockCheck("gc_lock", func() bool { return held }))

	code, r := probe(t, m.ReadinessHandler(), http.MethodGet)
	if code != http.StatusOK || len(r.Checks) != 2 {
		t.Fatalf("ready: %d %+v", code, r)
	}

	held = false
	code, r = probe(t, m.ReadinessHandler(), http.MethodGet)
	if code != http.StatusServiceUnavailable || r.Status != StatusNotReady {
		t.Fatalf("lock lost: %d %+v", code, r)
	}
	if res := r.Checks["gc_lock"]; res.Healthy || res.Message == "" {
		t.Errorf("gc_lock result = %+v", res)
	}
	if !r.Checks["noop"].Healthy {
		t.Error("noop check should stay healthy")
	}
}

func TestReadinessCheckTimeout(t *testing.T) {
	m := NewMonitor(logging.NewNop())
	m.SetCheckTimeout(20 * time.Millisecond)
	m.RegisterCheck(Func("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	if r := m.Readiness(context.Background()); r.Status != StatusNotReady {
		t.Fatalf("slow check passed: %+v", r)
	}
}

func TestShutdownFailsBothProbes(t *testing.T) {
	m := NewMonitor(logging.NewNop())
	m.SetShuttingDown()
	for _, h := range []http.Handler{m.LivenessHandler(), m.ReadinessHandler()} {
		code, r := probe(t, h, http.MethodGet)
		if code != http.StatusServiceUnavailable || r.Status != StatusShuttingDown {
			t.Errorf("got %d %+v", code, r)
		}
	}
}

func TestHandlerMethods(t *testing.T) {
	m := NewMonitor(logging.NewNop())
	if code, _ := probe(t, m.LivenessHandler(), http.MethodHead); code != http.StatusOK {
		t.Errorf("HEAD status = %d", code)
	}
	w := httptest.NewRecorder()
	m.ReadinessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", w.Code)
	}
}

func TestMetadataCheck(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	check := MetadataCheck(store)
	if err := check.CheckReady(ctx); err != nil {
		t.Fatalf("healthy store: %v", err)
	}
	store.FailNext(metadata.ErrSessionExpired)
	if err := check.CheckReady(ctx); !errors.Is(err, metadata.ErrSessionExpired) {
		t.Fatalf("failing store: %v", err)
	}
	if err := MetadataCheck(nil).CheckReady(ctx); err == nil {
		t.Fatal("nil store passed")
	}
}

func TestObjectStoreCheck(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMockStore()
	check := ObjectStoreCheck(store)
	if err := check.CheckReady(ctx); err != nil {
		t.Fatalf("healthy store: %v", err)
	}

	store.InjectFault("list", func(string) error { return objectstore.ErrNotFound })
	if err := check.CheckReady(ctx); err != nil {
		t.Fatalf("missing prefix should pass: %v", err)
	}
	store.InjectFault("list", func(string) error { return objectstore.ErrAccessDenied })
	if err := check.CheckReady(ctx); !errors.Is(err, objectstore.ErrAccessDenied) {
		t.Fatalf("access denied: %v", err)
	}
	store.InjectFault("list", func(string) error { return objectstore.ErrBucketNotFound })
	if err := check.CheckReady(ctx); err == nil {
		t.Fatal("missing bucket passed")
	}
}
