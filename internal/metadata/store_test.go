package metadata

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func TestCompareKeysHierarchy(t *testing.T) {
	keys := []string{
		"/shale/v1/gc/del//",
		"/shale/v1/gc/del/b",
		"/shale/v1/tables/1",
		"/shale/v1/gc/del/a",
		"/shale/v1/gc/del",
		"/shale/v1/gc/del/a/deeper",
	}
	sort.Slice(keys, func(i, j int) bool { return CompareKeys(keys[i], keys[j]) < 0 })
	want := []string{
		"/shale/v1/gc/del",
		"/shale/v1/gc/del/a",
		"/shale/v1/gc/del/b",
		"/shale/v1/gc/del//",
		"/shale/v1/gc/del/a/deeper",
		"/shale/v1/tables/1",
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("order = %v, want %v", keys, want)
		}
	}
}

func TestMockStoreListChildren(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()
	for _, k := range []string{"/p/c", "/p/a", "/p/b", "/p/b/nested", "/q/a"} {
		if _, err := m.Put(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	all, err := m.List(ctx, "/p/", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Key != "/p/a" || all[2].Key != "/p/c" {
		t.Fatalf("children = %v", all)
	}

	resumed, err := m.List(ctx, "/p/b", ChildrenEnd("/p/"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed) != 1 || resumed[0].Key != "/p/b" {
		t.Fatalf("resumed = %v", resumed)
	}
}

func TestMockStoreVersions(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	v1, err := m.Put(ctx, "/k", []byte("a"), WithExpectedVersion(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Put(ctx, "/k", []byte("b"), WithExpectedVersion(0)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	if _, err := m.Put(ctx, "/k", []byte("b"), WithExpectedVersion(v1)); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, "/k", WithDeleteExpectedVersion(v1)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	if err := m.Delete(ctx, "/missing"); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}
}

func TestMockStoreEphemeral(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	if _, err := m.PutEphemeral(ctx, "/lock", []byte("me"), WithEphemeralExpectNotExists()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PutEphemeral(ctx, "/lock", []byte("you"), WithEphemeralExpectNotExists()); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	if _, err := m.Put(ctx, "/durable", []byte("x")); err != nil {
		t.Fatal(err)
	}

	m.ExpireSession()

	if r, _ := m.Get(ctx, "/lock"); r.Exists {
		t.Fatal("ephemeral key survived session expiry")
	}
	if r, _ := m.Get(ctx, "/durable"); !r.Exists {
		t.Fatal("durable key lost on session expiry")
	}
}

func TestMockStoreClosedAndFailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()
	boom := errors.New("boom")
	m.FailNext(boom)
	if _, err := m.Get(ctx, "/k"); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, err := m.Get(ctx, "/k"); err != nil {
		t.Fatalf("failure should apply once, got %v", err)
	}
	_ = m.Close()
	if _, err := m.Put(ctx, "/k", nil); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

type recordingRecorder struct {
	ops []string
	ok  []bool
}

func (r *recordingRecorder) RecordOperation(op string, _ float64, success bool) {
	r.ops = append(r.ops, op)
	r.ok = append(r.ok, success)
}

func TestInstrumentedStore(t *testing.T) {
	ctx := context.Background()
	rec := &recordingRecorder{}
	mock := NewMockStore()
	s := NewInstrumentedStore(mock, rec)

	_, _ = s.Put(ctx, "/a", []byte("1"))
	_, _ = s.Get(ctx, "/a")
	_, _ = s.List(ctx, "/", "", 0)
	mock.FailNext(errors.New("down"))
	_ = s.Delete(ctx, "/a")
	_, _ = s.PutEphemeral(ctx, "/e", nil)

	want := []string{"put", "get", "list", "delete", "put_ephemeral"}
	if len(rec.ops) != len(want) {
		t.Fatalf("ops = %v", rec.ops)
	}
	for i, op := range want {
		if rec.ops[i] != op {
			t.Errorf("op %d = %s, want %s", i, rec.ops[i], op)
		}
	}
	if rec.ok[3] {
		t.Errorf("failed delete recorded as success")
	}

	if NewInstrumentedStore(mock, nil) == nil {
		t.Fatal("nil recorder should be allowed")
	}
}
