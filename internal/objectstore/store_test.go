package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func put(t *testing.T, s Store, key, data string) {
	t.Helper()
	if err := s.Put(context.Background(), key, bytes.NewReader([]byte(data)), int64(len(data)), "application/octet-stream"); err != nil {
		t.Fatalf("Put(%s): %v", key, err)
	}
}

func TestMockStoreBasics(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	put(t, s, "tables/1/t-0001/F0001.rf", "abc")
	put(t, s, "tables/1/t-0001/F0000.rf", "de")
	put(t, s, "tables/2/default_tablet/F0002.rf", "f")

	rc, err := s.Get(ctx, "tables/1/t-0001/F0001.rf")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "abc" {
		t.Fatalf("Get = %q", data)
	}

	meta, err := s.Head(ctx, "tables/1/t-0001/F0000.rf")
	if err != nil || meta.Size != 2 {
		t.Fatalf("Head = %+v, %v", meta, err)
	}
	if _, err := s.Head(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, err := s.List(ctx, "tables/1/")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Key != "tables/1/t-0001/F0000.rf" {
		t.Fatalf("List = %+v", list)
	}

	if err := s.Copy(ctx, "tables/1/t-0001/F0000.rf", ".trash/tables/1/t-0001/F0000.rf"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "tables/1/t-0001/F0000.rf"); err != nil {
		t.Fatal(err)
	}
	if got := s.Keys(); len(got) != 3 || got[0] != ".trash/tables/1/t-0001/F0000.rf" {
		t.Fatalf("Keys = %v", got)
	}
	if err := s.Copy(ctx, "missing", "x"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMockStoreFaults(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	put(t, s, "a", "1")
	denied := func(string) error { return ErrAccessDenied }
	s.InjectFault("delete", denied)

	err := s.Delete(ctx, "a")
	var objErr *ObjectError
	if !errors.As(err, &objErr) || !errors.Is(err, ErrAccessDenied) || objErr.Key != "a" {
		t.Fatalf("expected wrapped access denied, got %v", err)
	}
	s.InjectFault("delete", nil)
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	_ = s.Close()
	if _, err := s.List(ctx, ""); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

type opRecorder struct {
	ops     []string
	success []bool
	bytes   []int64
}

func (r *opRecorder) RecordOperation(op string, _ float64, success bool, bytes int64) {
	r.ops = append(r.ops, op)
	r.success = append(r.success, success)
	r.bytes = append(r.bytes, bytes)
}

func TestInstrumentedStore(t *testing.T) {
	ctx := context.Background()
	rec := &opRecorder{}
	s := NewInstrumentedStore(NewMockStore(), rec)

	put(t, s, "k", "12345")
	_, _ = s.Head(ctx, "missing")
	_, _ = s.Get(ctx, "missing")
	_ = s.Copy(ctx, "k", "k2")
	_, _ = s.List(ctx, "")
	_ = s.Delete(ctx, "k")

	want := []string{"put", "head", "get", "copy", "list", "delete"}
	if len(rec.ops) != len(want) {
		t.Fatalf("ops = %v", rec.ops)
	}
	for i := range want {
		if rec.ops[i] != want[i] {
			t.Errorf("op %d = %s, want %s", i, rec.ops[i], want[i])
		}
	}
	if rec.bytes[0] != 5 {
		t.Errorf("put bytes = %d", rec.bytes[0])
	}
	if !rec.success[1] {
		t.Errorf("head miss should count as success")
	}
	if rec.success[2] {
		t.Errorf("get miss should count as failure")
	}
}
