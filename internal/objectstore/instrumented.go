package objectstore

import (
	"context"
	"io"
	"time"
)

// MetricsRecorder receives the latency and outcome of every object store
// operation. bytes is the payload size for puts and zero otherwise.
type MetricsRecorder interface {
	RecordOperation(op string, durationSeconds float64, success bool, bytes int64)
}

// InstrumentedStore wraps a Store and records metrics for each operation.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder records nothing.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) record(op string, start time.Time, err error, bytes int64) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil, bytes)
	}
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := s.store.Put(ctx, key, reader, size, contentType)
	s.record("put", start, err, size)
	return err
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.Get(ctx, key)
	s.record("get", start, err, 0)
	return rc, err
}

func (s *InstrumentedStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	start := time.Now()
	meta, err := s.store.Head(ctx, key)
	// A miss is an answer, not a failure.
	s.record("head", start, ignoreNotFound(err), 0)
	return meta, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.record("delete", start, err, 0)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	start := time.Now()
	out, err := s.store.List(ctx, prefix)
	s.record("list", start, err, 0)
	return out, err
}

func (s *InstrumentedStore) Copy(ctx context.Context, src, dst string) error {
	start := time.Now()
	err := s.store.Copy(ctx, src, dst)
	s.record("copy", start, err, 0)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ Store = (*InstrumentedStore)(nil)
