package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store. Besides tests it backs single process
// deployments configured with the memory backend.
type MockStore struct {
	mu      sync.RWMutex
	objects map[string]mockObject
	faults  map[string]func(key string) error
	closed  bool
}

type mockObject struct {
	data []byte
	meta ObjectMeta
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		objects: make(map[string]mockObject),
		faults:  make(map[string]func(string) error),
	}
}

// InjectFault makes every op ("put", "get", "head", "delete", "list",
// "copy") consult fn first. A non-nil result fails the call. A nil fn
// clears the fault.
func (s *MockStore) InjectFault(op string, fn func(key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = fn
}

func (s *MockStore) check(op, key string) error {
	if s.closed {
		return ErrStoreClosed
	}
	if fn := s.faults[op]; fn != nil {
		if err := fn(key); err != nil {
			return &ObjectError{Op: op, Key: key, Err: err}
		}
	}
	return nil
}

func (s *MockStore) Put(_ context.Context, key string, reader io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("put", key); err != nil {
		return err
	}
	s.objects[key] = mockObject{
		data: data,
		meta: ObjectMeta{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  contentType,
			ETag:         "mock-etag",
			LastModified: time.Now().UnixMilli(),
		},
	}
	return nil
}

func (s *MockStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("get", key); err != nil {
		return nil, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, &ObjectError{Op: "get", Key: key, Err: ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MockStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("head", key); err != nil {
		return ObjectMeta{}, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return ObjectMeta{}, &ObjectError{Op: "head", Key: key, Err: ErrNotFound}
	}
	return obj.meta, nil
}

func (s *MockStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("delete", key); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

func (s *MockStore) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list", prefix); err != nil {
		return nil, err
	}
	var out []ObjectMeta
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MockStore) Copy(_ context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("copy", src); err != nil {
		return err
	}
	obj, ok := s.objects[src]
	if !ok {
		return &ObjectError{Op: "copy", Key: src, Err: ErrNotFound}
	}
	meta := obj.meta
	meta.Key = dst
	meta.LastModified = time.Now().UnixMilli()
	s.objects[dst] = mockObject{data: bytes.Clone(obj.data), meta: meta}
	return nil
}

// Keys returns every stored key in order.
func (s *MockStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
