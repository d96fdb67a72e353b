package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MockStore is an in-memory MetadataStore. It follows the same key order
// as the Oxia store and is used by tests and by single process
// deployments configured with the memory backend.
type MockStore struct {
	mu        sync.RWMutex
	data      map[string]KV
	ephemeral map[string]bool
	closed    bool
	nextVer   Version

	// failNext, if set, is returned by the next operation.
	failNext error
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		data:      make(map[string]KV),
		ephemeral: make(map[string]bool),
		nextVer:   1,
	}
}

func (m *MockStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// FailNext makes the next operation return err.
func (m *MockStore) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	if err := m.takeFailure(); err != nil {
		return GetResult{}, err
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) checkVersion(key string, expected *Version) error {
	if expected == nil {
		return nil
	}
	existing, ok := m.data[key]
	if !ok && *expected != 0 {
		return ErrVersionMismatch
	}
	if ok && existing.Version != *expected {
		return ErrVersionMismatch
	}
	return nil
}

func (m *MockStore) put(key string, value []byte) Version {
	ver := m.nextVer
	m.nextVer++
	m.data[key] = KV{Key: key, Value: append([]byte(nil), value...), Version: ver}
	return ver
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	if err := m.checkVersion(key, ExtractExpectedVersion(opts)); err != nil {
		return 0, err
	}
	delete(m.ephemeral, key)
	return m.put(key, value), nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if err := m.takeFailure(); err != nil {
		return err
	}
	if expected := ExtractDeleteExpectedVersion(opts); expected != nil {
		existing, ok := m.data[key]
		if ok && existing.Version != *expected {
			return ErrVersionMismatch
		}
	}
	delete(m.data, key)
	delete(m.ephemeral, key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	var keys []string
	for k := range m.data {
		if endKey == "" {
			if strings.HasPrefix(k, startKey) && !strings.Contains(k[len(startKey):], "/") {
				keys = append(keys, k)
			}
			continue
		}
		if CompareKeys(k, startKey) >= 0 && CompareKeys(k, endKey) < 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return CompareKeys(keys[i], keys[j]) < 0 })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]KV, len(keys))
	for i, k := range keys {
		out[i] = m.data[k]
	}
	return out, nil
}

func (m *MockStore) PutEphemeral(_ context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	expectNotExists, expected := ExtractEphemeralOptions(opts)
	if expectNotExists {
		if _, ok := m.data[key]; ok {
			return 0, ErrVersionMismatch
		}
	} else if err := m.checkVersion(key, expected); err != nil {
		return 0, err
	}
	m.ephemeral[key] = true
	return m.put(key, value), nil
}

// ExpireSession deletes every ephemeral key, as the metadata service does
// when a client session times out.
func (m *MockStore) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.ephemeral {
		delete(m.data, k)
	}
	m.ephemeral = make(map[string]bool)
}

// Len returns the number of stored keys.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ MetadataStore = (*MockStore)(nil)
