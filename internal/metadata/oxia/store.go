package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/shale-io/shale/internal/metadata"
)

// Config configures the Oxia metadata store.
type Config struct {
	// ServiceAddress is the Oxia service endpoint, e.g. "localhost:6648".
	ServiceAddress string

	// Namespace scopes every key. One namespace per shale cluster.
	Namespace string

	// RequestTimeout defaults to the client's own default when zero.
	RequestTimeout time.Duration

	// SessionTimeout bounds how long ephemeral keys, and therefore process
	// locks, outlive a client that stopped heartbeating. Oxia enforces a
	// minimum of five seconds.
	SessionTimeout time.Duration
}

func (c Config) validate() error {
	if c.ServiceAddress == "" {
		return errors.New("oxia: service address is required")
	}
	if c.Namespace == "" {
		return errors.New("oxia: namespace is required")
	}
	return nil
}

// Store implements metadata.MetadataStore on an Oxia sync client.
type Store struct {
	client oxiaclient.SyncClient
	closed atomic.Bool
}

// New connects to Oxia.
func New(_ context.Context, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := []oxiaclient.ClientOption{oxiaclient.WithNamespace(cfg.Namespace)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: create client: %w", err)
	}
	return &Store{client: client}, nil
}

// Oxia versions start at 0 while metadata.Version reserves 0 for a key
// that does not exist, so every version is shifted by one at this boundary.
func toVersion(oxiaVersion int64) metadata.Version {
	return metadata.Version(oxiaVersion + 1)
}

func fromVersion(v metadata.Version) int64 {
	return int64(v - 1)
}

func mapErr(op string, err error) error {
	switch {
	case errors.Is(err, oxiaclient.ErrUnexpectedVersionId):
		return metadata.ErrVersionMismatch
	case errors.Is(err, oxiaclient.ErrKeyNotFound):
		return metadata.ErrKeyNotFound
	default:
		return fmt.Errorf("oxia: %s: %w", op, err)
	}
}

func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if s.closed.Load() {
		return metadata.GetResult{}, metadata.ErrStoreClosed
	}
	_, value, version, err := s.client.Get(ctx, key)
	if errors.Is(err, oxiaclient.ErrKeyNotFound) {
		return metadata.GetResult{}, nil
	}
	if err != nil {
		return metadata.GetResult{}, mapErr("get", err)
	}
	return metadata.GetResult{Value: value, Version: toVersion(version.VersionId), Exists: true}, nil
}

func putConstraint(expectNotExists bool, expected *metadata.Version) []oxiaclient.PutOption {
	switch {
	case expectNotExists || (expected != nil && *expected == 0):
		return []oxiaclient.PutOption{oxiaclient.ExpectedRecordNotExists()}
	case expected != nil:
		return []oxiaclient.PutOption{oxiaclient.ExpectedVersionId(fromVersion(*expected))}
	default:
		return nil
	}
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if s.closed.Load() {
		return 0, metadata.ErrStoreClosed
	}
	_, version, err := s.client.Put(ctx, key, value, putConstraint(false, metadata.ExtractExpectedVersion(opts))...)
	if err != nil {
		return 0, mapErr("put", err)
	}
	return toVersion(version.VersionId), nil
}

func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if s.closed.Load() {
		return metadata.ErrStoreClosed
	}
	var oxiaOpts []oxiaclient.DeleteOption
	if expected := metadata.ExtractDeleteExpectedVersion(opts); expected != nil {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(fromVersion(*expected)))
	}
	err := s.client.Delete(ctx, key, oxiaOpts...)
	if err == nil || errors.Is(err, oxiaclient.ErrKeyNotFound) {
		return nil
	}
	return mapErr("delete", err)
}

func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if s.closed.Load() {
		return nil, metadata.ErrStoreClosed
	}
	if endKey == "" {
		endKey = metadata.ChildrenEnd(startKey)
	}

	results := s.client.RangeScan(ctx, startKey, endKey)
	var kvs []metadata.KV
	for result := range results {
		if result.Err != nil {
			go drain(results)
			return nil, mapErr("list", result.Err)
		}
		kvs = append(kvs, metadata.KV{
			Key:     result.Key,
			Value:   result.Value,
			Version: toVersion(result.Version.VersionId),
		})
		if limit > 0 && len(kvs) >= limit {
			go drain(results)
			break
		}
	}
	return kvs, nil
}

// drain consumes the rest of a range scan so its producer can finish.
func drain(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}

func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	if s.closed.Load() {
		return 0, metadata.ErrStoreClosed
	}
	expectNotExists, expected := metadata.ExtractEphemeralOptions(opts)
	oxiaOpts := append([]oxiaclient.PutOption{oxiaclient.Ephemeral()}, putConstraint(expectNotExists, expected)...)

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		return 0, mapErr("put ephemeral", err)
	}
	return toVersion(version.VersionId), nil
}

// Close closes the client, which ends its session and releases every
// ephemeral key it created.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close()
}

var _ metadata.MetadataStore = (*Store)(nil)
