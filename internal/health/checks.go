package health

import (
	"context"
	"errors"

	"github.com/shale-io/shale/internal/metadata"
	"github.com/shale-io/shale/internal/metadata/keys"
	"github.com/shale-io/shale/internal/objectstore"
)

// probeKey is read, never written, to prove the metadata store answers.
const probeKey = keys.Prefix + "/health"

// probePrefix is listed to prove the object store answers.
const probePrefix = ".health/"

type funcCheck struct {
	name string
	fn   func(context.Context) error
}

func (c funcCheck) Name() string { return c.name }

func (c funcCheck) CheckReady(ctx context.Context) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx)
}

// Func wraps fn as a Check.
func Func(name string, fn func(context.Context) error) Check {
	return funcCheck{name: name, fn: fn}
}

// MetadataCheck is ready while a Get on the metadata store succeeds or
// reports a missing key.
func MetadataCheck(store metadata.MetadataStore) Check {
	return Func("metadata_store", func(ctx context.Context) error {
		if store == nil {
			return errors.New("metadata store not configured")
		}
		_, err := store.Get(ctx, probeKey)
		if err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}

// ObjectStoreCheck is ready while the object store can list a prefix.
// Credential and bucket errors fail it.
func ObjectStoreCheck(store objectstore.Store) Check {
	return Func("object_store", func(ctx context.Context) error {
		if store == nil {
			return errors.New("object store not configured")
		}
		_, err := store.List(ctx, probePrefix)
		if err == nil || (objectstore.IsNotFound(err) && !errors.Is(err, objectstore.ErrBucketNotFound)) {
			return nil
		}
		return err
	})
}

// LockCheck is ready while held reports true.
func LockCheck(name string, held func() bool) Check {
	return Func(name, func(context.Context) error {
		if held != nil && !held() {
			return errors.New("lock not held")
		}
		return nil
	})
}
