// Package objectstore defines the Store interface for S3-compatible
// storage. Tablet servers write their write-ahead log objects through it,
// and the garbage collector's volume layer lists, trashes, and deletes
// tablet files through it.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound       = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrStoreClosed    = errors.New("object store closed")
)

// ObjectError wraps an error with the object key for context.
type ObjectError struct {
	Op  string
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified int64 // unix milliseconds
}

// Store is the interface for object storage operations. Implementations
// must be safe for concurrent use.
type Store interface {
	// Put stores size bytes read from reader at key.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Get returns the object's content. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns ErrNotFound, wrapped, for a missing object.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Delete is idempotent.
	Delete(ctx context.Context, key string) error

	// List returns every object whose key starts with prefix, in key order.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	// Copy duplicates src to dst within the store.
	Copy(ctx context.Context, src, dst string) error

	Close() error
}
