// Package metadata defines the MetadataStore interface used for every piece
// of shared cluster state: table registrations, tablet metadata rows,
// garbage collection delete flags, and process locks. The production
// implementation is backed by Oxia (see package oxia).
package metadata

import (
	"context"
	"errors"
)

// Common errors returned by MetadataStore operations.
var (
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch is returned when a conditional write or delete
	// finds a different version than expected.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrSessionExpired is returned when an ephemeral key's session has expired.
	ErrSessionExpired = errors.New("metadata: session expired")

	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version is a key's version. Versions increase on every write; zero
// means the key has never been written.
type Version int64

// NoVersion is a sentinel value indicating no version constraint.
const NoVersion Version = -1

// KV is a key-value pair with its version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get operation.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// PutOption configures a Put operation.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion makes Put conditional on the key's current version.
// Version 0 requires that the key does not exist.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// DeleteOption configures a Delete operation.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion makes Delete conditional on the key's version.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion returns the expected version set by opts, or nil.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// ExtractDeleteExpectedVersion returns the expected version set by opts, or nil.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectedVersion
}

// EphemeralOption configures a PutEphemeral operation.
type EphemeralOption func(*ephemeralOptions)

type ephemeralOptions struct {
	expectNotExists bool
	expectedVersion *Version
}

// WithEphemeralExpectNotExists fails PutEphemeral with ErrVersionMismatch
// if the key already exists.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectNotExists = true
	}
}

// WithEphemeralExpectedVersion fails PutEphemeral with ErrVersionMismatch
// unless the key is at version v.
func WithEphemeralExpectedVersion(v Version) EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectedVersion = &v
	}
}

// ExtractEphemeralOptions returns the constraints set by opts.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool, expectedVersion *Version) {
	var o ephemeralOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectNotExists, o.expectedVersion
}

// MetadataStore is the interface for metadata storage operations.
//
// Keys are slash separated paths. Ordering is hierarchical: paths compare
// segment by segment, and a path that ends at a segment sorts before any
// path that continues past it (see CompareKeys). Every keyspace in package
// keys stores its entries as a single escaped segment below a fixed
// prefix, so a prefix listing returns exactly the direct children.
type MetadataStore interface {
	// Get returns Exists=false, not an error, for a missing key.
	Get(ctx context.Context, key string) (GetResult, error)

	// Put stores a value and returns the version assigned to it.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns entries in [startKey, endKey) in key order. An empty
	// endKey lists the children of startKey, which must then end in '/'.
	// A limit of zero or less returns everything.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// PutEphemeral stores a value that is removed when the client's
	// session ends, used for process locks.
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	Close() error
}

// ChildrenEnd returns the exclusive end key covering every direct child of
// prefix, which must end in '/'. It lets a listing resume partway through
// a prefix: List(ctx, resumeKey, ChildrenEnd(prefix), n).
func ChildrenEnd(prefix string) string {
	return prefix + "/"
}

// CompareKeys orders keys the way the metadata service does. Keys compare
// one '/' separated segment at a time; when one key has no further '/'
// and the other does, the shorter hierarchy sorts first.
func CompareKeys(a, b string) int {
	for len(a) > 0 && len(b) > 0 {
		ia := indexSlash(a)
		ib := indexSlash(b)
		switch {
		case ia < 0 && ib < 0:
			return compareStrings(a, b)
		case ia < 0:
			return -1
		case ib < 0:
			return 1
		}
		if c := compareStrings(a[:ia], b[:ib]); c != 0 {
			return c
		}
		a, b = a[ia+1:], b[ib+1:]
	}
	return compareStrings(a, b)
}

func indexSlash(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
