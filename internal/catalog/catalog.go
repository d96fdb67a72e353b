// Package catalog is the metadata table: table registrations, the rows
// describing each tablet (directory, files, scan references, location),
// and the garbage collector's delete flags and bulk import markers. It is
// a thin typed layer over metadata.MetadataStore.
package catalog

import (
	"context"
	"fmt"

	"github.com/shale-io/shale/internal/metadata"
)

// DefaultPageSize is the number of entries fetched per List call when
// scanning a keyspace.
const DefaultPageSize = 1000

// Catalog provides metadata table operations backed by a MetadataStore.
type Catalog struct {
	meta     metadata.MetadataStore
	pageSize int
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithPageSize sets the number of entries fetched per List call.
func WithPageSize(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New creates a catalog over meta.
func New(meta metadata.MetadataStore, opts ...Option) *Catalog {
	c := &Catalog{meta: meta, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying metadata store.
func (c *Catalog) Store() metadata.MetadataStore {
	return c.meta
}

// scan walks the direct children of prefix in key order starting at
// start (inclusive), one page at a time. fn returns false to stop.
func (c *Catalog) scan(ctx context.Context, prefix, start string, fn func(metadata.KV) (bool, error)) error {
	end := metadata.ChildrenEnd(prefix)
	if start == "" {
		start = prefix
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := c.meta.List(ctx, start, end, c.pageSize)
		if err != nil {
			return fmt.Errorf("catalog: list %s: %w", prefix, err)
		}
		for _, entry := range page {
			more, err := fn(entry)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if len(page) < c.pageSize {
			return nil
		}
		// Escaped segments never contain a NUL byte, so this is the
		// immediate successor of the last key.
		start = page[len(page)-1].Key + "\x00"
	}
}
