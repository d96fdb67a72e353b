package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shale-io/shale/internal/metadata"
	"github.com/shale-io/shale/internal/metadata/keys"
)

// DeleteFlag is a path the garbage collector may reclaim once nothing
// references it.
type DeleteFlag struct {
	// Key is the metadata key of the flag. Passing it back to
	// ScanDeleteFlags resumes the scan at this flag.
	Key  string
	Path string
}

// FlagForDeletion marks paths as deletion candidates.
func (c *Catalog) FlagForDeletion(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if _, err := c.meta.Put(ctx, keys.DeleteFlagKeyPath(p), nil); err != nil {
			return fmt.Errorf("catalog: flag %s: %w", p, err)
		}
	}
	return nil
}

// ScanDeleteFlags calls fn for each delete flag in key order, starting at
// the flag whose key is from (inclusive), or at the first flag when from
// is empty. fn returns false to stop the scan.
func (c *Catalog) ScanDeleteFlags(ctx context.Context, from string, fn func(DeleteFlag) bool) error {
	return c.scan(ctx, keys.DeleteFlagsPrefix, from, func(entry metadata.KV) (bool, error) {
		p, err := keys.ParseDeleteFlagKey(entry.Key)
		if err != nil {
			return false, err
		}
		return fn(DeleteFlag{Key: entry.Key, Path: p}), nil
	})
}

// BulkMarkers returns the directories of in progress bulk imports, sorted.
func (c *Catalog) BulkMarkers(ctx context.Context) ([]string, error) {
	var dirs []string
	err := c.scan(ctx, keys.BulkMarkersPrefix, "", func(entry metadata.KV) (bool, error) {
		dir, err := keys.ParseBulkMarkerKey(entry.Key)
		if err != nil {
			return false, err
		}
		dirs = append(dirs, dir)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(dirs)
	return dirs, nil
}

// AddBulkMarker protects dir from collection while a bulk import runs.
func (c *Catalog) AddBulkMarker(ctx context.Context, dir string) error {
	if _, err := c.meta.Put(ctx, keys.BulkMarkerKeyPath(dir), nil); err != nil {
		return fmt.Errorf("catalog: add bulk marker %s: %w", dir, err)
	}
	return nil
}

// RemoveBulkMarker ends the protection of dir.
func (c *Catalog) RemoveBulkMarker(ctx context.Context, dir string) error {
	if err := c.meta.Delete(ctx, keys.BulkMarkerKeyPath(dir)); err != nil {
		return fmt.Errorf("catalog: remove bulk marker %s: %w", dir, err)
	}
	return nil
}

// FlagWriter removes delete flags in batches. It is safe for concurrent
// use by the collector's delete workers.
type FlagWriter struct {
	meta      metadata.MetadataStore
	batchSize int

	mu      sync.Mutex
	pending []string
	removed int
	closed  bool
}

// NewFlagWriter returns a writer that flushes every batchSize removals.
func (c *Catalog) NewFlagWriter(batchSize int) *FlagWriter {
	if batchSize <= 0 {
		batchSize = c.pageSize
	}
	return &FlagWriter{meta: c.meta, batchSize: batchSize}
}

// Remove queues the flag of path for removal.
func (w *FlagWriter) Remove(ctx context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("catalog: flag writer closed")
	}
	w.pending = append(w.pending, keys.DeleteFlagKeyPath(path))
	if len(w.pending) >= w.batchSize {
		return w.flushLocked(ctx)
	}
	return nil
}

// Flush removes every queued flag.
func (w *FlagWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *FlagWriter) flushLocked(ctx context.Context) error {
	for len(w.pending) > 0 {
		k := w.pending[0]
		if err := w.meta.Delete(ctx, k); err != nil {
			return fmt.Errorf("catalog: remove flag %s: %w", k, err)
		}
		w.pending = w.pending[1:]
		w.removed++
	}
	w.pending = nil
	return nil
}

// Close flushes and rejects further removals.
func (w *FlagWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flushLocked(ctx)
}

// Removed returns the number of flags removed so far.
func (w *FlagWriter) Removed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removed
}
