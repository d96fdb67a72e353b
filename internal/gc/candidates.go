package gc

import (
	"context"
	"math"
	"runtime/debug"
	rtmetrics "runtime/metrics"
	"strings"

	"github.com/google/btree"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/shale-io/shale/internal/catalog"
)

// rootTabletDir holds the root tablet's files, which are never collected
// from a storage listing.
const rootTabletDir = "/!0/root_tablet"

// bulkDirMarker is part of every bulk import directory name.
const bulkDirMarker = "/b-"

// Candidates is a sorted set of volume paths.
type Candidates struct {
	t *btree.BTreeG[string]
}

// NewCandidates returns a set holding paths.
func NewCandidates(paths ...string) *Candidates {
	c := &Candidates{t: btree.NewOrderedG[string](32)}
	for _, p := range paths {
		c.Add(p)
	}
	return c
}

func (c *Candidates) Add(p string) {
	c.t.ReplaceOrInsert(p)
}

// Remove reports whether p was in the set.
func (c *Candidates) Remove(p string) bool {
	_, ok := c.t.Delete(p)
	return ok
}

func (c *Candidates) Has(p string) bool {
	return c.t.Has(p)
}

func (c *Candidates) Len() int {
	return c.t.Len()
}

func (c *Candidates) Clear() {
	c.t.Clear(false)
}

// Paths returns the members in order.
func (c *Candidates) Paths() []string {
	out := make([]string, 0, c.t.Len())
	c.t.Ascend(func(p string) bool {
		out = append(out, p)
		return true
	})
	return out
}

// removePrefixed removes and returns every member starting with prefix.
func (c *Candidates) removePrefixed(prefix string) []string {
	var matched []string
	c.t.AscendGreaterOrEqual(prefix, func(p string) bool {
		if !strings.HasPrefix(p, prefix) {
			return false
		}
		matched = append(matched, p)
		return true
	})
	for _, p := range matched {
		c.t.Delete(p)
	}
	return matched
}

// MemoryProbe returns the bytes the process is using and the most it may
// use. A zero limit disables the memory check.
type MemoryProbe func() (used, limit uint64)

// SystemMemory measures the live heap against the runtime memory limit, or
// against the host's physical memory when no limit is set.
func SystemMemory() (used, limit uint64) {
	samples := []rtmetrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
	rtmetrics.Read(samples)
	if samples[0].Value.Kind() == rtmetrics.KindUint64 {
		used = samples[0].Value.Uint64()
	}
	if l := debug.SetMemoryLimit(-1); l > 0 && l != math.MaxInt64 {
		return used, uint64(l)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		return used, vm.Total
	}
	return used, 0
}

func (c *Collector) almostOutOfMemory() bool {
	used, limit := c.memory()
	if limit == 0 {
		return false
	}
	return float64(used) > c.cfg.MemoryThreshold*float64(limit)
}

// GatherCandidates reads the paths this cycle may delete. Online it scans
// the delete flags, resuming where a cycle cut short by memory pressure
// stopped. Offline it lists every data file of the volume.
func (c *Collector) GatherCandidates(ctx context.Context) (*Candidates, error) {
	if c.cfg.Offline {
		return c.gatherOffline(ctx)
	}

	candidates := NewCandidates()
	from := c.continueKey
	c.continueKey = ""
	c.checkBulk = false
	err := c.catalog.ScanDeleteFlags(ctx, from, func(flag catalog.DeleteFlag) bool {
		candidates.Add(flag.Path)
		if strings.Contains(strings.ToLower(flag.Path), bulkDirMarker) {
			c.checkBulk = true
		}
		if c.almostOutOfMemory() {
			c.memExceeded = true
			c.continueKey = flag.Key
			c.logger.Infof("delete candidates exceeded the memory threshold, deleting what was gathered so far", map[string]any{
				"candidates": candidates.Len(),
			})
			return false
		}
		return true
	})
	if err != nil {
		return NewCandidates(), err
	}
	return candidates, nil
}

func (c *Collector) gatherOffline(ctx context.Context) (*Candidates, error) {
	c.checkBulk = true
	candidates := NewCandidates()
	files, err := c.volume.ListFiles(ctx, "*/*/*.rf", "*/*/*.map")
	if err != nil {
		c.logger.Errorf("unable to list offline candidates, removing all candidates to be safe", map[string]any{"error": err})
		return candidates, nil
	}
	for _, f := range files {
		if strings.HasPrefix(f, rootTabletDir+"/") {
			continue
		}
		candidates.Add(f)
		c.logger.Debugf("offline candidate", map[string]any{"path": f})
	}
	return candidates, nil
}
