package gc

import (
	"context"
	"fmt"
	"strings"

	"github.com/shale-io/shale/internal/catalog"
)

// ConfirmDeletes removes from candidates every path that must survive:
// anything inside a directory with a bulk import in progress, and anything
// a tablet still references. A referenced file keeps its directory too.
func (c *Collector) ConfirmDeletes(ctx context.Context, candidates *Candidates) error {
	if c.checkBulk {
		c.logger.Debug("checking for bulk import markers")
		markers, err := c.catalog.BulkMarkers(ctx)
		if err != nil {
			return fmt.Errorf("gc: read bulk markers: %w", err)
		}
		for _, dir := range markers {
			if kept := candidates.removePrefixed(dir); len(kept) > 0 {
				c.logger.Debugf("directory has a bulk import marker", map[string]any{"dir": dir, "candidates": len(kept)})
			}
		}
	}

	err := c.catalog.ScanReferences(ctx, func(ref catalog.Reference) error {
		switch {
		case ref.Family == catalog.FamilyFile, ref.Family == catalog.FamilyScan:
			p := catalog.ReferencePath(ref.Table, ref.Qualifier)
			c.keep(candidates, p)
			if i := strings.LastIndexByte(p, '/'); i >= 0 {
				c.keep(candidates, p[:i])
			}
		case ref.IsDir():
			c.keep(candidates, "/"+string(ref.Table)+string(ref.Value))
		default:
			return fmt.Errorf("gc: unexpected metadata column %s %s:%s", ref.Row, ref.Family, ref.Qualifier)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("gc: scan references: %w", err)
	}
	return nil
}

func (c *Collector) keep(candidates *Candidates, p string) {
	if !candidates.Remove(p) {
		return
	}
	if c.cfg.Verbose {
		c.logger.Infof("candidate still in use", map[string]any{"path": p})
	} else {
		c.logger.Debugf("candidate still in use", map[string]any{"path": p})
	}
}
