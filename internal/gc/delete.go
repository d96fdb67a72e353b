package gc

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/shale-io/shale/internal/catalog"
	"github.com/shale-io/shale/internal/kv"
)

// isDir reports whether p names a tablet directory, "/<table>/<dir>".
func isDir(p string) bool {
	return strings.Count(p, "/") == 2
}

// tableOf returns the table id of a volume path.
func tableOf(p string) (kv.TableID, bool) {
	parts := strings.Split(p, "/")
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return kv.TableID(parts[1]), true
}

// DeleteFiles removes the confirmed candidates from the volume and clears
// the flags of paths that are gone. Files inside a directory that is
// itself a candidate only have their flag cleared, since deleting the
// directory takes them along. Those files leave the set.
func (c *Collector) DeleteFiles(ctx context.Context, candidates *Candidates) {
	var flags *catalog.FlagWriter
	if !c.cfg.Offline {
		flags = c.catalog.NewFlagWriter(c.cfg.FlagBatchSize)
	}
	clearFlag := func(p string) {
		if flags == nil {
			return
		}
		if err := flags.Remove(ctx, p); err != nil {
			c.logger.Errorf("failed to remove delete flag", map[string]any{"path": p, "error": err})
		}
	}

	lastDir := ""
	for _, p := range candidates.Paths() {
		switch {
		case isDir(p):
			lastDir = p
		case lastDir == "":
		case strings.HasPrefix(p, lastDir+"/"):
			c.logger.Debugf("ignoring file, its directory is deleted", map[string]any{"path": p, "dir": lastDir})
			clearFlag(p)
			candidates.Remove(p)
		default:
			lastDir = ""
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.DeleteThreads)
	for _, p := range candidates.Paths() {
		g.Go(func() error {
			if c.deletePath(gctx, p) {
				clearFlag(p)
			}
			return nil
		})
	}
	_ = g.Wait()

	if flags != nil {
		if err := flags.Close(ctx); err != nil {
			c.logger.Errorf("problem removing delete flags", map[string]any{"error": err})
		}
	}
}

// deletePath removes p and reports whether its flag should be cleared.
func (c *Collector) deletePath(ctx context.Context, p string) bool {
	c.logger.Debugf("deleting", map[string]any{"path": c.volume.Root() + p})
	removed, err := c.remove(ctx, p, true)
	if err == nil && removed {
		c.current.deleted.Add(1)
		return true
	}
	if err != nil {
		c.logger.Warnf("delete failed", map[string]any{"path": p, "error": err})
	}

	c.current.errors.Add(1)
	exists, existsErr := c.volume.Exists(ctx, p)
	if existsErr != nil || exists {
		// Keep the flag; a later cycle tries again.
		c.logger.Warnf("file exists, but was not deleted", map[string]any{"path": p})
		return false
	}
	if table, ok := tableOf(p); !ok {
		c.logger.Warnf("unexpected path name", map[string]any{"path": p})
	} else if live, err := c.catalog.TableExists(ctx, table); err == nil && live {
		c.logger.Warnf("file does not exist", map[string]any{"path": p})
	}
	return true
}

// remove moves p to the trash when that is enabled and deletes it
// otherwise.
func (c *Collector) remove(ctx context.Context, p string, recursive bool) (bool, error) {
	if c.cfg.TrashEnabled {
		moved, err := c.volume.MoveToTrash(ctx, p)
		if err == nil && moved {
			return true, nil
		}
		if err != nil {
			c.logger.Debugf("move to trash failed", map[string]any{"path": p, "error": err})
		}
	}
	return c.volume.Delete(ctx, p, recursive)
}

// CleanUpDeletedTableDirs removes the empty top level directory of every
// table that had a directory among candidates and no longer exists.
func (c *Collector) CleanUpDeletedTableDirs(ctx context.Context, candidates *Candidates) error {
	withDeletes := make(map[kv.TableID]struct{})
	for _, p := range candidates.Paths() {
		if !isDir(p) {
			continue
		}
		if table, ok := tableOf(p); ok {
			withDeletes[table] = struct{}{}
		}
	}
	if len(withDeletes) == 0 {
		return nil
	}

	live, err := c.catalog.TableIDs(ctx)
	if err != nil {
		return err
	}
	for table := range withDeletes {
		if _, ok := live[table]; ok {
			continue
		}
		dir := "/" + string(table)
		empty, err := c.volume.IsEmptyDir(ctx, dir)
		if err != nil {
			return err
		}
		if !empty {
			continue
		}
		if _, err := c.remove(ctx, dir, false); err != nil {
			return err
		}
		c.logger.Infof("removed directory of deleted table", map[string]any{"table": table})
	}
	return nil
}
