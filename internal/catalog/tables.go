package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/metadata"
	"github.com/shale-io/shale/internal/metadata/keys"
)

// Common errors.
var (
	ErrTableNotFound    = errors.New("catalog: table not found")
	ErrTableExists      = errors.New("catalog: table already exists")
	ErrInvalidTableID   = errors.New("catalog: invalid table id")
	ErrMetadataReadOnly = errors.New("catalog: the metadata table can not be deleted")
)

// TableMeta is a table registration.
type TableMeta struct {
	ID          kv.TableID `json:"id"`
	Name        string     `json:"name"`
	CreatedAtMs int64      `json:"createdAtMs"`
}

// CreateTable registers a table. The table has no tablets until AddTablet
// is called.
func (c *Catalog) CreateTable(ctx context.Context, id kv.TableID, name string, nowMs int64) (*TableMeta, error) {
	if id == "" {
		return nil, ErrInvalidTableID
	}
	t := TableMeta{ID: id, Name: name, CreatedAtMs: nowMs}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("catalog: marshal table: %w", err)
	}
	_, err = c.meta.Put(ctx, keys.TableKeyPath(string(id)), data, metadata.WithExpectedVersion(0))
	if errors.Is(err, metadata.ErrVersionMismatch) {
		return nil, ErrTableExists
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: create table: %w", err)
	}
	return &t, nil
}

// GetTable returns a table registration.
func (c *Catalog) GetTable(ctx context.Context, id kv.TableID) (*TableMeta, error) {
	result, err := c.meta.Get(ctx, keys.TableKeyPath(string(id)))
	if err != nil {
		return nil, fmt.Errorf("catalog: get table: %w", err)
	}
	if !result.Exists {
		return nil, ErrTableNotFound
	}
	var t TableMeta
	if err := json.Unmarshal(result.Value, &t); err != nil {
		return nil, fmt.Errorf("catalog: unmarshal table: %w", err)
	}
	return &t, nil
}

// TableExists reports whether id is registered.
func (c *Catalog) TableExists(ctx context.Context, id kv.TableID) (bool, error) {
	if id == kv.MetadataTableID {
		return true, nil
	}
	result, err := c.meta.Get(ctx, keys.TableKeyPath(string(id)))
	if err != nil {
		return false, fmt.Errorf("catalog: get table: %w", err)
	}
	return result.Exists, nil
}

// ListTables returns every registered table in key order.
func (c *Catalog) ListTables(ctx context.Context) ([]TableMeta, error) {
	var tables []TableMeta
	err := c.scan(ctx, keys.TablesPrefix, "", func(entry metadata.KV) (bool, error) {
		var t TableMeta
		if err := json.Unmarshal(entry.Value, &t); err != nil {
			return false, fmt.Errorf("catalog: unmarshal table %s: %w", entry.Key, err)
		}
		tables = append(tables, t)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

// TableIDs returns the ids of every live table, including the metadata
// table.
func (c *Catalog) TableIDs(ctx context.Context) (map[kv.TableID]struct{}, error) {
	tables, err := c.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[kv.TableID]struct{}, len(tables)+1)
	ids[kv.MetadataTableID] = struct{}{}
	for _, t := range tables {
		ids[t.ID] = struct{}{}
	}
	return ids, nil
}

// DeleteTable removes a table. Every directory and file its tablets
// reference is flagged for deletion before the metadata rows go away, so
// the garbage collector reclaims the storage once nothing else refers to
// it.
func (c *Catalog) DeleteTable(ctx context.Context, id kv.TableID) error {
	if id == kv.MetadataTableID {
		return ErrMetadataReadOnly
	}
	if _, err := c.GetTable(ctx, id); err != nil {
		return err
	}

	tablets, err := c.TabletsForTable(ctx, id)
	if err != nil {
		return err
	}

	var paths []string
	for _, t := range tablets {
		if t.Dir != "" {
			paths = append(paths, "/"+string(id)+t.Dir)
		}
		for f := range t.Files {
			paths = append(paths, ReferencePath(id, f))
		}
	}
	if err := c.FlagForDeletion(ctx, paths...); err != nil {
		return err
	}

	for _, t := range tablets {
		if err := c.DeleteTablet(ctx, t.Extent); err != nil {
			return err
		}
	}
	if err := c.meta.Delete(ctx, keys.TableKeyPath(string(id))); err != nil {
		return fmt.Errorf("catalog: delete table: %w", err)
	}
	return nil
}
