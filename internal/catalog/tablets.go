package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/metadata"
	"github.com/shale-io/shale/internal/metadata/keys"
)

// Metadata row columns.
const (
	// FamilyFile holds one column per data file of the tablet. The
	// qualifier is the file path relative to the table directory, or
	// "../<table>/..." for a file shared with another table. The value is
	// the file size.
	FamilyFile = "file"

	// FamilyScan holds files an active scan still reads after a
	// compaction replaced them.
	FamilyScan = "scan"

	FamilyServer  = "srv"
	QualDir       = "dir"
	QualLocation  = "loc"
	FamilyTablet  = "~tab"
	QualPrevRow   = "~pr"
	relativeToTop = "../"
)

// ErrTabletNotFound is returned when an extent has no metadata row.
var ErrTabletNotFound = errors.New("catalog: tablet not found")

// TabletInfo is the decoded metadata row of one tablet.
type TabletInfo struct {
	Extent   kv.Extent
	Dir      string
	Location string
	Files    map[string]int64
	Scans    []string
}

// Reference is one column of the metadata table that keeps storage alive.
type Reference struct {
	Row       string
	Table     kv.TableID
	Family    string
	Qualifier string
	Value     []byte
}

// IsDir reports whether the reference is a tablet directory.
func (r Reference) IsDir() bool {
	return r.Family == FamilyServer && r.Qualifier == QualDir
}

// ReferencePath resolves a file qualifier of a table to a volume path.
func ReferencePath(table kv.TableID, qualifier string) string {
	if strings.HasPrefix(qualifier, relativeToTop) {
		return qualifier[2:]
	}
	return "/" + string(table) + qualifier
}

// PutColumn writes one column of a metadata row.
func (c *Catalog) PutColumn(ctx context.Context, row, family, qualifier string, value []byte) error {
	if _, err := c.meta.Put(ctx, keys.TabletColumnKeyPath(row, family, qualifier), value); err != nil {
		return fmt.Errorf("catalog: put %s %s:%s: %w", row, family, qualifier, err)
	}
	return nil
}

// DeleteColumn removes one column of a metadata row.
func (c *Catalog) DeleteColumn(ctx context.Context, row, family, qualifier string) error {
	if err := c.meta.Delete(ctx, keys.TabletColumnKeyPath(row, family, qualifier)); err != nil {
		return fmt.Errorf("catalog: delete %s %s:%s: %w", row, family, qualifier, err)
	}
	return nil
}

// AddTablet writes the metadata row of a new tablet stored under dir, a
// path relative to the table directory such as "/default_tablet".
func (c *Catalog) AddTablet(ctx context.Context, extent kv.Extent, dir string) error {
	row := extent.MetadataRow()
	if err := c.PutColumn(ctx, row, FamilyTablet, QualPrevRow, []byte(extent.PrevEndRow)); err != nil {
		return err
	}
	return c.PutColumn(ctx, row, FamilyServer, QualDir, []byte(dir))
}

// AddFile records a data file of a tablet.
func (c *Catalog) AddFile(ctx context.Context, extent kv.Extent, file string, size int64) error {
	return c.PutColumn(ctx, extent.MetadataRow(), FamilyFile, file, []byte(strconv.FormatInt(size, 10)))
}

// RemoveFile drops a data file from a tablet.
func (c *Catalog) RemoveFile(ctx context.Context, extent kv.Extent, file string) error {
	return c.DeleteColumn(ctx, extent.MetadataRow(), FamilyFile, file)
}

// AddScanReference records a file that an active scan still reads.
func (c *Catalog) AddScanReference(ctx context.Context, extent kv.Extent, file string) error {
	return c.PutColumn(ctx, extent.MetadataRow(), FamilyScan, file, nil)
}

// RemoveScanReference drops a scan reference.
func (c *Catalog) RemoveScanReference(ctx context.Context, extent kv.Extent, file string) error {
	return c.DeleteColumn(ctx, extent.MetadataRow(), FamilyScan, file)
}

// SetLocation assigns a tablet to the tablet server at address.
func (c *Catalog) SetLocation(ctx context.Context, extent kv.Extent, address string) error {
	return c.PutColumn(ctx, extent.MetadataRow(), FamilyServer, QualLocation, []byte(address))
}

// DeleteTablet removes every column of a tablet's metadata row.
func (c *Catalog) DeleteTablet(ctx context.Context, extent kv.Extent) error {
	var doomed []string
	prefix := keys.TabletRowPrefix(extent.MetadataRow())
	err := c.scan(ctx, keys.TabletsPrefix, prefix, func(entry metadata.KV) (bool, error) {
		if !strings.HasPrefix(entry.Key, prefix) {
			return false, nil
		}
		doomed = append(doomed, entry.Key)
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, k := range doomed {
		if err := c.meta.Delete(ctx, k); err != nil {
			return fmt.Errorf("catalog: delete tablet %s: %w", extent, err)
		}
	}
	return nil
}

// GetTablet returns the metadata row of one tablet.
func (c *Catalog) GetTablet(ctx context.Context, extent kv.Extent) (*TabletInfo, error) {
	prefix := keys.TabletRowPrefix(extent.MetadataRow())
	var info *TabletInfo
	err := c.scan(ctx, keys.TabletsPrefix, prefix, func(entry metadata.KV) (bool, error) {
		if !strings.HasPrefix(entry.Key, prefix) {
			return false, nil
		}
		row, family, qualifier, err := keys.ParseTabletColumnKey(entry.Key)
		if err != nil {
			return false, err
		}
		if info == nil {
			if info, err = newTabletInfo(row); err != nil {
				return false, err
			}
		}
		return true, info.apply(family, qualifier, entry.Value)
	})
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, ErrTabletNotFound
	}
	return info, nil
}

// Tablets returns every tablet described by the metadata table, ordered by
// table and end row.
func (c *Catalog) Tablets(ctx context.Context) ([]TabletInfo, error) {
	byRow := make(map[string]*TabletInfo)
	err := c.scan(ctx, keys.TabletsPrefix, "", func(entry metadata.KV) (bool, error) {
		row, family, qualifier, err := keys.ParseTabletColumnKey(entry.Key)
		if err != nil {
			return false, err
		}
		info, ok := byRow[row]
		if !ok {
			if info, err = newTabletInfo(row); err != nil {
				return false, err
			}
			byRow[row] = info
		}
		return true, info.apply(family, qualifier, entry.Value)
	})
	if err != nil {
		return nil, err
	}

	out := make([]TabletInfo, 0, len(byRow))
	for _, info := range byRow {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Extent, out[j].Extent
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		// The last tablet of a table has an empty end row.
		if a.EndRow == "" || b.EndRow == "" {
			return b.EndRow == "" && a.EndRow != ""
		}
		return a.EndRow < b.EndRow
	})
	return out, nil
}

// TabletsForTable returns the tablets of one table.
func (c *Catalog) TabletsForTable(ctx context.Context, table kv.TableID) ([]TabletInfo, error) {
	all, err := c.Tablets(ctx)
	if err != nil {
		return nil, err
	}
	var out []TabletInfo
	for _, t := range all {
		if t.Extent.Table == table {
			out = append(out, t)
		}
	}
	return out, nil
}

// TabletsAssignedTo returns the tablets whose location is address.
func (c *Catalog) TabletsAssignedTo(ctx context.Context, address string) ([]TabletInfo, error) {
	all, err := c.Tablets(ctx)
	if err != nil {
		return nil, err
	}
	var out []TabletInfo
	for _, t := range all {
		if t.Location == address {
			out = append(out, t)
		}
	}
	return out, nil
}

// ScanReferences calls fn for every file, scan, and directory column of the
// metadata table. Other columns are not visited.
func (c *Catalog) ScanReferences(ctx context.Context, fn func(Reference) error) error {
	return c.scan(ctx, keys.TabletsPrefix, "", func(entry metadata.KV) (bool, error) {
		row, family, qualifier, err := keys.ParseTabletColumnKey(entry.Key)
		if err != nil {
			return false, err
		}
		switch {
		case family == FamilyFile, family == FamilyScan:
		case family == FamilyServer && qualifier == QualDir:
		default:
			return true, nil
		}
		table, _, err := kv.ParseMetadataRow(row)
		if err != nil {
			return false, err
		}
		return true, fn(Reference{
			Row:       row,
			Table:     table,
			Family:    family,
			Qualifier: qualifier,
			Value:     entry.Value,
		})
	})
}

func newTabletInfo(row string) (*TabletInfo, error) {
	table, endRow, err := kv.ParseMetadataRow(row)
	if err != nil {
		return nil, err
	}
	return &TabletInfo{
		Extent: kv.Extent{Table: table, EndRow: endRow},
		Files:  make(map[string]int64),
	}, nil
}

func (t *TabletInfo) apply(family, qualifier string, value []byte) error {
	switch family {
	case FamilyFile:
		size, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil && len(value) > 0 {
			return fmt.Errorf("catalog: bad size for %s: %w", qualifier, err)
		}
		t.Files[qualifier] = size
	case FamilyScan:
		t.Scans = append(t.Scans, qualifier)
	case FamilyServer:
		switch qualifier {
		case QualDir:
			t.Dir = string(value)
		case QualLocation:
			t.Location = string(value)
		}
	case FamilyTablet:
		if qualifier == QualPrevRow {
			t.Extent.PrevEndRow = string(value)
		}
	}
	return nil
}
