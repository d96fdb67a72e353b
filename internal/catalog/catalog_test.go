package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/metadata"
	"github.com/shale-io/shale/internal/metadata/keys"
)

func TestCatalog_CreateTable(t *testing.T) {
	ctx := context.Background()
	c := New(metadata.NewMockStore())

	tbl, err := c.CreateTable(ctx, "1636", "events", 42)
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if tbl.ID != "1636" || tbl.Name != "events" || tbl.CreatedAtMs != 42 {
		t.Errorf("unexpected table meta: %+v", tbl)
	}

	if _, err := c.CreateTable(ctx, "1636", "again", 43); !errors.Is(err, ErrTableExists) {
		t.Errorf("expected ErrTableExists, got %v", err)
	}
	if _, err := c.CreateTable(ctx, "", "x", 0); !errors.Is(err, ErrInvalidTableID) {
		t.Errorf("expected ErrInvalidTableID, got %v", err)
	}

	got, err := c.GetTable(ctx, "1636")
	if err != nil {
		t.Fatalf("GetTable failed: %v", err)
	}
	if got.Name != "events" {
		t.Errorf("expected name events, got %s", got.Name)
	}
	if _, err := c.GetTable(ctx, "nope"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("expected ErrTableNotFound, got %v", err)
	}
}

func TestCatalog_TableIDsIncludesMetadata(t *testing.T) {
	ctx := context.Background()
	c := New(metadata.NewMockStore())
	for _, id := range []kv.TableID{"a", "b"} {
		if _, err := c.CreateTable(ctx, id, string(id), 0); err != nil {
			t.Fatalf("CreateTable failed: %v", err)
		}
	}

	ids, err := c.TableIDs(ctx)
	if err != nil {
		t.Fatalf("TableIDs failed: %v", err)
	}
	for _, id := range []kv.TableID{"a", "b", kv.MetadataTableID} {
		if _, ok := ids[id]; !ok {
			t.Errorf("expected %s in table ids", id)
		}
	}
	if exists, _ := c.TableExists(ctx, kv.MetadataTableID); !exists {
		t.Error("metadata table should always exist")
	}
}

func TestCatalog_TabletRows(t *testing.T) {
	ctx := context.Background()
	c := New(metadata.NewMockStore())

	first := kv.NewExtent("t1", "m", "")
	last := kv.NewExtent("t1", "", "m")
	if err := c.AddTablet(ctx, last, "/t-0002"); err != nil {
		t.Fatalf("AddTablet failed: %v", err)
	}
	if err := c.AddTablet(ctx, first, "/default_tablet"); err != nil {
		t.Fatalf("AddTablet failed: %v", err)
	}
	if err := c.AddFile(ctx, first, "/default_tablet/F0000.rf", 1024); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}
	if err := c.AddScanReference(ctx, first, "/default_tablet/F0001.rf"); err != nil {
		t.Fatalf("AddScanReference failed: %v", err)
	}
	if err := c.SetLocation(ctx, last, "host:9997"); err != nil {
		t.Fatalf("SetLocation failed: %v", err)
	}

	tablets, err := c.Tablets(ctx)
	if err != nil {
		t.Fatalf("Tablets failed: %v", err)
	}
	if len(tablets) != 2 {
		t.Fatalf("expected 2 tablets, got %d", len(tablets))
	}
	if tablets[0].Extent != first || tablets[1].Extent != last {
		t.Errorf("unexpected tablet order: %v, %v", tablets[0].Extent, tablets[1].Extent)
	}
	if tablets[0].Dir != "/default_tablet" {
		t.Errorf("expected dir /default_tablet, got %q", tablets[0].Dir)
	}
	if tablets[0].Files["/default_tablet/F0000.rf"] != 1024 {
		t.Errorf("unexpected files: %v", tablets[0].Files)
	}
	if len(tablets[0].Scans) != 1 {
		t.Errorf("expected 1 scan reference, got %v", tablets[0].Scans)
	}

	assigned, err := c.TabletsAssignedTo(ctx, "host:9997")
	if err != nil {
		t.Fatalf("TabletsAssignedTo failed: %v", err)
	}
	if len(assigned) != 1 || assigned[0].Extent != last {
		t.Errorf("unexpected assignment: %+v", assigned)
	}

	info, err := c.GetTablet(ctx, first)
	if err != nil {
		t.Fatalf("GetTablet failed: %v", err)
	}
	if info.Extent != first {
		t.Errorf("expected %v, got %v", first, info.Extent)
	}

	if err := c.RemoveFile(ctx, first, "/default_tablet/F0000.rf"); err != nil {
		t.Fatalf("RemoveFile failed: %v", err)
	}
	if err := c.DeleteTablet(ctx, first); err != nil {
		t.Fatalf("DeleteTablet failed: %v", err)
	}
	if _, err := c.GetTablet(ctx, first); !errors.Is(err, ErrTabletNotFound) {
		t.Errorf("expected ErrTabletNotFound, got %v", err)
	}
	if _, err := c.GetTablet(ctx, last); err != nil {
		t.Errorf("other tablet should survive: %v", err)
	}
}

func TestCatalog_ScanReferencesFiltersColumns(t *testing.T) {
	ctx := context.Background()
	c := New(metadata.NewMockStore())

	e := kv.NewExtent("1636", "", "")
	if err := c.AddTablet(ctx, e, "/default_tablet"); err != nil {
		t.Fatalf("AddTablet failed: %v", err)
	}
	if err := c.AddFile(ctx, e, "../9/default_tablet/someFile", 1); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}
	if err := c.SetLocation(ctx, e, "host:9997"); err != nil {
		t.Fatalf("SetLocation failed: %v", err)
	}

	var refs []Reference
	err := c.ScanReferences(ctx, func(r Reference) error {
		refs = append(refs, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanReferences failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected file and dir references only, got %+v", refs)
	}
	for _, r := range refs {
		if r.Table != "1636" || r.Row != "1636<" {
			t.Errorf("unexpected reference row: %+v", r)
		}
	}

	if got := ReferencePath("1636", "../9/default_tablet/someFile"); got != "/9/default_tablet/someFile" {
		t.Errorf("unexpected relative reference path %s", got)
	}
	if got := ReferencePath("1636", "/default_tablet/F1.rf"); got != "/1636/default_tablet/F1.rf" {
		t.Errorf("unexpected reference path %s", got)
	}
}

func TestCatalog_ScanDeleteFlagsResume(t *testing.T) {
	ctx := context.Background()
	c := New(metadata.NewMockStore(), WithPageSize(3))

	var paths []string
	for i := 0; i < 10; i++ {
		paths = append(paths, fmt.Sprintf("/t/dir/F%04d.rf", i))
	}
	if err := c.FlagForDeletion(ctx, paths...); err != nil {
		t.Fatalf("FlagForDeletion failed: %v", err)
	}

	var seen []string
	var resume string
	err := c.ScanDeleteFlags(ctx, "", func(f DeleteFlag) bool {
		seen = append(seen, f.Path)
		if len(seen) == 5 {
			resume = f.Key
			return false
		}
		return true
	})
	if err != nil {
		t.Fatalf("ScanDeleteFlags failed: %v", err)
	}
	if len(seen) != 5 {
		t.Fatalf("expected the scan to stop after 5 flags, got %d", len(seen))
	}

	var rest []string
	err = c.ScanDeleteFlags(ctx, resume, func(f DeleteFlag) bool {
		rest = append(rest, f.Path)
		return true
	})
	if err != nil {
		t.Fatalf("ScanDeleteFlags failed: %v", err)
	}
	// Resuming is inclusive of the flag the first scan stopped on.
	if len(rest) != 6 || rest[0] != seen[4] {
		t.Errorf("unexpected resumed scan: %v", rest)
	}
}

func TestCatalog_FlagWriter(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	c := New(meta)

	if err := c.FlagForDeletion(ctx, "/a/b", "/a/b/c", "/x/y"); err != nil {
		t.Fatalf("FlagForDeletion failed: %v", err)
	}

	w := c.NewFlagWriter(2)
	if err := w.Remove(ctx, "/a/b"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got, _ := meta.Get(ctx, keys.DeleteFlagKeyPath("/a/b")); !got.Exists {
		t.Error("flag should remain until the batch is flushed")
	}
	if err := w.Remove(ctx, "/a/b/c"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got, _ := meta.Get(ctx, keys.DeleteFlagKeyPath("/a/b")); got.Exists {
		t.Error("full batch should flush")
	}
	if err := w.Remove(ctx, "/x/y"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if w.Removed() != 3 {
		t.Errorf("expected 3 removals, got %d", w.Removed())
	}
	if err := w.Remove(ctx, "/late"); err == nil {
		t.Error("expected error after close")
	}
}

func TestCatalog_BulkMarkers(t *testing.T) {
	ctx := context.Background()
	c := New(metadata.NewMockStore())

	for _, d := range []string{"/5/b-0002", "/1636/b-0001"} {
		if err := c.AddBulkMarker(ctx, d); err != nil {
			t.Fatalf("AddBulkMarker failed: %v", err)
		}
	}
	dirs, err := c.BulkMarkers(ctx)
	if err != nil {
		t.Fatalf("BulkMarkers failed: %v", err)
	}
	if len(dirs) != 2 || dirs[0] != "/1636/b-0001" {
		t.Errorf("unexpected markers: %v", dirs)
	}
	if err := c.RemoveBulkMarker(ctx, "/5/b-0002"); err != nil {
		t.Fatalf("RemoveBulkMarker failed: %v", err)
	}
	dirs, _ = c.BulkMarkers(ctx)
	if len(dirs) != 1 {
		t.Errorf("expected 1 marker, got %v", dirs)
	}
}

func TestCatalog_DeleteTableFlagsStorage(t *testing.T) {
	ctx := context.Background()
	c := New(metadata.NewMockStore())

	if _, err := c.CreateTable(ctx, "7", "doomed", 0); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	e := kv.NewExtent("7", "", "")
	if err := c.AddTablet(ctx, e, "/default_tablet"); err != nil {
		t.Fatalf("AddTablet failed: %v", err)
	}
	if err := c.AddFile(ctx, e, "/default_tablet/F0.rf", 10); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}

	if err := c.DeleteTable(ctx, "7"); err != nil {
		t.Fatalf("DeleteTable failed: %v", err)
	}

	var flagged []string
	_ = c.ScanDeleteFlags(ctx, "", func(f DeleteFlag) bool {
		flagged = append(flagged, f.Path)
		return true
	})
	want := map[string]bool{"/7/default_tablet": true, "/7/default_tablet/F0.rf": true}
	if len(flagged) != len(want) {
		t.Fatalf("expected %d flags, got %v", len(want), flagged)
	}
	for _, f := range flagged {
		if !want[f] {
			t.Errorf("unexpected flag %s", f)
		}
	}

	if exists, _ := c.TableExists(ctx, "7"); exists {
		t.Error("table should be gone")
	}
	if tablets, _ := c.TabletsForTable(ctx, "7"); len(tablets) != 0 {
		t.Errorf("expected no tablets, got %v", tablets)
	}
	if err := c.DeleteTable(ctx, kv.MetadataTableID); !errors.Is(err, ErrMetadataReadOnly) {
		t.Errorf("expected ErrMetadataReadOnly, got %v", err)
	}
}
