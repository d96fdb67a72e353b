package keys

import (
	"errors"
	"strings"
	"testing"
)

func TestEscapeIsSingleSegment(t *testing.T) {
	for _, s := range []string{"/1636/default_tablet/F0000.rf", "a~b", "100%", "host:9997", "!0<"} {
		e := Escape(s)
		if strings.ContainsAny(e, "/~") {
			t.Errorf("Escape(%q) = %q contains a separator", s, e)
		}
		back, err := Unescape(e)
		if err != nil || back != s {
			t.Errorf("Unescape(Escape(%q)) = %q, %v", s, back, err)
		}
	}
}

func TestTabletColumnKey(t *testing.T) {
	tests := []struct {
		row, family, qualifier string
	}{
		{"1636<", "srv", "dir"},
		{"1636;m~x", "file", "/default_tablet/F0001.rf"},
		{"!0<", "file", "../9/default_tablet/F0002.rf"},
		{"2<", "future", ""},
	}
	for _, tc := range tests {
		key := TabletColumnKeyPath(tc.row, tc.family, tc.qualifier)
		if !strings.HasPrefix(key, TabletRowPrefix(tc.row)) {
			t.Errorf("%q lacks row prefix", key)
		}
		if strings.Count(key[len(TabletsPrefix):], "/") != 0 {
			t.Errorf("%q is not a single segment", key)
		}
		row, family, qualifier, err := ParseTabletColumnKey(key)
		if err != nil {
			t.Fatalf("ParseTabletColumnKey(%q): %v", key, err)
		}
		if row != tc.row || family != tc.family || qualifier != tc.qualifier {
			t.Errorf("parsed %q %q %q, want %q %q %q", row, family, qualifier, tc.row, tc.family, tc.qualifier)
		}
	}

	for _, bad := range []string{"/other", TabletsPrefix + "onlyrow", TabletsPrefix + "~f~q"} {
		if _, _, _, err := ParseTabletColumnKey(bad); !errors.Is(err, ErrMalformedKey) {
			t.Errorf("ParseTabletColumnKey(%q) err = %v", bad, err)
		}
	}
}

func TestDeleteFlagAndBulkMarkerKeys(t *testing.T) {
	path := "/1636/default_tablet/F0000.rf"
	got, err := ParseDeleteFlagKey(DeleteFlagKeyPath(path))
	if err != nil || got != path {
		t.Fatalf("delete flag round trip = %q, %v", got, err)
	}
	got, err = ParseBulkMarkerKey(BulkMarkerKeyPath("/1636/b-0001"))
	if err != nil || got != "/1636/b-0001" {
		t.Fatalf("bulk marker round trip = %q, %v", got, err)
	}
	if _, err := ParseDeleteFlagKey(BulkMarkerKeyPath(path)); !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("expected ErrMalformedKey, got %v", err)
	}
}

func TestTableAndLockKeys(t *testing.T) {
	id, err := ParseTableKey(TableKeyPath("1636"))
	if err != nil || id != "1636" {
		t.Fatalf("table round trip = %q, %v", id, err)
	}
	if GCLockKeyPath() != "/shale/v1/locks/gc" {
		t.Errorf("GCLockKeyPath = %s", GCLockKeyPath())
	}
	if k := TServerLockKeyPath("10.0.0.1:9997"); k != "/shale/v1/locks/tservers/10.0.0.1:9997" {
		t.Errorf("TServerLockKeyPath = %s", k)
	}
}
