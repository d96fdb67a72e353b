package kv

import (
	"errors"
	"testing"
)

func TestKeyOrdering(t *testing.T) {
	a := Key{Row: []byte("a"), Family: []byte("f"), Timestamp: 10}
	aOld := Key{Row: []byte("a"), Family: []byte("f"), Timestamp: 5}
	aDel := Key{Row: []byte("a"), Family: []byte("f"), Timestamp: 10, Deleted: true}
	b := Key{Row: []byte("b"), Timestamp: 1}

	if a.Compare(aOld) >= 0 {
		t.Errorf("newer version should sort first")
	}
	if aDel.Compare(a) >= 0 {
		t.Errorf("delete should sort ahead of put at same timestamp")
	}
	if a.Compare(b) >= 0 {
		t.Errorf("row a should sort before row b")
	}
	if !a.SameCoordinate(aOld) {
		t.Errorf("expected same coordinate")
	}
	start := RowStartKey([]byte("a"))
	if start.Compare(aDel) > 0 {
		t.Errorf("row start key must sort before every key of the row")
	}
}

func TestRowRange(t *testing.T) {
	r := NewRowRange([]byte("b"), []byte("d"))
	cases := []struct {
		row  string
		want bool
	}{
		{"a", false},
		{"b", true},
		{"c", true},
		{"d", true},
		{"d\x00", false},
		{"e", false},
	}
	for _, tc := range cases {
		k := Key{Row: []byte(tc.row), Family: []byte("f"), Timestamp: 1}
		if got := r.Contains(k); got != tc.want {
			t.Errorf("Contains(%q) = %v, want %v", tc.row, got, tc.want)
		}
	}

	if !InfiniteRange().Contains(Key{Row: []byte("zzz")}) {
		t.Errorf("infinite range should contain everything")
	}
}

func TestResumeAfterExcludesKey(t *testing.T) {
	r := InfiniteRange()
	k := Key{Row: []byte("r"), Family: []byte("f"), Timestamp: 3}
	next := r.ResumeAfter(k)
	if next.Contains(k) {
		t.Fatalf("resumed range must exclude the last key")
	}
	older := Key{Row: []byte("r"), Family: []byte("f"), Timestamp: 2}
	if !next.Contains(older) {
		t.Fatalf("resumed range must include the following key")
	}
}

func TestColumnMatches(t *testing.T) {
	k := Key{Row: []byte("r"), Family: []byte("file"), Qualifier: []byte("/a")}
	if !(Column{Family: []byte("file")}).Matches(k) {
		t.Errorf("family column should match")
	}
	if (Column{Family: []byte("file"), Qualifier: []byte("/b")}).Matches(k) {
		t.Errorf("different qualifier should not match")
	}
	if !MatchesAny(nil, k) {
		t.Errorf("empty column list should match")
	}
}

func TestMutationSize(t *testing.T) {
	m := NewMutation([]byte("row")).
		Put([]byte("f"), []byte("q"), nil, []byte("value"))
	// 3 row + (1 + 1 + 0 + 5 + 10)
	if got := m.Size(); got != 20 {
		t.Fatalf("Size = %d, want 20", got)
	}
	if got := TotalSize([]Mutation{*m, *m}); got != 40 {
		t.Fatalf("TotalSize = %d, want 40", got)
	}
}

func TestExtentContainsRow(t *testing.T) {
	e := NewExtent("1", "m", "c")
	for row, want := range map[string]bool{"c": false, "ca": true, "m": true, "ma": false} {
		if got := e.ContainsRow([]byte(row)); got != want {
			t.Errorf("ContainsRow(%q) = %v, want %v", row, got, want)
		}
	}
	whole := NewExtent("1", "", "")
	if !whole.ContainsRow([]byte("anything")) {
		t.Errorf("unbounded extent should contain every row")
	}
	r := e.Range()
	if r.Contains(Key{Row: []byte("c"), Timestamp: 1}) || !r.Contains(Key{Row: []byte("m"), Timestamp: 1}) {
		t.Errorf("range %s does not match extent bounds", r)
	}
}

func TestMetadataRow(t *testing.T) {
	cases := []struct {
		e    Extent
		want string
	}{
		{NewExtent("1636", "", ""), "1636<"},
		{NewExtent("1636", "m", ""), "1636;m"},
		{RootExtent, "!0;!0<"},
	}
	for _, tc := range cases {
		row := tc.e.MetadataRow()
		if row != tc.want {
			t.Errorf("MetadataRow(%s) = %q, want %q", tc.e, row, tc.want)
		}
		table, end, err := ParseMetadataRow(row)
		if err != nil {
			t.Fatalf("ParseMetadataRow(%q): %v", row, err)
		}
		if table != tc.e.Table || end != tc.e.EndRow {
			t.Errorf("ParseMetadataRow(%q) = %s %q", row, table, end)
		}
	}
	if _, _, err := ParseMetadataRow("garbage"); err == nil {
		t.Errorf("expected error for malformed row")
	}
}

func TestClassOf(t *testing.T) {
	user1 := NewExtent("1", "m", "")
	user2 := NewExtent("2", "", "")
	meta := NewExtent(MetadataTableID, "", RootExtent.EndRow)

	if c, err := ClassOf([]Extent{RootExtent}); err != nil || c != ClassRoot {
		t.Errorf("root alone: %v %v", c, err)
	}
	if c, err := ClassOf([]Extent{user1, user2}); err != nil || c != ClassUser {
		t.Errorf("users: %v %v", c, err)
	}
	if c, err := ClassOf([]Extent{meta}); err != nil || c != ClassMetadata {
		t.Errorf("meta: %v %v", c, err)
	}
	if _, err := ClassOf([]Extent{RootExtent, meta}); !errors.Is(err, ErrMixedRootTablet) {
		t.Errorf("root+meta: %v", err)
	}
	if _, err := ClassOf([]Extent{user1, meta}); !errors.Is(err, ErrMixedMetaTablets) {
		t.Errorf("user+meta: %v", err)
	}
	if _, err := ClassOf(nil); !errors.Is(err, ErrNoExtents) {
		t.Errorf("empty: %v", err)
	}
}

func TestAuthorizations(t *testing.T) {
	a := NewAuthorizations("b", "a", "b", "")
	if len(a) != 2 || a[0] != "a" || a[1] != "b" {
		t.Fatalf("NewAuthorizations = %v", a)
	}
	if !a.ContainsAll(NewAuthorizations("a")) {
		t.Errorf("expected subset")
	}
	if a.ContainsAll(NewAuthorizations("a", "c")) {
		t.Errorf("c is not held")
	}
}

func TestVisibility(t *testing.T) {
	auths := NewAuthorizations("admin", "ops")
	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"admin", true},
		{"audit", false},
		{"admin&ops", true},
		{"admin&audit", false},
		{"audit|ops", true},
		{"admin&(audit|ops)", true},
		{"(audit|x)&admin", false},
		{`"admin"`, true},
		{`"we ird"|ops`, true},
	}
	for _, tc := range cases {
		v, err := ParseVisibility([]byte(tc.expr))
		if err != nil {
			t.Fatalf("ParseVisibility(%q): %v", tc.expr, err)
		}
		if got := v.Evaluate(auths); got != tc.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}

	for _, bad := range []string{"a&b|c", "(a", "a&", "&a", `"unterminated`, "a)"} {
		if _, err := ParseVisibility([]byte(bad)); !errors.Is(err, ErrBadVisibility) {
			t.Errorf("ParseVisibility(%q) err = %v, want ErrBadVisibility", bad, err)
		}
	}
}
