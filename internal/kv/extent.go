package kv

import (
	"errors"
	"strings"
)

// TableID identifies a table independently of its user-visible name.
type TableID string

// MetadataTableID is the id of the table that describes every other
// tablet, including its own.
const MetadataTableID TableID = "!0"

// RootExtent is the single tablet of the metadata table that describes the
// remaining metadata tablets.
var RootExtent = Extent{Table: MetadataTableID, EndRow: string(MetadataTableID) + "<"}

// Extent is the row span of a table served as one tablet. Rows in the
// extent satisfy PrevEndRow < row <= EndRow. An empty EndRow or PrevEndRow
// is unbounded on that side.
//
// Extent is comparable so it can key maps.
type Extent struct {
	Table      TableID `json:"table"`
	EndRow     string  `json:"endRow,omitempty"`
	PrevEndRow string  `json:"prevEndRow,omitempty"`
}

// NewExtent returns an extent for table.
func NewExtent(table TableID, endRow, prevEndRow string) Extent {
	return Extent{Table: table, EndRow: endRow, PrevEndRow: prevEndRow}
}

// IsRootTablet reports whether e is the root tablet.
func (e Extent) IsRootTablet() bool {
	return e == RootExtent
}

// IsMeta reports whether e belongs to the metadata table.
func (e Extent) IsMeta() bool {
	return e.Table == MetadataTableID
}

// Class returns the scheduling class of the extent.
func (e Extent) Class() Class {
	switch {
	case e.IsRootTablet():
		return ClassRoot
	case e.IsMeta():
		return ClassMetadata
	default:
		return ClassUser
	}
}

// ContainsRow reports whether row falls within the extent.
func (e Extent) ContainsRow(row []byte) bool {
	r := string(row)
	if e.PrevEndRow != "" && r <= e.PrevEndRow {
		return false
	}
	return e.EndRow == "" || r <= e.EndRow
}

// Range returns the key range spanned by the extent.
func (e Extent) Range() Range {
	r := Range{StartInclusive: false}
	if e.PrevEndRow != "" {
		k := RowStartKey(FollowingRow([]byte(e.PrevEndRow)))
		r.Start = &k
		r.StartInclusive = true
	}
	if e.EndRow != "" {
		k := RowStartKey(FollowingRow([]byte(e.EndRow)))
		r.End = &k
	}
	return r
}

// MetadataRow returns the row key describing this extent in the metadata
// table: "<table>;<endRow>", or "<table><" for the last tablet.
func (e Extent) MetadataRow() string {
	if e.EndRow == "" {
		return string(e.Table) + "<"
	}
	return string(e.Table) + ";" + e.EndRow
}

// ParseMetadataRow returns the table id and end row encoded in a metadata
// row key.
func ParseMetadataRow(row string) (TableID, string, error) {
	if i := strings.IndexByte(row, ';'); i > 0 {
		return TableID(row[:i]), row[i+1:], nil
	}
	if strings.HasSuffix(row, "<") && len(row) > 1 {
		return TableID(row[:len(row)-1]), "", nil
	}
	return "", "", errors.New("kv: malformed metadata row " + row)
}

func (e Extent) String() string {
	var b strings.Builder
	b.WriteString(string(e.Table))
	if e.EndRow == "" {
		b.WriteByte('<')
	} else {
		b.WriteByte(';')
		b.WriteString(e.EndRow)
	}
	if e.PrevEndRow == "" {
		b.WriteByte('<')
	} else {
		b.WriteByte(';')
		b.WriteString(e.PrevEndRow)
	}
	return b.String()
}

// Class partitions tablets for scheduling and write tracking. Reads of
// one class never wait on writes to another.
type Class int

const (
	// ClassRoot is the root tablet only.
	ClassRoot Class = iota
	// ClassMetadata is every other metadata tablet.
	ClassMetadata
	// ClassUser is every tablet of a user table.
	ClassUser
)

// Classes lists every class in order.
var Classes = []Class{ClassRoot, ClassMetadata, ClassUser}

func (c Class) String() string {
	switch c {
	case ClassRoot:
		return "root"
	case ClassMetadata:
		return "metadata"
	case ClassUser:
		return "user"
	default:
		return "unknown"
	}
}

// Errors returned by ClassOf.
var (
	ErrNoExtents        = errors.New("kv: no extents")
	ErrMixedRootTablet  = errors.New("kv: can not mix root tablet with other tablets")
	ErrMixedMetaTablets = errors.New("kv: can not mix metadata tablets with non metadata tablets")
)

// ClassOf returns the common class of a set of extents.
func ClassOf(extents []Extent) (Class, error) {
	if len(extents) == 0 {
		return 0, ErrNoExtents
	}
	first := extents[0].Class()
	if len(extents) == 1 {
		return first, nil
	}
	for _, e := range extents {
		if e.IsRootTablet() {
			return 0, ErrMixedRootTablet
		}
	}
	for _, e := range extents[1:] {
		if e.Class() != first {
			return 0, ErrMixedMetaTablets
		}
	}
	return first, nil
}
