// Package kv defines the data model shared by the tablet server, the
// garbage collector, and the RPC layer: keys, ranges, mutations,
// authorizations, and the extents that partition a table's keyspace.
package kv

import (
	"bytes"
	"fmt"
	"math"
)

// Key identifies a single cell version. Keys order by row, family,
// qualifier, and visibility ascending, then by timestamp descending so
// that the newest version of a cell is seen first. A delete marker sorts
// ahead of a put with the same timestamp.
type Key struct {
	Row        []byte `json:"row"`
	Family     []byte `json:"family,omitempty"`
	Qualifier  []byte `json:"qualifier,omitempty"`
	Visibility []byte `json:"visibility,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Deleted    bool   `json:"deleted,omitempty"`
}

// RowStartKey returns the smallest possible key within row.
func RowStartKey(row []byte) Key {
	return Key{Row: row, Timestamp: math.MaxInt64, Deleted: true}
}

// FollowingRow returns the smallest row that sorts after row.
func FollowingRow(row []byte) []byte {
	next := make([]byte, len(row)+1)
	copy(next, row)
	return next
}

// Compare returns -1, 0 or 1 depending on the order of k relative to o.
func (k Key) Compare(o Key) int {
	if c := k.CompareCoordinate(o); c != 0 {
		return c
	}
	if k.Timestamp != o.Timestamp {
		if k.Timestamp > o.Timestamp {
			return -1
		}
		return 1
	}
	if k.Deleted != o.Deleted {
		if k.Deleted {
			return -1
		}
		return 1
	}
	return 0
}

// CompareCoordinate compares only row, family, qualifier, and visibility.
func (k Key) CompareCoordinate(o Key) int {
	if c := bytes.Compare(k.Row, o.Row); c != 0 {
		return c
	}
	if c := bytes.Compare(k.Family, o.Family); c != 0 {
		return c
	}
	if c := bytes.Compare(k.Qualifier, o.Qualifier); c != 0 {
		return c
	}
	return bytes.Compare(k.Visibility, o.Visibility)
}

// SameCoordinate reports whether k and o address the same cell.
func (k Key) SameCoordinate(o Key) bool {
	return k.CompareCoordinate(o) == 0
}

// Size is the approximate number of bytes the key occupies.
func (k Key) Size() int64 {
	return int64(len(k.Row)+len(k.Family)+len(k.Qualifier)+len(k.Visibility)) + 8
}

// Clone returns a deep copy of k.
func (k Key) Clone() Key {
	return Key{
		Row:        bytes.Clone(k.Row),
		Family:     bytes.Clone(k.Family),
		Qualifier:  bytes.Clone(k.Qualifier),
		Visibility: bytes.Clone(k.Visibility),
		Timestamp:  k.Timestamp,
		Deleted:    k.Deleted,
	}
}

func (k Key) String() string {
	del := ""
	if k.Deleted {
		del = " (deleted)"
	}
	return fmt.Sprintf("%q %q:%q [%s] %d%s", k.Row, k.Family, k.Qualifier, k.Visibility, k.Timestamp, del)
}

// KeyValue is a key paired with its value.
type KeyValue struct {
	Key   Key    `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Size is the approximate number of bytes the entry occupies.
func (kv KeyValue) Size() int64 {
	return kv.Key.Size() + int64(len(kv.Value))
}

// Column selects a whole family when Qualifier is nil, or a single
// family:qualifier pair otherwise.
type Column struct {
	Family    []byte `json:"family"`
	Qualifier []byte `json:"qualifier,omitempty"`
}

// Matches reports whether the key falls in this column.
func (c Column) Matches(k Key) bool {
	if !bytes.Equal(c.Family, k.Family) {
		return false
	}
	return c.Qualifier == nil || bytes.Equal(c.Qualifier, k.Qualifier)
}

func (c Column) String() string {
	if c.Qualifier == nil {
		return string(c.Family)
	}
	return string(c.Family) + ":" + string(c.Qualifier)
}

// MatchesAny reports whether k falls in any of the columns. An empty
// column list matches everything.
func MatchesAny(columns []Column, k Key) bool {
	if len(columns) == 0 {
		return true
	}
	for _, c := range columns {
		if c.Matches(k) {
			return true
		}
	}
	return false
}

// IteratorSetting configures one server-side iterator in a scan's stack.
// Iterators are applied in ascending priority order.
type IteratorSetting struct {
	Priority int               `json:"priority"`
	Name     string            `json:"name"`
	Class    string            `json:"class"`
	Options  map[string]string `json:"options,omitempty"`
}
