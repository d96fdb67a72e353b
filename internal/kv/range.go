package kv

import "fmt"

// Range is a contiguous span of keys. A nil Start or End is unbounded.
type Range struct {
	Start          *Key `json:"start,omitempty"`
	StartInclusive bool `json:"startInclusive"`
	End            *Key `json:"end,omitempty"`
	EndInclusive   bool `json:"endInclusive"`
}

// NewRowRange returns the range covering rows start through end,
// inclusive. Either bound may be nil.
func NewRowRange(start, end []byte) Range {
	r := Range{StartInclusive: true}
	if start != nil {
		k := RowStartKey(start)
		r.Start = &k
	}
	if end != nil {
		k := RowStartKey(FollowingRow(end))
		r.End = &k
	}
	return r
}

// ExactRow returns the range covering exactly one row.
func ExactRow(row []byte) Range {
	return NewRowRange(row, row)
}

// InfiniteRange covers every key.
func InfiniteRange() Range {
	return Range{StartInclusive: true}
}

// BeforeStart reports whether k sorts before the start of the range.
func (r Range) BeforeStart(k Key) bool {
	if r.Start == nil {
		return false
	}
	c := k.Compare(*r.Start)
	if r.StartInclusive {
		return c < 0
	}
	return c <= 0
}

// AfterEnd reports whether k sorts after the end of the range.
func (r Range) AfterEnd(k Key) bool {
	if r.End == nil {
		return false
	}
	c := k.Compare(*r.End)
	if r.EndInclusive {
		return c > 0
	}
	return c >= 0
}

// Contains reports whether k is within the range.
func (r Range) Contains(k Key) bool {
	return !r.BeforeStart(k) && !r.AfterEnd(k)
}

// ResumeAfter returns the part of r that follows k, with k excluded.
func (r Range) ResumeAfter(k Key) Range {
	start := k.Clone()
	return Range{Start: &start, StartInclusive: false, End: r.End, EndInclusive: r.EndInclusive}
}

func (r Range) String() string {
	open, closeBr := "(", ")"
	if r.StartInclusive {
		open = "["
	}
	if r.EndInclusive {
		closeBr = "]"
	}
	start, end := "-inf", "+inf"
	if r.Start != nil {
		start = fmt.Sprintf("%q", r.Start.Row)
	}
	if r.End != nil {
		end = fmt.Sprintf("%q", r.End.Row)
	}
	return open + start + "," + end + closeBr
}
