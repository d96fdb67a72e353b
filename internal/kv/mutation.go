package kv

// ColumnUpdate is one cell change within a mutation. When HasTimestamp is
// false the tablet assigns the commit time.
type ColumnUpdate struct {
	Family       []byte `json:"family"`
	Qualifier    []byte `json:"qualifier,omitempty"`
	Visibility   []byte `json:"visibility,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	HasTimestamp bool   `json:"hasTimestamp,omitempty"`
	Deleted      bool   `json:"deleted,omitempty"`
	Value        []byte `json:"value,omitempty"`
}

// Mutation groups the column updates applied atomically to one row.
type Mutation struct {
	Row     []byte         `json:"row"`
	Updates []ColumnUpdate `json:"updates"`
}

// NewMutation returns an empty mutation for row.
func NewMutation(row []byte) *Mutation {
	return &Mutation{Row: row}
}

// Put appends a cell write.
func (m *Mutation) Put(family, qualifier, visibility, value []byte) *Mutation {
	m.Updates = append(m.Updates, ColumnUpdate{
		Family:     family,
		Qualifier:  qualifier,
		Visibility: visibility,
		Value:      value,
	})
	return m
}

// PutAt appends a cell write with an explicit timestamp.
func (m *Mutation) PutAt(family, qualifier, visibility []byte, ts int64, value []byte) *Mutation {
	m.Updates = append(m.Updates, ColumnUpdate{
		Family:       family,
		Qualifier:    qualifier,
		Visibility:   visibility,
		Timestamp:    ts,
		HasTimestamp: true,
		Value:        value,
	})
	return m
}

// Delete appends a delete marker for a cell.
func (m *Mutation) Delete(family, qualifier, visibility []byte) *Mutation {
	m.Updates = append(m.Updates, ColumnUpdate{
		Family:     family,
		Qualifier:  qualifier,
		Visibility: visibility,
		Deleted:    true,
	})
	return m
}

// Size estimates the memory held by the mutation. Update sessions use it
// to decide when queued mutations must be flushed.
func (m *Mutation) Size() int64 {
	size := int64(len(m.Row))
	for _, u := range m.Updates {
		size += int64(len(u.Family)+len(u.Qualifier)+len(u.Visibility)+len(u.Value)) + 10
	}
	return size
}

// TotalSize sums Size over mutations.
func TotalSize(mutations []Mutation) int64 {
	var total int64
	for i := range mutations {
		total += mutations[i].Size()
	}
	return total
}
