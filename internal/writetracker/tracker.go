// Package writetracker lets a read wait for every write to its tablet
// class that was already in progress when the read arrived. Writes that
// start after the read began are not waited for.
package writetracker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/shale-io/shale/internal/kv"
)

// NoWrites is the operation id returned when there was nothing to track.
// FinishWrite ignores it.
const NoWrites int64 = -1

// ErrWriteNotInProgress is returned by FinishWrite for an unknown id.
var ErrWriteNotInProgress = errors.New("writetracker: write not in progress")

// Tracker records in progress writes per tablet class.
type Tracker struct {
	mu         sync.Mutex
	cond       *sync.Cond
	next       int64
	inProgress map[kv.Class]*btree.BTreeG[int64]
	classOf    map[int64]kv.Class
}

// New returns an empty tracker.
func New() *Tracker {
	t := &Tracker{
		next:       1,
		inProgress: make(map[kv.Class]*btree.BTreeG[int64], len(kv.Classes)),
		classOf:    make(map[int64]kv.Class),
	}
	for _, c := range kv.Classes {
		t.inProgress[c] = btree.NewOrderedG[int64](8)
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartWrite records a write to class and returns its operation id.
func (t *Tracker) StartWrite(class kv.Class) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.inProgress[class].ReplaceOrInsert(id)
	t.classOf[id] = class
	return id
}

// StartWriteExtents records a write touching extents, which must all share
// one class. An empty set returns NoWrites.
func (t *Tracker) StartWriteExtents(extents []kv.Extent) (int64, error) {
	if len(extents) == 0 {
		return NoWrites, nil
	}
	class := extents[0].Class()
	for _, e := range extents[1:] {
		if e.Class() != class {
			return 0, fmt.Errorf("writetracker: write spans %s and %s tablets", class, e.Class())
		}
	}
	return t.StartWrite(class), nil
}

// FinishWrite ends the write id and wakes every waiting reader.
func (t *Tracker) FinishWrite(id int64) error {
	if id == NoWrites {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	class, ok := t.classOf[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrWriteNotInProgress, id)
	}
	delete(t.classOf, id)
	t.inProgress[class].Delete(id)
	t.cond.Broadcast()
	return nil
}

// WaitForWrites blocks until every write to class that started before the
// call has finished. It has no timeout: writes in progress are expected to
// complete promptly.
func (t *Tracker) WaitForWrites(class kv.Class) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mark := t.next
	t.next++
	for t.hasWriteAtOrBelow(class, mark) {
		t.cond.Wait()
	}
}

func (t *Tracker) hasWriteAtOrBelow(class kv.Class, mark int64) bool {
	found := false
	t.inProgress[class].DescendLessOrEqual(mark, func(int64) bool {
		found = true
		return false
	})
	return found
}

// InProgress returns the number of unfinished writes to class.
func (t *Tracker) InProgress(class kv.Class) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inProgress[class].Len()
}
