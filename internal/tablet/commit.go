package tablet

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble/v2"

	"github.com/shale-io/shale/internal/constraints"
	"github.com/shale-io/shale/internal/kv"
)

var commitSeq atomic.Int64

// CommitSession is a prepared batch of mutations for one tablet. It must
// end with exactly one Commit or Abort.
type CommitSession struct {
	tablet     *Tablet
	seq        int64
	mutations  []kv.Mutation
	violations []constraints.Violation
	done       atomic.Bool
}

// Seq identifies the session in the write-ahead log.
func (cs *CommitSession) Seq() int64 { return cs.seq }

// Extent is the tablet the session commits to.
func (cs *CommitSession) Extent() kv.Extent { return cs.tablet.extent }

// Mutations are the prepared mutations that passed every constraint.
func (cs *CommitSession) Mutations() []kv.Mutation { return cs.mutations }

// Violations are the constraint failures of the rejected mutations.
func (cs *CommitSession) Violations() []constraints.Violation { return cs.violations }

// PrepareMutationsForCommit checks mutations against the tablet's
// constraints. It returns a nil session, and no error, when the tablet is
// closed. Mutations that violate a constraint are left out of the session
// and reported by its Violations. A row outside the extent is an error.
func (t *Tablet) PrepareMutationsForCommit(env constraints.Environment, mutations []kv.Mutation) (*CommitSession, error) {
	for i := range mutations {
		if !t.extent.ContainsRow(mutations[i].Row) {
			return nil, fmt.Errorf("%w: %q not in %s", ErrRowOutOfRange, mutations[i].Row, t.extent)
		}
	}

	env.Extent = t.extent
	cs := &CommitSession{tablet: t, seq: commitSeq.Add(1)}
	for i := range mutations {
		if v := t.store.checker.Check(env, &mutations[i]); len(v) > 0 {
			cs.violations = append(cs.violations, v...)
			continue
		}
		cs.mutations = append(cs.mutations, mutations[i])
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil
	}
	t.commits++
	return cs, nil
}

// Commit writes the session's mutations. Updates without an explicit
// timestamp get the tablet's current time.
func (cs *CommitSession) Commit() error {
	if !cs.done.CompareAndSwap(false, true) {
		return fmt.Errorf("tablet: commit session %d already finished", cs.seq)
	}
	t := cs.tablet
	defer t.finishCommit()

	ts := t.nextTime()
	b := t.store.db.NewBatch()
	defer b.Close()
	for _, m := range cs.mutations {
		for _, u := range m.Updates {
			k := kv.Key{
				Row:        m.Row,
				Family:     u.Family,
				Qualifier:  u.Qualifier,
				Visibility: u.Visibility,
				Timestamp:  ts,
				Deleted:    u.Deleted,
			}
			if u.HasTimestamp {
				k.Timestamp = u.Timestamp
			}
			if err := b.Set(encodeKey(t.extent.Table, k), u.Value, nil); err != nil {
				return fmt.Errorf("tablet: batch set: %w", err)
			}
		}
	}
	// Durability comes from the write-ahead log written before Commit.
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("tablet: commit: %w", err)
	}
	return nil
}

// Abort releases a prepared session without writing it.
func (cs *CommitSession) Abort() {
	if cs.done.CompareAndSwap(false, true) {
		cs.tablet.finishCommit()
	}
}

func (t *Tablet) finishCommit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commits--
	t.cond.Broadcast()
}

func (t *Tablet) nextTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UnixMilli()
	if now > t.lastTime {
		t.lastTime = now
	}
	return t.lastTime
}
