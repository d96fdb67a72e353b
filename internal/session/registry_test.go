package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shale-io/shale/internal/logging"
)

type testSession struct {
	Base
	cleanups atomic.Int32
}

func (s *testSession) Kind() Kind { return KindScan }
func (s *testSession) Cleanup()   { s.cleanups.Add(1) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(maxIdle time.Duration) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewRegistry(Config{MaxIdle: maxIdle, Logger: logging.NewNop(), Now: clock.Now})
	return r, clock
}

func TestCreateAndReserve(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	s := &testSession{}
	id, err := r.Create(s, false)
	require.NoError(t, err)

	got, err := r.Reserve(id)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Reserve(id)
	assert.ErrorIs(t, err, ErrAlreadyReserved)

	require.NoError(t, r.Unreserve(s))
	assert.ErrorIs(t, r.Unreserve(s), ErrNotReserved)

	_, err = r.Reserve(id)
	require.NoError(t, err)
}

func TestCreateReserved(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	s := &testSession{}
	id, err := r.Create(s, true)
	require.NoError(t, err)
	_, err = r.Reserve(id)
	assert.ErrorIs(t, err, ErrAlreadyReserved)
	require.NoError(t, r.UnreserveID(id))
}

func TestReserveUnknown(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	s, err := r.Reserve(12345)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Nil(t, r.Get(12345))
	assert.Nil(t, r.Remove(12345))
}

func TestIDsAreUnique(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		id, err := r.Create(&testSession{}, false)
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 1000, r.Len())
}

func TestRemoveRunsCleanupOnce(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	s := &testSession{}
	id, _ := r.Create(s, false)

	assert.Same(t, s, r.Remove(id))
	assert.Nil(t, r.Remove(id))
	assert.Equal(t, int32(1), s.cleanups.Load())
}

func TestSweepIdle(t *testing.T) {
	r, clock := newTestRegistry(time.Minute)
	idle := &testSession{}
	busy := &testSession{}
	fresh := &testSession{}
	idleID, _ := r.Create(idle, false)
	_, _ = r.Create(busy, true)

	clock.Advance(2 * time.Minute)
	_, _ = r.Create(fresh, false)

	assert.Equal(t, 1, r.SweepIdle())
	assert.Equal(t, int32(1), idle.cleanups.Load())
	assert.Zero(t, busy.cleanups.Load(), "reserved sessions are never swept")
	assert.Zero(t, fresh.cleanups.Load())
	assert.Nil(t, r.Get(idleID))

	assert.Equal(t, 0, r.SweepIdle())
	assert.Equal(t, int32(1), idle.cleanups.Load())
}

func TestGetRefreshesAccess(t *testing.T) {
	r, clock := newTestRegistry(time.Minute)
	s := &testSession{}
	id, _ := r.Create(s, false)

	clock.Advance(50 * time.Second)
	require.NotNil(t, r.Get(id))
	clock.Advance(50 * time.Second)

	assert.Equal(t, 0, r.SweepIdle())
}

func TestRemoveIfNotAccessed(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	s := &testSession{}
	id, _ := r.Create(s, false)

	r.RemoveIfNotAccessed(id, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return s.cleanups.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, r.Len())
}

func TestRemoveIfNotAccessedKeepsAccessedSession(t *testing.T) {
	r, clock := newTestRegistry(time.Minute)
	s := &testSession{}
	id, _ := r.Create(s, false)

	r.RemoveIfNotAccessed(id, 30*time.Millisecond)
	clock.Advance(time.Second)
	_, err := r.Reserve(id)
	require.NoError(t, err)
	require.NoError(t, r.Unreserve(s))

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, s.cleanups.Load())
	assert.Equal(t, 1, r.Len())
}

func TestRemoveIfNotAccessedKeepsReservedSession(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	s := &testSession{}
	id, _ := r.Create(s, false)

	r.RemoveIfNotAccessed(id, 20*time.Millisecond)
	_, err := r.Reserve(id)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, s.cleanups.Load())
}

func TestRemoveIfNotAccessedWhileReservedStartsOnUnreserve(t *testing.T) {
	r, clock := newTestRegistry(time.Minute)
	s := &testSession{}
	id, _ := r.Create(s, true)

	r.RemoveIfNotAccessed(id, 10*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, s.cleanups.Load())

	clock.Advance(time.Second)
	require.NoError(t, r.Unreserve(s))
	assert.Eventually(t, func() bool { return s.cleanups.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, r.Len())
}

func TestSnapshot(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	s := &testSession{Base: Base{Client: "10.0.0.1:5000", User: "root"}}
	id, _ := r.Create(s, true)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, id, snap[0].Info.ID)
	assert.Equal(t, KindScan, snap[0].Info.Kind)
	assert.Equal(t, "root", snap[0].Info.User)
	assert.True(t, snap[0].Info.Reserved)
}

func TestCloseCleansUpEverything(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	r.Start()
	a, b := &testSession{}, &testSession{}
	_, _ = r.Create(a, false)
	_, _ = r.Create(b, true)

	r.Close()
	assert.Equal(t, int32(1), a.cleanups.Load())
	assert.Equal(t, int32(1), b.cleanups.Load())

	_, err := r.Create(&testSession{}, false)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestSweepInterval(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	assert.Equal(t, 30*time.Second, r.SweepInterval())
	r, _ = newTestRegistry(time.Second)
	assert.Equal(t, time.Second, r.SweepInterval())
}
