package writetracker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shale-io/shale/internal/kv"
)

func waitAsync(tr *Tracker, class kv.Class) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		tr.WaitForWrites(class)
		close(done)
	}()
	return done
}

func TestWaitWithNoWritesReturns(t *testing.T) {
	tr := New()
	select {
	case <-waitAsync(tr, kv.ClassUser):
	case <-time.After(time.Second):
		t.Fatal("wait with no writes blocked")
	}
}

func TestWaitBlocksUntilPriorWritesFinish(t *testing.T) {
	tr := New()
	w1 := tr.StartWrite(kv.ClassUser)
	w2 := tr.StartWrite(kv.ClassUser)

	done := waitAsync(tr, kv.ClassUser)

	require.NoError(t, tr.FinishWrite(w1))
	select {
	case <-done:
		t.Fatal("wait returned while w2 in progress")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tr.FinishWrite(w2))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after all prior writes finished")
	}
}

func TestLaterWritesDoNotBlockReader(t *testing.T) {
	tr := New()
	w1 := tr.StartWrite(kv.ClassUser)
	done := waitAsync(tr, kv.ClassUser)

	// Give the reader time to take its high water mark.
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.next > w1+1
	}, time.Second, time.Millisecond)

	later := tr.StartWrite(kv.ClassUser)
	require.NoError(t, tr.FinishWrite(w1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader blocked on a write that started after it")
	}
	require.NoError(t, tr.FinishWrite(later))
}

func TestOtherClassDoesNotBlock(t *testing.T) {
	tr := New()
	w := tr.StartWrite(kv.ClassMetadata)
	select {
	case <-waitAsync(tr, kv.ClassUser):
	case <-time.After(time.Second):
		t.Fatal("user read waited on a metadata write")
	}
	assert.Equal(t, 1, tr.InProgress(kv.ClassMetadata))
	require.NoError(t, tr.FinishWrite(w))
}

func TestFinishWrite(t *testing.T) {
	tr := New()
	assert.NoError(t, tr.FinishWrite(NoWrites))
	assert.ErrorIs(t, tr.FinishWrite(99), ErrWriteNotInProgress)

	id := tr.StartWrite(kv.ClassRoot)
	require.NoError(t, tr.FinishWrite(id))
	assert.ErrorIs(t, tr.FinishWrite(id), ErrWriteNotInProgress)
}

func TestStartWriteExtents(t *testing.T) {
	tr := New()
	id, err := tr.StartWriteExtents(nil)
	require.NoError(t, err)
	assert.Equal(t, NoWrites, id)

	users := []kv.Extent{kv.NewExtent("1", "m", ""), kv.NewExtent("1", "", "m")}
	id, err = tr.StartWriteExtents(users)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.InProgress(kv.ClassUser))
	require.NoError(t, tr.FinishWrite(id))

	_, err = tr.StartWriteExtents([]kv.Extent{users[0], kv.RootExtent})
	assert.Error(t, err)
}

func TestManyConcurrentWriters(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := tr.StartWrite(kv.ClassUser)
			time.Sleep(time.Millisecond)
			assert.NoError(t, tr.FinishWrite(id))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, tr.InProgress(kv.ClassUser))
	<-waitAsync(tr, kv.ClassUser)
}
