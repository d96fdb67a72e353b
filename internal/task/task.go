// Package task provides a cancellable unit of background work whose single
// result is handed to whoever waits on it.
//
// A Task is created by the code that will wait for it, handed to a worker
// pool to Run, and later awaited with a bounded timeout. Cancellation is
// cooperative: Cancel raises the task's interrupt flag, and the body is
// expected to poll it between units of work.
package task

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Errors returned by Await.
var (
	ErrCanceled       = errors.New("task: canceled")
	ErrTimeout        = errors.New("task: timed out waiting for result")
	ErrResultConsumed = errors.New("task: result already consumed")
)

// RunState is the externally visible lifecycle of a task.
type RunState int32

const (
	Queued RunState = iota
	Running
	Finished
)

func (s RunState) String() string {
	switch s {
	case Queued:
		return "QUEUED"
	case Running:
		return "RUNNING"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// state of the result slot.
const (
	stateInitial int32 = iota
	stateAdded
	stateCanceled
)

// ExecutionError wraps an error delivered by a task body.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task: execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type result[T any] struct {
	value T
	err   error
}

// Task holds one pending result of type T.
type Task[T any] struct {
	state     atomic.Int32
	runState  atomic.Int32
	interrupt *atomic.Bool
	results   chan result[T]

	mu       sync.Mutex
	consumed bool
}

// New returns a queued task. interrupt is the flag Cancel raises; passing a
// flag shared with the session lets the body observe a cancel issued
// through either. A nil interrupt allocates a private flag.
func New[T any](interrupt *atomic.Bool) *Task[T] {
	if interrupt == nil {
		interrupt = new(atomic.Bool)
	}
	return &Task[T]{
		interrupt: interrupt,
		results:   make(chan result[T], 1),
	}
}

// Interrupt returns the flag the body must poll.
func (t *Task[T]) Interrupt() *atomic.Bool {
	return t.interrupt
}

// RunState reports whether the task is queued, running, or finished.
func (t *Task[T]) RunState() RunState {
	return RunState(t.runState.Load())
}

// Canceled reports whether Cancel took effect.
func (t *Task[T]) Canceled() bool {
	return t.state.Load() == stateCanceled
}

// Run executes body on the calling goroutine and delivers its outcome. A
// task canceled before it starts never calls body.
func (t *Task[T]) Run(body func(interrupt *atomic.Bool) (T, error)) {
	t.runState.Store(int32(Running))
	defer t.runState.Store(int32(Finished))

	if t.Canceled() {
		return
	}
	v, err := body(t.interrupt)
	if err != nil {
		t.AddError(err)
		return
	}
	t.AddResult(v)
}

// AddResult delivers a value. A second delivery panics; a delivery after
// Cancel is dropped.
func (t *Task[T]) AddResult(v T) {
	t.deliver(result[T]{value: v})
}

// AddError delivers a failure. It follows the same rules as AddResult.
func (t *Task[T]) AddError(err error) {
	t.deliver(result[T]{err: err})
}

func (t *Task[T]) deliver(r result[T]) {
	if t.state.CompareAndSwap(stateInitial, stateAdded) {
		t.results <- r
		return
	}
	if t.state.Load() == stateAdded {
		panic("task: result delivered twice")
	}
}

// Cancel stops a task that has not produced a result yet and raises its
// interrupt flag. It returns false when a result was already delivered, in
// which case the result is left untouched.
func (t *Task[T]) Cancel() bool {
	if t.state.CompareAndSwap(stateInitial, stateCanceled) {
		t.interrupt.Store(true)
		return true
	}
	return t.state.Load() == stateCanceled
}

// Await waits up to timeout for the result. A delivered error comes back
// as an *ExecutionError. The result can be taken only once; a later call
// returns ErrResultConsumed.
func (t *Task[T]) Await(timeout time.Duration) (T, error) {
	var zero T

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumed {
		return zero, ErrResultConsumed
	}
	if t.Canceled() {
		return zero, ErrCanceled
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-t.results:
		t.consumed = true
		if r.err != nil {
			return zero, &ExecutionError{Err: r.err}
		}
		return r.value, nil
	case <-timer.C:
		if t.Canceled() {
			return zero, ErrCanceled
		}
		return zero, ErrTimeout
	}
}
