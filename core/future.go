package core

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Future is the awaitable, cancellable handle of a submitted task.
//
// A Future completes exactly once: with a value, with an error (including a
// *PanicError), or with ErrCancelled.
type Future[T any] struct {
	mu       sync.Mutex
	state    TaskState
	value    T
	err      error
	done     chan struct{}
	onCancel func()
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// markRunning moves a pending future to running. It returns false if the
// future was cancelled (or otherwise completed) in the meantime.
func (f *Future[T]) markRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != TaskStatePending {
		return false
	}
	f.state = TaskStateRunning
	return true
}

// complete resolves the future. Only the first call has an effect.
func (f *Future[T]) complete(value T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isTerminal() {
		return false
	}
	f.value = value
	f.err = err
	switch {
	case err == nil:
		f.state = TaskStateCompleted
	case errors.Is(err, ErrCancelled):
		f.state = TaskStateCancelled
	default:
		f.state = TaskStateFailed
	}
	close(f.done)
	return true
}

func (f *Future[T]) discard() {
	var zero T
	f.complete(zero, ErrCancelled)
}

func (f *Future[T]) isTerminal() bool {
	return f.state == TaskStateCompleted || f.state == TaskStateFailed || f.state == TaskStateCancelled
}

// Cancel cancels a task that has not started yet. A running task is never
// interrupted; for periodic tasks Cancel stops all further executions.
// It returns true if this call cancelled the future.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	if f.state != TaskStatePending {
		f.mu.Unlock()
		return false
	}
	var zero T
	f.value = zero
	f.err = ErrCancelled
	f.state = TaskStateCancelled
	close(f.done)
	hook := f.onCancel
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return true
}

// Get blocks until the future completes or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetWithTimeout blocks for at most timeout. It returns ErrFutureTimeout if
// the future did not complete in time.
func (f *Future[T]) GetWithTimeout(timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.result()
	case <-timer.C:
		var zero T
		return zero, ErrFutureTimeout
	}
}

func (f *Future[T]) result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future[T]) IsCancelled() bool {
	return f.State() == TaskStateCancelled
}

// State returns the lifecycle state of the task behind the future.
func (f *Future[T]) State() TaskState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
