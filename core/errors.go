package core

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrPoolShutdown is returned when work is submitted to a pool that has been shut down.
	ErrPoolShutdown = errors.New("worker pool is shut down")

	// ErrCancelled is delivered to awaiters of a cancelled or discarded task.
	ErrCancelled = errors.New("task cancelled")

	// ErrInvalidArgument marks illegal use (nil task, nil listener, bad sizes).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrQueueCancelled is returned by Enqueue after the queue has been cancelled.
	ErrQueueCancelled = errors.New("ordered execution queue is cancelled")

	// ErrCancelWaitTimeout is returned when the last running task of a cancelled
	// queue did not finish within the wait bound.
	ErrCancelWaitTimeout = errors.New("timed out waiting for last running task")

	// ErrDuplicateListener is returned when a listener is registered twice.
	ErrDuplicateListener = errors.New("listener already registered")

	// ErrDuplicateRequest is returned when a request key is already pending.
	ErrDuplicateRequest = errors.New("request already pending for key")

	// ErrFutureTimeout is returned by Future.GetWithTimeout when the wait elapsed.
	ErrFutureTimeout = errors.New("timed out waiting for future")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Unwrap exposes the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// isNil reports whether v is nil or a typed nil reference.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
