package core

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Task is the unit of work (Closure)
type Task func(ctx context.Context)

// Callable is a unit of work that produces a result or fails.
type Callable[T any] func(ctx context.Context) (T, error)

// =============================================================================
// TaskDescriptor: Describe a task for statistics and debugging
// =============================================================================

// TaskDescriptor labels a task. Category and ID are informational only;
// they never influence scheduling.
type TaskDescriptor struct {
	// Category is a human-readable label used to group statistics.
	Category string

	// ID optionally identifies a single task instance (empty = anonymous).
	ID string
}

const defaultCategory = "<uncategorized>"

func (d TaskDescriptor) category() string {
	if d.Category == "" {
		return defaultCategory
	}
	return d.Category
}

// TaskState is the lifecycle state of a submitted task.
type TaskState int32

const (
	TaskStatePending TaskState = iota
	TaskStateRunning
	TaskStateCompleted
	TaskStateFailed
	TaskStateCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskStatePending:
		return "pending"
	case TaskStateRunning:
		return "running"
	case TaskStateCompleted:
		return "completed"
	case TaskStateFailed:
		return "failed"
	case TaskStateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

// =============================================================================
// Context Helper
// =============================================================================

type workerNameKeyType struct{}

var workerNameKey workerNameKeyType

// WorkerNameFromContext returns the name of the pool worker executing the
// current task, or "" outside of a pool worker.
func WorkerNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(workerNameKey).(string); ok {
		return v
	}
	return ""
}

type orderedQueueKeyType struct{}

var orderedQueueKey orderedQueueKeyType

// GetCurrentOrderedQueue returns the OrderedExecutionQueue whose task is
// currently running on ctx, or nil.
func GetCurrentOrderedQueue(ctx context.Context) *OrderedExecutionQueue {
	if v, ok := ctx.Value(orderedQueueKey).(*OrderedExecutionQueue); ok {
		return v
	}
	return nil
}

// runRecovering executes fn and converts a panic into a *PanicError.
func runRecovering(fn func()) (perr *PanicError) {
	defer func() {
		if r := recover(); r != nil {
			perr = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	fn()
	return nil
}
