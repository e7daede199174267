package toolkit

import (
	"time"

	"github.com/Swind/go-task-toolkit/core"
)

// Re-export commonly used types from core package for convenience.
// This allows users to import only the toolkit package for most use cases.

// Task is the unit of work
type Task = core.Task

// Callable is a task that produces a value
type Callable[T any] = core.Callable[T]

// Future is the handle of a submitted or scheduled task
type Future[T any] = core.Future[T]

// TaskService submits categorized work to a WorkerPool
type TaskService = core.TaskService

// WorkerPool is the elastic pool executing all tasks
type WorkerPool = core.WorkerPool

// WorkerPoolConfig configures a WorkerPool
type WorkerPoolConfig = core.WorkerPoolConfig

// OrderedExecutionQueue runs its tasks one at a time in enqueue order
type OrderedExecutionQueue = core.OrderedExecutionQueue

// OrderedCallbackManager delivers ordered callbacks to independent listeners
type OrderedCallbackManager[T comparable] = core.OrderedCallbackManager[T]

// BatchAggregator groups elements into bounded batches
type BatchAggregator[T any] = core.BatchAggregator[T]

// BlockingResponseMapper correlates responses with registered requests
type BlockingResponseMapper[K comparable, R any] = core.BlockingResponseMapper[K, R]

// PoolIntrospector exposes lifecycle and statistics of the shared pool
type PoolIntrospector = core.PoolIntrospector

// Logger is the structured logging interface used by every component
type Logger = core.Logger

// ExceptionPolicy decides what happens to a listener whose callback fails
type ExceptionPolicy = core.ExceptionPolicy

// Exception policies
const (
	LogAndProceed        = core.LogAndProceed
	LogAndCancelListener = core.LogAndCancelListener
)

// Constructors re-exported for single-import use
var (
	NewTaskService           = core.NewTaskService
	NewWorkerPool            = core.NewWorkerPool
	NewOrderedExecutionQueue = core.NewOrderedExecutionQueue
	NewRunnablesGroup        = core.NewRunnablesGroup
)

// SubmitCallable submits fn and returns a Future for its value.
func SubmitCallable[T any](svc *TaskService, category, taskID string, fn Callable[T]) (*Future[T], error) {
	return core.SubmitCallable(svc, category, taskID, fn)
}

// NewOrderedCallbackManager creates a callback manager bound to svc.
func NewOrderedCallbackManager[T comparable](name string, svc *TaskService, policy ExceptionPolicy) *OrderedCallbackManager[T] {
	return core.NewOrderedCallbackManager[T](name, svc, policy)
}

// NewBlockingResponseMapper creates a response mapper bound to svc.
func NewBlockingResponseMapper[K comparable, R any](svc *TaskService) *BlockingResponseMapper[K, R] {
	return core.NewBlockingResponseMapper[K, R](svc)
}

// NewBatchAggregator creates a batch aggregator bound to svc.
func NewBatchAggregator[T any](svc *TaskService, maxBatchSize int, maxLatency time.Duration, processor core.BatchProcessor[T]) (*BatchAggregator[T], error) {
	return core.NewBatchAggregator(svc, maxBatchSize, maxLatency, processor)
}
