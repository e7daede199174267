package core

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a panic escapes a task and reaches the worker.
// Panics inside futures, queue tasks and listener callbacks are handled by
// the component that owns them; this is the last line of defence.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the panicked task
	// - poolName: The ID of the worker pool
	// - desc: The descriptor the task was submitted with
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, poolName string, desc TaskDescriptor, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs the panic as a warning and lets the worker continue.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs panic information.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, poolName string, desc TaskDescriptor, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		return
	}
	logger.Warn("Unhandled panic in task",
		F("pool", poolName),
		F("category", desc.category()),
		F("task_id", desc.ID),
		F("worker", WorkerNameFromContext(ctx)),
		F("panic", panicInfo),
		F("stack", stackTrace),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting task execution metrics.
// Implementations can send metrics to monitoring systems (see observability/prometheus).
//
// Methods should be non-blocking and fast to avoid impacting task execution performance.
type Metrics interface {
	// RecordTaskDuration records how long a task of the given category took.
	RecordTaskDuration(category string, duration time.Duration)

	// RecordTaskFailure records that a task panicked or returned an error.
	RecordTaskFailure(category string)

	// RecordQueueDepth records the current depth of a named queue
	// (the pool's ready queue, an ordered lane, a listener mailbox).
	RecordQueueDepth(name string, depth int)

	// RecordTaskRejected records that a task was rejected (e.g., after shutdown).
	RecordTaskRejected(category string, reason string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

// RecordTaskDuration is a no-op.
func (m *NilMetrics) RecordTaskDuration(category string, duration time.Duration) {}

// RecordTaskFailure is a no-op.
func (m *NilMetrics) RecordTaskFailure(category string) {}

// RecordQueueDepth is a no-op.
func (m *NilMetrics) RecordQueueDepth(name string, depth int) {}

// RecordTaskRejected is a no-op.
func (m *NilMetrics) RecordTaskRejected(category string, reason string) {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a submission is rejected because the
// pool has been shut down.
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	HandleRejectedTask(desc TaskDescriptor, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks, throttled so that a burst of
// rejections during shutdown produces a bounded number of warnings.
type DefaultRejectedTaskHandler struct {
	logger  Logger
	limiter *rate.Limiter
}

// NewDefaultRejectedTaskHandler creates a handler that logs at most
// perSecond warnings per second (burst of the same size, minimum 1).
func NewDefaultRejectedTaskHandler(logger Logger, perSecond float64) *DefaultRejectedTaskHandler {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &DefaultRejectedTaskHandler{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// HandleRejectedTask logs the rejected task if the limiter allows it.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(desc TaskDescriptor, reason string) {
	if !h.limiter.Allow() {
		return
	}
	h.logger.Warn("Ignoring request to execute task as the worker pool has been shut down",
		F("category", desc.category()),
		F("task_id", desc.ID),
		F("reason", reason),
	)
}

// =============================================================================
// WorkerPoolConfig: Configuration for WorkerPool
// =============================================================================

const (
	// DefaultMaxWorkers caps the number of concurrently live workers.
	DefaultMaxWorkers = 512

	// DefaultIdleTimeout is how long an idle worker waits before exiting.
	DefaultIdleTimeout = 60 * time.Second

	defaultRejectedLogRate = 1.0
)

// WorkerPoolConfig holds configuration options for WorkerPool.
// All handlers are optional; if not provided, default implementations will be used.
type WorkerPoolConfig struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// MaxWorkers is the upper bound of live worker goroutines.
	MaxWorkers int

	// IdleTimeout releases a worker after this long without work.
	IdleTimeout time.Duration

	// Logger receives pool, task and component log output. Defaults to NewDefaultLogger.
	Logger Logger

	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// HistoryCapacity bounds the recent-execution ring buffer.
	HistoryCapacity int
}

// DefaultWorkerPoolConfig returns a config with default handlers.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Name:            "toolkit-pool",
		MaxWorkers:      DefaultMaxWorkers,
		IdleTimeout:     DefaultIdleTimeout,
		HistoryCapacity: defaultTaskHistoryCapacity,
	}
}

func (c WorkerPoolConfig) withDefaults() WorkerPoolConfig {
	if c.Name == "" {
		c.Name = "toolkit-pool"
	}
	if c.MaxWorkers < 1 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HistoryCapacity < 1 {
		c.HistoryCapacity = defaultTaskHistoryCapacity
	}
	if c.Logger == nil {
		c.Logger = NewDefaultLogger()
	}
	if c.PanicHandler == nil {
		c.PanicHandler = &DefaultPanicHandler{Logger: c.Logger}
	}
	if c.Metrics == nil {
		c.Metrics = &NilMetrics{}
	}
	if c.RejectedTaskHandler == nil {
		c.RejectedTaskHandler = NewDefaultRejectedTaskHandler(c.Logger, defaultRejectedLogRate)
	}
	return c
}
