package core

import (
	"context"
	"sync"
	"time"
)

const (
	batchTimerCategory    = "BatchAggregator latency timer"
	batchDeliveryCategory = "BatchAggregator delivery"
)

// BatchProcessor receives the batches of a BatchAggregator, one at a time
// and in order.
type BatchProcessor[T any] interface {
	ProcessBatch(ctx context.Context, batch []T) error
}

// BatchProcessorFunc adapts a function to BatchProcessor.
type BatchProcessorFunc[T any] func(ctx context.Context, batch []T) error

func (f BatchProcessorFunc[T]) ProcessBatch(ctx context.Context, batch []T) error {
	return f(ctx, batch)
}

// BatchAggregator collects elements and hands them to a BatchProcessor once
// maxBatchSize elements have accumulated or maxLatency has passed since the
// first element of the batch arrived, whichever happens first.
type BatchAggregator[T any] struct {
	svc          *TaskService
	logger       Logger
	maxBatchSize int
	maxLatency   time.Duration
	processor    BatchProcessor[T]

	// delivery serializes processor calls in flush order.
	delivery *OrderedExecutionQueue

	mu         sync.Mutex
	batch      []T
	timer      *Future[struct{}]
	generation uint64
}

// NewBatchAggregator creates an aggregator. maxBatchSize must be at least 1
// and maxLatency positive.
func NewBatchAggregator[T any](svc *TaskService, maxBatchSize int, maxLatency time.Duration, processor BatchProcessor[T]) (*BatchAggregator[T], error) {
	if maxBatchSize < 1 {
		return nil, invalidArgument("maxBatchSize must be at least 1, got %d", maxBatchSize)
	}
	if maxLatency <= 0 {
		return nil, invalidArgument("maxLatency must be positive, got %v", maxLatency)
	}
	if isNil(processor) {
		return nil, invalidArgument("processor must not be nil")
	}
	return &BatchAggregator[T]{
		svc:          svc,
		logger:       svc.Logger(),
		maxBatchSize: maxBatchSize,
		maxLatency:   maxLatency,
		processor:    processor,
		delivery:     NewOrderedExecutionQueue(batchDeliveryCategory, svc),
	}, nil
}

// Add appends element to the current batch. It never waits for the processor.
func (a *BatchAggregator[T]) Add(element T) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.batch = append(a.batch, element)

	if len(a.batch) >= a.maxBatchSize {
		return a.flushLocked()
	}

	if len(a.batch) == 1 {
		generation := a.generation
		flush := func() { a.flushOnTimeout(generation) }
		// A timer dropped by a pool Shutdown or Reset flushes early rather
		// than leaving the batch without a latency bound.
		timer, err := scheduleCallable(a.svc, batchTimerCategory, func(ctx context.Context) (struct{}, error) {
			flush()
			return struct{}{}, nil
		}, a.maxLatency, flush)
		if err != nil {
			a.batch = a.batch[:0]
			return err
		}
		a.timer = timer
	}
	return nil
}

func (a *BatchAggregator[T]) flushOnTimeout(generation uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// A size-triggered flush already took this batch.
	if generation != a.generation || len(a.batch) == 0 {
		return
	}
	if err := a.flushLocked(); err != nil {
		a.logger.Warn("Failed to dispatch batch after latency timeout", F("error", err))
	}
}

// flushLocked hands the current batch to the delivery queue. Enqueueing
// under a.mu keeps delivery order equal to flush order.
func (a *BatchAggregator[T]) flushLocked() error {
	batch := a.batch
	a.batch = nil
	a.generation++
	if a.timer != nil {
		a.timer.Cancel()
		a.timer = nil
	}

	return a.delivery.Enqueue(func(ctx context.Context) {
		a.process(ctx, batch)
	})
}

func (a *BatchAggregator[T]) process(ctx context.Context, batch []T) {
	var err error
	if perr := runRecovering(func() { err = a.processor.ProcessBatch(ctx, batch) }); perr != nil {
		err = perr
	}
	if err != nil {
		a.logger.Error("Uncaught error in batch processor",
			F("batch_size", len(batch)),
			F("error", err),
		)
	}
}

// Pending returns the number of elements waiting for the next flush.
func (a *BatchAggregator[T]) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batch)
}
