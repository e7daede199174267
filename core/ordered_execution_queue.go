package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCancelWaitTimeout bounds CancelAndWaitForLastRunningTask.
const DefaultCancelWaitTimeout = 30 * time.Second

// OrderedExecutionQueue is a named single lane of tasks executed strictly
// one at a time in enqueue order on the shared worker pool.
//
// The queue owns no goroutine. Enqueueing onto an idle lane posts a drain
// step to the pool; each step runs one task and re-posts itself while the
// lane is non-empty, yielding the worker between tasks.
type OrderedExecutionQueue struct {
	name   string
	svc    *TaskService
	logger Logger

	lane *FIFOQueue[Task]

	mu        sync.Mutex
	draining  bool
	cancelled bool
	current   chan struct{} // closed when the running task returns; nil if none

	activeRunners int32 // atomic guard for concurrency assertion
	rejected      atomic.Int64

	cancelWaitTimeout time.Duration
}

// NewOrderedExecutionQueue creates a queue draining onto svc. name is used
// as statistics category and in logs.
func NewOrderedExecutionQueue(name string, svc *TaskService) *OrderedExecutionQueue {
	return &OrderedExecutionQueue{
		name:              name,
		svc:               svc,
		logger:            svc.Logger(),
		lane:              NewFIFOQueue[Task](),
		cancelWaitTimeout: DefaultCancelWaitTimeout,
	}
}

// Name returns the queue name
func (q *OrderedExecutionQueue) Name() string {
	return q.name
}

// Enqueue appends task to the lane. It never blocks on task execution.
// After cancellation it returns ErrQueueCancelled.
func (q *OrderedExecutionQueue) Enqueue(task Task) error {
	if task == nil {
		return invalidArgument("task must not be nil")
	}

	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		q.rejected.Add(1)
		return fmt.Errorf("%w: %s", ErrQueueCancelled, q.name)
	}
	q.lane.Push(task)
	start := !q.draining
	q.draining = true
	q.mu.Unlock()

	q.svc.Pool().Metrics().RecordQueueDepth(q.name, q.lane.Len())

	if start {
		return q.postDrain()
	}
	return nil
}

// postDrain hands the next drain step to the pool. If the pool rejects it the
// lane can never make progress, so it is emptied.
func (q *OrderedExecutionQueue) postDrain() error {
	err := q.svc.executeStep(q.name, q.drainOne, q.redrain)
	if err == nil {
		return nil
	}

	q.mu.Lock()
	q.draining = false
	dropped := q.lane.Clear()
	q.mu.Unlock()

	q.logger.Warn("Ordered execution queue could not be drained; dropping pending tasks",
		F("queue", q.name),
		F("dropped", len(dropped)),
		F("error", err),
	)
	return err
}

// redrain replaces a drain step that a pool Shutdown or Reset dropped. After
// a Reset the lane continues on the new generation; after a Shutdown the
// post is rejected and the lane is emptied.
func (q *OrderedExecutionQueue) redrain() {
	q.mu.Lock()
	if q.cancelled || q.lane.IsEmpty() {
		q.draining = false
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	_ = q.postDrain()
}

// drainOne executes a single task and re-posts itself if there is more.
func (q *OrderedExecutionQueue) drainOne(ctx context.Context) {
	// Assertion: Ensure strictly one drain step at a time
	if n := atomic.AddInt32(&q.activeRunners, 1); n > 1 {
		atomic.AddInt32(&q.activeRunners, -1)
		panic(fmt.Sprintf("OrderedExecutionQueue %q: concurrent drain detected (count=%d)", q.name, n))
	}

	q.mu.Lock()
	if q.cancelled {
		q.draining = false
		atomic.AddInt32(&q.activeRunners, -1)
		q.mu.Unlock()
		return
	}
	task, ok := q.lane.Pop()
	if !ok {
		q.draining = false
		atomic.AddInt32(&q.activeRunners, -1)
		q.mu.Unlock()
		return
	}
	done := make(chan struct{})
	q.current = done
	q.mu.Unlock()

	runCtx := context.WithValue(ctx, orderedQueueKey, q)
	if perr := runRecovering(func() { task(runCtx) }); perr != nil {
		q.logger.Warn("Uncaught panic in ordered execution queue task",
			F("queue", q.name),
			F("panic", perr.Value),
			F("stack", perr.Stack),
		)
	}

	q.mu.Lock()
	q.current = nil
	close(done)
	more := !q.cancelled && !q.lane.IsEmpty()
	if !more {
		q.draining = false
	}
	// Decrement while still holding mu so the next drain never observes us.
	atomic.AddInt32(&q.activeRunners, -1)
	q.mu.Unlock()

	if more {
		_ = q.postDrain()
	}
}

// cancel moves the queue to its terminal state and returns the completion
// channel of the task running right now, if any.
func (q *OrderedExecutionQueue) cancel() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.cancelled {
		q.cancelled = true
		dropped := q.lane.Clear()
		q.logger.Debug("Ordered execution queue cancelled",
			F("queue", q.name),
			F("dropped", len(dropped)),
		)
	}
	if q.current == nil {
		return nil
	}
	return q.current
}

// CancelAsync discards all pending tasks and rejects further Enqueue calls.
// A task that is already running is not interrupted and not waited for.
func (q *OrderedExecutionQueue) CancelAsync() {
	q.cancel()
}

// CancelAndWaitForLastRunningTask cancels like CancelAsync, then waits for
// the running task to return. It returns ErrCancelWaitTimeout if that takes
// longer than DefaultCancelWaitTimeout. Calling it from a task of the same
// queue always times out.
func (q *OrderedExecutionQueue) CancelAndWaitForLastRunningTask() error {
	done := q.cancel()
	if done == nil {
		return nil
	}

	timer := time.NewTimer(q.cancelWaitTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: queue %s after %v", ErrCancelWaitTimeout, q.name, q.cancelWaitTimeout)
	}
}

// Cancel is CancelAndWaitForLastRunningTask if waitForShutdown is set,
// CancelAsync otherwise.
func (q *OrderedExecutionQueue) Cancel(waitForShutdown bool) error {
	if waitForShutdown {
		return q.CancelAndWaitForLastRunningTask()
	}
	q.CancelAsync()
	return nil
}

// IsCancelled reports whether the queue reached its terminal state.
func (q *OrderedExecutionQueue) IsCancelled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled
}

// Stats returns current observability data for this queue.
func (q *OrderedExecutionQueue) Stats() RunnerStats {
	q.mu.Lock()
	running := 0
	if q.current != nil {
		running = 1
	}
	closed := q.cancelled
	q.mu.Unlock()

	return RunnerStats{
		Name:     q.name,
		Type:     "ordered-queue",
		Pending:  q.lane.Len(),
		Running:  running,
		Rejected: q.rejected.Load(),
		Closed:   closed,
	}
}
