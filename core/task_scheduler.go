package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TaskItem is a task as stored in the ready queue.
type TaskItem struct {
	// Run executes the task; a non-nil error counts as a failure in statistics.
	Run        func(ctx context.Context) error
	Descriptor TaskDescriptor

	// discard is called if the item is removed without ever running.
	discard func()

	// claim, if set, is called right before execution; false skips the item.
	claim func() bool
}

// TaskScheduler owns the ready queue of one pool generation.
type TaskScheduler struct {
	name   string
	queue  *FIFOQueue[TaskItem]
	signal chan struct{}

	metricQueued atomic.Int32 // Waiting in ReadyQueue
	metricActive atomic.Int32 // Executing in Worker

	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler

	// Lifecycle; lifecycleMu orders Post against Shutdown so nothing is
	// pushed after the queue was cleared.
	lifecycleMu  sync.RWMutex
	shuttingDown bool
}

func newTaskScheduler(name string, workerCount int, metrics Metrics, rejected RejectedTaskHandler) *TaskScheduler {
	return &TaskScheduler{
		name:                name,
		queue:               NewFIFOQueue[TaskItem](),
		signal:              make(chan struct{}, workerCount*2),
		metrics:             metrics,
		rejectedTaskHandler: rejected,
	}
}

// PostInternal appends item to the ready queue.
func (s *TaskScheduler) PostInternal(item TaskItem) error {
	s.lifecycleMu.RLock()
	if s.shuttingDown {
		s.lifecycleMu.RUnlock()
		s.reject(item.Descriptor)
		return ErrPoolShutdown
	}
	s.queue.Push(item)
	queued := s.metricQueued.Add(1)
	s.lifecycleMu.RUnlock()

	s.metrics.RecordQueueDepth(s.name, int(queued))

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal channel full, but task is already queued
		// This is not an error, just a optimization hint
	}
	return nil
}

func (s *TaskScheduler) reject(desc TaskDescriptor) {
	s.rejectedTaskHandler.HandleRejectedTask(desc, "shutdown")
	s.metrics.RecordTaskRejected(desc.category(), "shutdown")
}

// TryGetWork pops the next ready item without blocking (Called by Worker)
func (s *TaskScheduler) TryGetWork() (TaskItem, bool) {
	item, ok := s.queue.Pop()
	if ok {
		s.metricQueued.Add(-1) // Left Queue
	}
	return item, ok
}

// Signal is notified after every successful post.
func (s *TaskScheduler) Signal() <-chan struct{} {
	return s.signal
}

// Shutdown stops accepting tasks and discards everything still queued.
// It returns the number of tasks that never started.
func (s *TaskScheduler) Shutdown() int {
	s.lifecycleMu.Lock()
	s.shuttingDown = true
	removed := s.queue.Clear()
	s.metricQueued.Add(-int32(len(removed)))
	s.lifecycleMu.Unlock()

	for _, item := range removed {
		if item.discard != nil {
			item.discard()
		}
	}
	return len(removed)
}

// ShutdownGraceful stops accepting tasks and waits for queued and active
// tasks to complete. On timeout the remaining queue is discarded.
func (s *TaskScheduler) ShutdownGraceful(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	s.shuttingDown = true
	s.lifecycleMu.Unlock()

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.QueuedTaskCount() == 0 && s.ActiveTaskCount() == 0 {
			return nil
		}
		select {
		case <-deadline:
			n := s.Shutdown()
			return fmt.Errorf("graceful shutdown timed out after %v, discarded %d queued tasks", timeout, n)
		case <-ticker.C:
		}
	}
}

// Metrics
func (s *TaskScheduler) QueuedTaskCount() int { return int(s.metricQueued.Load()) }
func (s *TaskScheduler) ActiveTaskCount() int { return int(s.metricActive.Load()) }

func (s *TaskScheduler) OnTaskStart() {
	s.metricActive.Add(1)
}

func (s *TaskScheduler) OnTaskEnd() {
	s.metricActive.Add(-1)
}
