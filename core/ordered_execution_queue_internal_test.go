package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestOrderedExecutionQueue_CancelWaitTimeout verifies the bounded wait
// Given: A queue whose running task outlives the cancel wait bound
// When: CancelAndWaitForLastRunningTask is called
// Then: It returns ErrCancelWaitTimeout while the task keeps running
func TestOrderedExecutionQueue_CancelWaitTimeout(t *testing.T) {
	// Arrange
	pool := NewWorkerPool(WorkerPoolConfig{Name: "timeout", MaxWorkers: 2, Logger: NewNoOpLogger()})
	pool.Start(context.Background())
	defer pool.Shutdown()

	q := NewOrderedExecutionQueue("slow", NewTaskService(pool))
	q.cancelWaitTimeout = 30 * time.Millisecond

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	q.Enqueue(func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	// Act
	start := time.Now()
	err := q.CancelAndWaitForLastRunningTask()

	// Assert
	if !errors.Is(err, ErrCancelWaitTimeout) {
		t.Fatalf("error = %v, want ErrCancelWaitTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %v, want >= 30ms", elapsed)
	}
	if q.Stats().Running != 1 {
		t.Errorf("Running = %d, want 1", q.Stats().Running)
	}
}

// TestOrderedExecutionQueue_ConcurrentDrainPanics verifies the single-drain assertion
// Given: A queue that is already inside a drain step
// When: A second drain step starts
// Then: It panics
func TestOrderedExecutionQueue_ConcurrentDrainPanics(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{Name: "assert", MaxWorkers: 1, Logger: NewNoOpLogger()})
	pool.Start(context.Background())
	defer pool.Shutdown()

	q := NewOrderedExecutionQueue("assert", NewTaskService(pool))
	q.activeRunners = 1

	defer func() {
		if r := recover(); r == nil {
			t.Error("drainOne did not panic on concurrent drain")
		}
		if q.activeRunners != 1 {
			t.Errorf("activeRunners = %d, want 1", q.activeRunners)
		}
	}()
	q.drainOne(context.Background())
}
