package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Swind/go-task-toolkit/core"
)

func newTestPool(t *testing.T, cfg core.WorkerPoolConfig) *core.WorkerPool {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = core.NewNoOpLogger()
	}
	pool := core.NewWorkerPool(cfg)
	pool.Start(context.Background())
	t.Cleanup(func() { pool.Shutdown() })
	return pool
}

// TestWorkerPool_ExecutesConcurrently verifies tasks run in parallel up to MaxWorkers
// Given: A pool with MaxWorkers = 4
// When: 4 tasks that block on a shared barrier are executed
// Then: All 4 run at the same time and the pool never exceeds 4 workers
func TestWorkerPool_ExecutesConcurrently(t *testing.T) {
	// Arrange
	pool := newTestPool(t, core.WorkerPoolConfig{Name: "parallel", MaxWorkers: 4})
	svc := core.NewTaskService(pool)

	var started sync.WaitGroup
	started.Add(4)
	release := make(chan struct{})
	var finished atomic.Int32

	// Act
	for range 4 {
		svc.Execute("barrier", "", func(ctx context.Context) {
			started.Done()
			<-release
			finished.Add(1)
		})
	}

	// Assert
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()
	select {
	case <-allStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("4 tasks did not run concurrently")
	}
	if got := pool.CurrentThreadCount(); got != 4 {
		t.Errorf("CurrentThreadCount() = %d, want 4", got)
	}
	close(release)
	waitFor(t, time.Second, func() bool { return finished.Load() == 4 }, "all tasks finished")
}

// TestWorkerPool_BoundedWorkers verifies MaxWorkers is an upper bound
// Given: A pool with MaxWorkers = 2
// When: 20 slow tasks are executed
// Then: At most 2 run concurrently and all complete
func TestWorkerPool_BoundedWorkers(t *testing.T) {
	// Arrange
	pool := newTestPool(t, core.WorkerPoolConfig{Name: "bounded", MaxWorkers: 2})
	svc := core.NewTaskService(pool)

	var running, maxRunning, done atomic.Int32

	// Act
	for range 20 {
		svc.Execute("slow", "", func(ctx context.Context) {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			done.Add(1)
		})
	}

	// Assert
	waitFor(t, 3*time.Second, func() bool { return done.Load() == 20 }, "all tasks done")
	if got := maxRunning.Load(); got > 2 {
		t.Errorf("max concurrent tasks = %d, want <= 2", got)
	}
	if got := pool.CurrentThreadCount(); got > 2 {
		t.Errorf("CurrentThreadCount() = %d, want <= 2", got)
	}
}

// TestWorkerPool_IdleWorkersExit verifies elastic worker release
// Given: A pool with IdleTimeout = 50ms
// When: A task completes and the pool stays idle
// Then: The worker count drops to 0
func TestWorkerPool_IdleWorkersExit(t *testing.T) {
	// Arrange
	pool := newTestPool(t, core.WorkerPoolConfig{Name: "elastic", MaxWorkers: 4, IdleTimeout: 50 * time.Millisecond})
	svc := core.NewTaskService(pool)

	// Act
	f, err := svc.Submit("once", "", func(ctx context.Context) {})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	f.GetWithTimeout(time.Second)

	// Assert
	waitFor(t, time.Second, func() bool { return pool.CurrentThreadCount() == 0 }, "idle workers exit, have %d", pool.CurrentThreadCount())
}

// TestWorkerPool_ShutdownReturnsQueuedCount verifies the discarded count
// Given: A single-worker pool blocked by one task with 5 tasks queued behind it
// When: Shutdown is called
// Then: It returns 5, the queued tasks never run and the running task sees ctx cancelled
func TestWorkerPool_ShutdownReturnsQueuedCount(t *testing.T) {
	// Arrange
	pool := newTestPool(t, core.WorkerPoolConfig{Name: "shutdown", MaxWorkers: 1})
	svc := core.NewTaskService(pool)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	svc.Execute("blocker", "", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started

	var ran atomic.Int32
	futures := make([]*core.Future[struct{}], 0, 5)
	for range 5 {
		f, err := svc.Submit("queued", "", func(ctx context.Context) { ran.Add(1) })
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		futures = append(futures, f)
	}

	// Act
	n := pool.Shutdown()

	// Assert
	if n != 5 {
		t.Errorf("Shutdown() = %d, want 5", n)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task context was not cancelled")
	}
	for i, f := range futures {
		if _, err := f.GetWithTimeout(time.Second); !errors.Is(err, core.ErrCancelled) {
			t.Errorf("futures[%d] error = %v, want ErrCancelled", i, err)
		}
	}
	if !pool.AwaitTermination(time.Second) {
		t.Error("AwaitTermination() = false, want true")
	}
	if got := ran.Load(); got != 0 {
		t.Errorf("queued tasks ran = %d, want 0", got)
	}
	if pool.IsRunning() {
		t.Error("IsRunning() = true after Shutdown")
	}
	if n := pool.Shutdown(); n != 0 {
		t.Errorf("second Shutdown() = %d, want 0", n)
	}
}

// TestWorkerPool_Reset verifies a fresh generation after Reset
// Given: A pool with recorded statistics
// When: Reset is called
// Then: The pool accepts work again and the statistics table is empty
func TestWorkerPool_Reset(t *testing.T) {
	// Arrange
	pool := newTestPool(t, core.WorkerPoolConfig{Name: "reset", MaxWorkers: 2})
	svc := core.NewTaskService(pool)
	f, _ := svc.Submit("before", "", func(ctx context.Context) {})
	f.GetWithTimeout(time.Second)
	generation := pool.Stats().Generation

	// Act
	n := pool.Reset()

	// Assert
	if n != 0 {
		t.Errorf("Reset() = %d, want 0", n)
	}
	if !pool.IsRunning() {
		t.Fatal("IsRunning() = false after Reset")
	}
	if got := pool.Stats().Generation; got != generation+1 {
		t.Errorf("Generation = %d, want %d", got, generation+1)
	}
	if stats := pool.Statistics().Snapshot(); len(stats) != 0 {
		t.Errorf("statistics after Reset = %v, want empty", stats)
	}
	f, err := svc.Submit("after", "", func(ctx context.Context) {})
	if err != nil {
		t.Fatalf("Submit after Reset failed: %v", err)
	}
	if _, err := f.GetWithTimeout(time.Second); err != nil {
		t.Errorf("task after Reset error = %v", err)
	}
}

// TestWorkerPool_StopGraceful verifies queued work completes before stop
// Given: A single-worker pool with 5 short tasks queued
// When: StopGraceful is called
// Then: All 5 tasks ran and the pool is stopped
func TestWorkerPool_StopGraceful(t *testing.T) {
	// Arrange
	pool := newTestPool(t, core.WorkerPoolConfig{Name: "graceful", MaxWorkers: 1})
	svc := core.NewTaskService(pool)
	var ran atomic.Int32
	for range 5 {
		svc.Execute("short", "", func(ctx context.Context) {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		})
	}

	// Act
	err := pool.StopGraceful(2 * time.Second)

	// Assert
	if err != nil {
		t.Fatalf("StopGraceful() = %v, want nil", err)
	}
	if got := ran.Load(); got != 5 {
		t.Errorf("ran = %d, want 5", got)
	}
	if pool.IsRunning() {
		t.Error("IsRunning() = true after StopGraceful")
	}
}

// TestWorkerPool_PanicDoesNotKillWorker verifies recovery
// Given: A single-worker pool
// When: A panicking task is followed by a normal one
// Then: The normal task still runs
func TestWorkerPool_PanicDoesNotKillWorker(t *testing.T) {
	pool := newTestPool(t, core.WorkerPoolConfig{Name: "panic", MaxWorkers: 1})
	svc := core.NewTaskService(pool)

	svc.Execute("panics", "", func(ctx context.Context) { panic("boom") })
	f, _ := svc.Submit("after-panic", "", func(ctx context.Context) {})

	if _, err := f.GetWithTimeout(time.Second); err != nil {
		t.Fatalf("task after panic error = %v, want nil", err)
	}
}

// TestWorkerPool_WorkerNameInContext verifies the worker name is visible to tasks
func TestWorkerPool_WorkerNameInContext(t *testing.T) {
	pool := newTestPool(t, core.WorkerPoolConfig{Name: "named", MaxWorkers: 1})
	svc := core.NewTaskService(pool)

	f, _ := core.SubmitCallable(svc, "name", "", func(ctx context.Context) (string, error) {
		return core.WorkerNameFromContext(ctx), nil
	})
	name, err := f.GetWithTimeout(time.Second)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if name != "named-1-1" {
		t.Errorf("worker name = %q, want %q", name, "named-1-1")
	}
	if got := core.WorkerNameFromContext(context.Background()); got != "" {
		t.Errorf("WorkerNameFromContext(background) = %q, want empty", got)
	}
}

// TestWorkerPool_RecentTasks verifies the execution history
// Given: 3 named tasks run one after another
// When: RecentTasks(2) is called
// Then: The 2 newest records are returned newest first with execution ids
func TestWorkerPool_RecentTasks(t *testing.T) {
	// Arrange
	pool := newTestPool(t, core.WorkerPoolConfig{Name: "history", MaxWorkers: 1, HistoryCapacity: 10})
	svc := core.NewTaskService(pool)

	// Act
	for _, id := range []string{"t1", "t2", "t3"} {
		f, _ := svc.Submit("hist", id, func(ctx context.Context) {})
		f.GetWithTimeout(time.Second)
	}
	waitFor(t, time.Second, func() bool { return len(svc.RecentTasks(0)) == 3 }, "3 records")
	records := svc.RecentTasks(2)

	// Assert
	if len(records) != 2 {
		t.Fatalf("len(RecentTasks(2)) = %d, want 2", len(records))
	}
	if records[0].TaskID != "t3" || records[1].TaskID != "t2" {
		t.Errorf("records = [%s %s], want [t3 t2]", records[0].TaskID, records[1].TaskID)
	}
	if records[0].ExecutionID == "" || records[0].ExecutionID == records[1].ExecutionID {
		t.Errorf("execution ids not unique: %q, %q", records[0].ExecutionID, records[1].ExecutionID)
	}
	if records[0].Category != "hist" || records[0].Worker == "" {
		t.Errorf("record = %+v, want category hist and worker set", records[0])
	}
}

// TestWorkerPool_RecentFailures verifies failure filtering of the history
// Given: Two successful tasks and one failing callable
// When: RecentFailures is called
// Then: Only the failing execution is returned
func TestWorkerPool_RecentFailures(t *testing.T) {
	pool := newTestPool(t, core.WorkerPoolConfig{Name: "failures", MaxWorkers: 1, HistoryCapacity: 10})
	svc := core.NewTaskService(pool)

	ok1, _ := svc.Submit("hist", "ok-1", func(ctx context.Context) {})
	bad, _ := core.SubmitCallable(svc, "hist", "bad", func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	ok2, _ := svc.Submit("hist", "ok-2", func(ctx context.Context) {})
	ok1.GetWithTimeout(time.Second)
	bad.GetWithTimeout(time.Second)
	ok2.GetWithTimeout(time.Second)
	waitFor(t, time.Second, func() bool { return len(svc.RecentTasks(0)) == 3 }, "3 records")

	failures := svc.RecentFailures(0)
	if len(failures) != 1 || failures[0].TaskID != "bad" || !failures[0].Failed {
		t.Fatalf("RecentFailures(0) = %+v, want only bad", failures)
	}
}

// TestWorkerPool_Stats verifies the pool snapshot
func TestWorkerPool_Stats(t *testing.T) {
	pool := newTestPool(t, core.WorkerPoolConfig{Name: "stats", MaxWorkers: 3})
	svc := core.NewTaskService(pool)
	svc.ScheduleAfterDelay("later", func(ctx context.Context) {}, time.Hour)

	stats := pool.Stats()
	if stats.ID != "stats" || stats.MaxWorkers != 3 || !stats.Running {
		t.Errorf("Stats() = %+v, want id stats, max 3, running", stats)
	}
	if stats.Delayed != 1 {
		t.Errorf("Delayed = %d, want 1", stats.Delayed)
	}

	pool.Shutdown()
	if stats := pool.Stats(); stats.Running || stats.Delayed != 0 {
		t.Errorf("Stats() after Shutdown = %+v, want not running", stats)
	}
}
