package core_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Swind/go-task-toolkit/core"
)

// TestTaskService_SubmitCallable verifies results and errors reach the caller
// Given: A running TaskService
// When: A callable returning 42 and one returning an error are submitted
// Then: The futures deliver 42 and the error
func TestTaskService_SubmitCallable(t *testing.T) {
	// Arrange
	svc := newTestService(t)
	wantErr := errors.New("failed")

	// Act
	ok, err := core.SubmitCallable(svc, "calc", "answer", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("SubmitCallable failed: %v", err)
	}
	bad, _ := core.SubmitCallable(svc, "calc", "", func(ctx context.Context) (int, error) {
		return 0, wantErr
	})

	// Assert
	got, err := ok.Get(context.Background())
	if err != nil || got != 42 {
		t.Errorf("Get() = (%d, %v), want (42, nil)", got, err)
	}
	if ok.State() != core.TaskStateCompleted {
		t.Errorf("State() = %v, want completed", ok.State())
	}
	if _, err := bad.Get(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Get() error = %v, want %v", err, wantErr)
	}
	if bad.State() != core.TaskStateFailed {
		t.Errorf("State() = %v, want failed", bad.State())
	}
}

// TestTaskService_SubmitPanicDeliveredToCaller verifies panic capture
// Given: A submitted task that panics
// When: The caller awaits the future
// Then: It receives a *PanicError carrying the panic value
func TestTaskService_SubmitPanicDeliveredToCaller(t *testing.T) {
	svc := newTestService(t)

	f, _ := svc.Submit("panics", "", func(ctx context.Context) { panic("boom") })

	_, err := f.GetWithTimeout(time.Second)
	var perr *core.PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *PanicError", err)
	}
	if perr.Value != "boom" {
		t.Errorf("PanicError.Value = %v, want boom", perr.Value)
	}
}

// TestTaskService_ExecuteInvalidArgument verifies illegal use fails at the call site
func TestTaskService_ExecuteInvalidArgument(t *testing.T) {
	svc := newTestService(t)

	if err := svc.Execute("nil", "", nil); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("Execute(nil) error = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.Submit("nil", "", nil); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("Submit(nil) error = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.ScheduleAtFixedRate("bad-period", func(ctx context.Context) {}, 0); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("ScheduleAtFixedRate(period 0) error = %v, want ErrInvalidArgument", err)
	}
}

// TestTaskService_RejectedAfterShutdown verifies submissions after shutdown
// Given: A TaskService whose pool was shut down
// When: Execute, Submit and ScheduleAfterDelay are called
// Then: All return ErrPoolShutdown and a warning is logged
func TestTaskService_RejectedAfterShutdown(t *testing.T) {
	// Arrange
	logger := &recordingLogger{}
	svc := newTestService(t, withLogger(logger))
	svc.Shutdown()

	// Act
	errExecute := svc.Execute("late", "", func(ctx context.Context) {})
	_, errSubmit := svc.Submit("late", "", func(ctx context.Context) {})
	_, errDelay := svc.ScheduleAfterDelay("late", func(ctx context.Context) {}, time.Millisecond)

	// Assert
	for name, err := range map[string]error{"Execute": errExecute, "Submit": errSubmit, "ScheduleAfterDelay": errDelay} {
		if !errors.Is(err, core.ErrPoolShutdown) {
			t.Errorf("%s error = %v, want ErrPoolShutdown", name, err)
		}
	}
	if got := len(logger.find("warn", "shut down")); got < 1 {
		t.Errorf("rejection warnings = %d, want >= 1", got)
	}
}

// TestTaskService_CancelQueuedTask verifies a cancelled task never starts
// Given: A single-worker pool blocked by a running task and a second task queued
// When: The queued task's future is cancelled
// Then: Cancel returns true, the task never runs and Get returns ErrCancelled
func TestTaskService_CancelQueuedTask(t *testing.T) {
	// Arrange
	svc := newTestService(t, func(cfg *core.WorkerPoolConfig) { cfg.MaxWorkers = 1 })
	release := make(chan struct{})
	started := make(chan struct{})
	svc.Execute("blocker", "", func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	var ran atomic.Bool
	f, _ := svc.Submit("queued", "", func(ctx context.Context) { ran.Store(true) })

	// Act
	cancelled := f.Cancel()
	close(release)

	// Assert
	if !cancelled {
		t.Fatal("Cancel() = false, want true")
	}
	if f.Cancel() {
		t.Error("second Cancel() = true, want false")
	}
	if _, err := f.Get(context.Background()); !errors.Is(err, core.ErrCancelled) {
		t.Errorf("Get() error = %v, want ErrCancelled", err)
	}
	if !f.IsCancelled() || !f.IsDone() {
		t.Errorf("IsCancelled=%v IsDone=%v, want both true", f.IsCancelled(), f.IsDone())
	}
	done, _ := svc.Submit("after", "", func(ctx context.Context) {})
	done.GetWithTimeout(time.Second)
	if ran.Load() {
		t.Error("cancelled task ran")
	}
}

// TestTaskService_CancelledTaskLeavesNoExecutionTrace verifies statistics of a cancelled task
// Given: A task queued behind a busy single worker
// When: Its future is cancelled and the worker is released
// Then: The task counts as submitted only; it is neither completed nor in the history
func TestTaskService_CancelledTaskLeavesNoExecutionTrace(t *testing.T) {
	// Arrange
	svc := newTestService(t, singleWorker)
	release := occupyWorker(t, svc)
	victim, _ := svc.Submit("victim", "v-1", func(ctx context.Context) {})

	// Act
	victim.Cancel()
	after, _ := svc.Submit("after", "", func(ctx context.Context) {})
	release()
	if _, err := after.GetWithTimeout(time.Second); err != nil {
		t.Fatalf("follow-up task failed: %v", err)
	}

	// Assert
	var found bool
	for _, cs := range svc.Statistics() {
		if cs.Category != "victim" {
			continue
		}
		found = true
		if cs.Submitted != 1 || cs.Completed != 0 || cs.Active != 0 || cs.MaxParallel != 0 {
			t.Errorf("victim stats = %+v, want submitted 1 and nothing else", cs)
		}
	}
	if !found {
		t.Fatal("no statistics entry for category victim")
	}
	for _, rec := range svc.RecentTasks(0) {
		if rec.Category == "victim" {
			t.Errorf("history contains cancelled task: %+v", rec)
		}
	}
}

// TestTaskService_ScheduleAfterDelay verifies delayed execution
// Given: A callable scheduled after 50ms
// When: The caller waits on the future
// Then: The value arrives no earlier than 50ms
func TestTaskService_ScheduleAfterDelay(t *testing.T) {
	svc := newTestService(t)

	start := time.Now()
	f, err := core.ScheduleCallableAfterDelay(svc, "delayed", func(ctx context.Context) (string, error) {
		return "late", nil
	}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ScheduleCallableAfterDelay failed: %v", err)
	}

	got, err := f.GetWithTimeout(time.Second)
	if err != nil || got != "late" {
		t.Fatalf("Get() = (%q, %v), want (late, nil)", got, err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("ran after %v, want >= 50ms", elapsed)
	}
}

// TestTaskService_CancelDelayedTask verifies cancelling removes the delayed entry
func TestTaskService_CancelDelayedTask(t *testing.T) {
	svc := newTestService(t)
	var ran atomic.Bool

	f, _ := svc.ScheduleAfterDelay("delayed", func(ctx context.Context) { ran.Store(true) }, 30*time.Millisecond)
	if !f.Cancel() {
		t.Fatal("Cancel() = false, want true")
	}

	if got := svc.Pool().DelayedTaskCount(); got != 0 {
		t.Errorf("DelayedTaskCount() = %d, want 0", got)
	}
	time.Sleep(100 * time.Millisecond)
	if ran.Load() {
		t.Error("cancelled delayed task ran")
	}
}

// TestTaskService_FixedRate verifies start-to-start scheduling
// Given: A fixed-rate task with 20ms period
// When: It runs for ~200ms and is cancelled
// Then: It executed several times and stops after Cancel
func TestTaskService_FixedRate(t *testing.T) {
	// Arrange
	svc := newTestService(t)
	var count atomic.Int32

	// Act
	f, err := svc.ScheduleAtFixedRate("rate", func(ctx context.Context) { count.Add(1) }, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("ScheduleAtFixedRate failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	f.Cancel()
	afterCancel := count.Load()
	time.Sleep(100 * time.Millisecond)

	// Assert
	if afterCancel < 4 {
		t.Errorf("executions = %d, want >= 4", afterCancel)
	}
	if got := count.Load(); got > afterCancel+1 {
		t.Errorf("executions after Cancel = %d, want <= %d", got, afterCancel+1)
	}
}

// TestTaskService_FixedRateCatchesUpWithoutOverlap verifies overrun handling
// Given: A fixed-rate task with 10ms period whose first run takes 60ms
// When: It runs for a while
// Then: Missed ticks are caught up immediately and executions never overlap
func TestTaskService_FixedRateCatchesUpWithoutOverlap(t *testing.T) {
	// Arrange
	svc := newTestService(t)
	var detector overlapDetector
	var count atomic.Int32

	// Act
	f, _ := svc.ScheduleAtFixedRate("overrun", func(ctx context.Context) {
		detector.enter()
		defer detector.leave()
		if count.Add(1) == 1 {
			time.Sleep(60 * time.Millisecond)
		}
	}, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	f.Cancel()

	// Assert
	if detector.sawOverlap() {
		t.Error("periodic executions overlapped")
	}
	// 100ms / 10ms = 10 ticks; with catch-up the overrun costs nothing.
	if got := count.Load(); got < 6 {
		t.Errorf("executions = %d, want >= 6 (catch-up)", got)
	}
}

// TestTaskService_FixedInterval verifies end-to-start scheduling
// Given: A fixed-interval task with 30ms period that takes 30ms
// When: It runs for ~300ms
// Then: Consecutive starts are at least 60ms apart
func TestTaskService_FixedInterval(t *testing.T) {
	// Arrange
	svc := newTestService(t)
	var mu sync.Mutex
	var starts []time.Time

	// Act
	f, _ := svc.ScheduleAtFixedInterval("interval", func(ctx context.Context) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
	}, 30*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	f.Cancel()

	// Assert
	mu.Lock()
	defer mu.Unlock()
	if len(starts) < 2 {
		t.Fatalf("executions = %d, want >= 2", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < 55*time.Millisecond {
			t.Errorf("gap[%d] = %v, want >= 60ms", i, gap)
		}
	}
}

// TestTaskService_PeriodicPanicStops verifies a panicking periodic task
// Given: A fixed-rate task that panics on its second run
// When: The handle is awaited
// Then: It completes with *PanicError and no third run happens
func TestTaskService_PeriodicPanicStops(t *testing.T) {
	// Arrange
	svc := newTestService(t)
	var count atomic.Int32

	// Act
	f, _ := svc.ScheduleAtFixedRate("panicky", func(ctx context.Context) {
		if count.Add(1) == 2 {
			panic("second run")
		}
	}, 10*time.Millisecond)
	_, err := f.GetWithTimeout(time.Second)
	time.Sleep(50 * time.Millisecond)

	// Assert
	var perr *core.PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *PanicError", err)
	}
	if got := count.Load(); got != 2 {
		t.Errorf("executions = %d, want 2", got)
	}
}

// TestTaskService_PeriodicCancelledByShutdown verifies shutdown completes periodic handles
func TestTaskService_PeriodicCancelledByShutdown(t *testing.T) {
	svc := newTestService(t)
	f, _ := svc.ScheduleAtFixedIntervalAfterDelay("periodic", func(ctx context.Context) {}, time.Hour, time.Hour)

	svc.Shutdown()

	if _, err := f.GetWithTimeout(time.Second); !errors.Is(err, core.ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
}

// TestTaskService_FormattedStatistics verifies the statistics report
// Given: Two completed tasks in category "done" and a running named task in "busy"
// When: FormattedStatistics is called with and without inactive categories
// Then: The report lists categories with counts and the active task id
func TestTaskService_FormattedStatistics(t *testing.T) {
	// Arrange
	svc := newTestService(t)
	for range 2 {
		f, _ := svc.Submit("done", "", func(ctx context.Context) {})
		f.GetWithTimeout(time.Second)
	}
	waitFor(t, time.Second, func() bool {
		return strings.Contains(svc.FormattedStatistics(false, true), "Completed: 2")
	}, "two completions recorded")

	release := make(chan struct{})
	started := make(chan struct{})
	svc.Execute("busy", "job-1", func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started
	defer close(release)

	// Act
	all := svc.FormattedStatistics(true, true)
	activeOnly := svc.FormattedStatistics(true, false)

	// Assert
	if !strings.Contains(all, "done\n    Submitted: 2, Active: 0, Completed: 2, MaxParallel: 1, AvgTime: ") {
		t.Errorf("report missing done line:\n%s", all)
	}
	if !strings.Contains(all, "busy\n    Submitted: 1, Active: 1, Completed: 0, MaxParallel: 1\n") {
		t.Errorf("report missing busy line:\n%s", all)
	}
	if !strings.Contains(all, "        Named tasks:\n          job-1 [test-pool-") {
		t.Errorf("report missing named task:\n%s", all)
	}
	if strings.Contains(activeOnly, "done") {
		t.Errorf("active-only report contains inactive category:\n%s", activeOnly)
	}
	if !strings.Contains(activeOnly, "busy") {
		t.Errorf("active-only report missing busy:\n%s", activeOnly)
	}
}

// TestTaskService_ResetKeepsServiceUsable verifies Reset as PoolIntrospector
func TestTaskService_ResetKeepsServiceUsable(t *testing.T) {
	var introspector core.PoolIntrospector = newTestService(t)
	svc := introspector.(*core.TaskService)

	svc.ScheduleAfterDelay("pending", func(ctx context.Context) {}, time.Hour)
	if n := introspector.Reset(); n != 0 {
		t.Errorf("Reset() = %d, want 0 (delayed entries are not counted)", n)
	}

	f, err := svc.Submit("after-reset", "", func(ctx context.Context) {})
	if err != nil {
		t.Fatalf("Submit after Reset failed: %v", err)
	}
	if _, err := f.GetWithTimeout(time.Second); err != nil {
		t.Errorf("task after Reset error = %v", err)
	}
	if got := introspector.CurrentThreadCount(); got < 0 {
		t.Errorf("CurrentThreadCount() = %d", got)
	}
}

// TestTaskService_StatisticsLogging verifies the periodic debug log survives Reset
func TestTaskService_StatisticsLogging(t *testing.T) {
	logger := &recordingLogger{}
	svc := newTestService(t, withLogger(logger))

	if err := svc.StartStatisticsLogging(20 * time.Millisecond); err != nil {
		t.Fatalf("StartStatisticsLogging failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(logger.find("debug", "Task statistics")) >= 1 }, "statistics logged")

	svc.Reset()
	before := len(logger.find("debug", "Task statistics"))
	waitFor(t, time.Second, func() bool { return len(logger.find("debug", "Task statistics")) > before }, "statistics logged after reset")

	svc.StartStatisticsLogging(0)
}
