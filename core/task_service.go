package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const statisticsLogCategory = "TaskService statistics logging"

// TaskService is the submission facade over a WorkerPool. Every submission
// carries a category (and optionally a task id) that is recorded in the
// pool's statistics; neither influences scheduling.
type TaskService struct {
	pool   *WorkerPool
	logger Logger

	statsMu       sync.Mutex
	statsInterval time.Duration
	statsHandle   *Future[struct{}]
}

// NewTaskService creates a TaskService submitting onto pool.
func NewTaskService(pool *WorkerPool) *TaskService {
	return &TaskService{
		pool:   pool,
		logger: pool.Logger(),
	}
}

// Pool returns the underlying WorkerPool.
func (s *TaskService) Pool() *WorkerPool {
	return s.pool
}

// Logger returns the logger of the underlying pool.
func (s *TaskService) Logger() Logger {
	return s.logger
}

// Execute runs task asynchronously. A panic inside task is logged by the
// pool's PanicHandler and counted as a failure; the worker keeps running.
func (s *TaskService) Execute(category, taskID string, task Task) error {
	if task == nil {
		return invalidArgument("task must not be nil")
	}
	return s.pool.post(runnableItem(TaskDescriptor{Category: category, ID: taskID}, task, nil))
}

// executeStep posts a step owned by one of the toolkit primitives. onDiscard
// runs if the pool drops the step without running it (Shutdown, Reset).
func (s *TaskService) executeStep(category string, step Task, onDiscard func()) error {
	return s.pool.post(runnableItem(TaskDescriptor{Category: category}, step, onDiscard))
}

func runnableItem(desc TaskDescriptor, task Task, onDiscard func()) TaskItem {
	return TaskItem{
		Descriptor: desc,
		discard:    onDiscard,
		Run: func(ctx context.Context) error {
			task(ctx)
			return nil
		},
	}
}

// Submit runs task asynchronously and returns a handle to await or cancel it.
// A panic is delivered to the awaiting caller as a *PanicError.
func (s *TaskService) Submit(category, taskID string, task Task) (*Future[struct{}], error) {
	if task == nil {
		return nil, invalidArgument("task must not be nil")
	}
	return SubmitCallable(s, category, taskID, runnableCallable(task))
}

// SubmitCallable runs fn asynchronously and returns a handle to its result.
func SubmitCallable[T any](s *TaskService, category, taskID string, fn Callable[T]) (*Future[T], error) {
	if fn == nil {
		return nil, invalidArgument("callable must not be nil")
	}
	f := newFuture[T]()
	desc := TaskDescriptor{Category: category, ID: taskID}
	if err := s.pool.post(futureItem(s, desc, f, fn)); err != nil {
		return nil, err
	}
	return f, nil
}

// ScheduleAfterDelay runs task once after delay.
func (s *TaskService) ScheduleAfterDelay(category string, task Task, delay time.Duration) (*Future[struct{}], error) {
	if task == nil {
		return nil, invalidArgument("task must not be nil")
	}
	return ScheduleCallableAfterDelay(s, category, runnableCallable(task), delay)
}

// ScheduleCallableAfterDelay runs fn once after delay and returns a handle
// to its result. Cancelling the handle before it fires removes the entry
// from the pool's delay queue.
func ScheduleCallableAfterDelay[T any](s *TaskService, category string, fn Callable[T], delay time.Duration) (*Future[T], error) {
	if fn == nil {
		return nil, invalidArgument("callable must not be nil")
	}
	return scheduleCallable(s, category, fn, delay, nil)
}

// scheduleCallable backs ScheduleCallableAfterDelay. onDiscard runs after the
// handle was completed with ErrCancelled because the pool dropped the entry.
func scheduleCallable[T any](s *TaskService, category string, fn Callable[T], delay time.Duration, onDiscard func()) (*Future[T], error) {
	f := newFuture[T]()
	item := futureItem(s, TaskDescriptor{Category: category}, f, fn)
	if onDiscard != nil {
		item.discard = func() {
			f.discard()
			onDiscard()
		}
	}
	entry, err := s.pool.postDelayed(item, delay)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.onCancel = func() { s.pool.cancelDelayed(entry) }
	f.mu.Unlock()
	return f, nil
}

func runnableCallable(task Task) Callable[struct{}] {
	return func(ctx context.Context) (struct{}, error) {
		task(ctx)
		return struct{}{}, nil
	}
}

// futureItem wraps fn so that its outcome completes f. A future cancelled
// while queued fails its claim and is skipped when dequeued.
func futureItem[T any](s *TaskService, desc TaskDescriptor, f *Future[T], fn Callable[T]) TaskItem {
	return TaskItem{
		Descriptor: desc,
		discard:    f.discard,
		claim:      f.markRunning,
		Run: func(ctx context.Context) error {
			var value T
			var err error
			if perr := runRecovering(func() { value, err = fn(ctx) }); perr != nil {
				s.logger.Warn("Uncaught panic in submitted task; delivering it to the awaiting caller",
					F("category", desc.category()),
					F("task_id", desc.ID),
					F("panic", perr.Value),
				)
				f.complete(value, perr)
				return perr
			}
			f.complete(value, err)
			return err
		},
	}
}

// =============================================================================
// Periodic tasks
// =============================================================================

// ScheduleAtFixedRate runs task every period, measured between start times.
// Overruns are caught up: the next execution starts immediately, never
// concurrently with the previous one.
func (s *TaskService) ScheduleAtFixedRate(category string, task Task, period time.Duration) (*Future[struct{}], error) {
	return s.schedulePeriodic(category, task, 0, period, true)
}

// ScheduleAtFixedRateAfterDelay is ScheduleAtFixedRate with an initial delay.
func (s *TaskService) ScheduleAtFixedRateAfterDelay(category string, task Task, initialDelay, period time.Duration) (*Future[struct{}], error) {
	return s.schedulePeriodic(category, task, initialDelay, period, true)
}

// ScheduleAtFixedInterval runs task repeatedly, waiting period between the
// end of one execution and the start of the next.
func (s *TaskService) ScheduleAtFixedInterval(category string, task Task, period time.Duration) (*Future[struct{}], error) {
	return s.schedulePeriodic(category, task, 0, period, false)
}

// ScheduleAtFixedIntervalAfterDelay is ScheduleAtFixedInterval with an initial delay.
func (s *TaskService) ScheduleAtFixedIntervalAfterDelay(category string, task Task, initialDelay, period time.Duration) (*Future[struct{}], error) {
	return s.schedulePeriodic(category, task, initialDelay, period, false)
}

// periodicTask re-posts itself as a delayed task after every execution.
// The returned future stays pending until it is cancelled, the task panics
// or the pool shuts down.
type periodicTask struct {
	svc       *TaskService
	desc      TaskDescriptor
	task      Task
	period    time.Duration
	fixedRate bool
	future    *Future[struct{}]

	mu        sync.Mutex
	entry     *DelayedTask
	nextRunAt time.Time
}

func (s *TaskService) schedulePeriodic(category string, task Task, initialDelay, period time.Duration, fixedRate bool) (*Future[struct{}], error) {
	if task == nil {
		return nil, invalidArgument("task must not be nil")
	}
	if period <= 0 {
		return nil, invalidArgument("period must be positive, got %v", period)
	}
	if initialDelay < 0 {
		initialDelay = 0
	}

	p := &periodicTask{
		svc:       s,
		desc:      TaskDescriptor{Category: category},
		task:      task,
		period:    period,
		fixedRate: fixedRate,
		future:    newFuture[struct{}](),
	}
	p.future.onCancel = p.cancelPending

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextRunAt = time.Now().Add(initialDelay)
	if err := p.scheduleLocked(initialDelay); err != nil {
		return nil, err
	}
	return p.future, nil
}

func (p *periodicTask) scheduleLocked(delay time.Duration) error {
	entry, err := p.svc.pool.postDelayed(TaskItem{
		Descriptor: p.desc,
		Run:        p.run,
		discard:    p.future.discard,
		claim:      func() bool { return !p.future.IsDone() },
	}, delay)
	if err != nil {
		return err
	}
	p.entry = entry
	return nil
}

func (p *periodicTask) cancelPending() {
	p.mu.Lock()
	entry := p.entry
	p.entry = nil
	p.mu.Unlock()
	p.svc.pool.cancelDelayed(entry)
}

func (p *periodicTask) run(ctx context.Context) error {
	if perr := runRecovering(func() { p.task(ctx) }); perr != nil {
		p.svc.logger.Warn("Periodic task panicked; no further executions",
			F("category", p.desc.category()),
			F("panic", perr.Value),
		)
		p.future.complete(struct{}{}, perr)
		return perr
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.entry = nil
	if p.future.IsDone() {
		return nil
	}

	delay := p.period
	if p.fixedRate {
		p.nextRunAt = p.nextRunAt.Add(p.period)
		delay = time.Until(p.nextRunAt)
	}
	if err := p.scheduleLocked(delay); err != nil {
		p.future.complete(struct{}{}, fmt.Errorf("%w: %w", ErrCancelled, err))
	}
	return nil
}

// =============================================================================
// Statistics and introspection
// =============================================================================

// StartStatisticsLogging logs thread counts and the formatted statistics at
// debug level every interval. A non-positive interval stops the logging.
// The schedule survives Reset.
func (s *TaskService) StartStatisticsLogging(interval time.Duration) error {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.statsInterval = interval
	return s.armStatisticsLoggingLocked()
}

func (s *TaskService) armStatisticsLoggingLocked() error {
	if s.statsHandle != nil {
		s.statsHandle.Cancel()
		s.statsHandle = nil
	}
	if s.statsInterval <= 0 {
		return nil
	}
	handle, err := s.ScheduleAtFixedRateAfterDelay(statisticsLogCategory, s.logStatistics, s.statsInterval, s.statsInterval)
	if err != nil {
		return err
	}
	s.statsHandle = handle
	return nil
}

func (s *TaskService) logStatistics(ctx context.Context) {
	fields := []Field{F("workers", s.CurrentThreadCount())}
	if threads, err := ProcessThreadCount(); err == nil {
		fields = append(fields, F("os_threads", threads))
	}
	fields = append(fields, F("statistics", s.FormattedStatistics(true, false)))
	s.logger.Debug("Task statistics", fields...)
}

// Shutdown stops the pool. See WorkerPool.Shutdown.
func (s *TaskService) Shutdown() int {
	return s.pool.Shutdown()
}

// Reset replaces the pool generation and re-arms statistics logging.
func (s *TaskService) Reset() int {
	discarded := s.pool.Reset()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if err := s.armStatisticsLoggingLocked(); err != nil {
		s.logger.Warn("Failed to restart statistics logging after reset", F("error", err))
	}
	return discarded
}

// CurrentThreadCount returns the number of live pool workers.
func (s *TaskService) CurrentThreadCount() int {
	return s.pool.CurrentThreadCount()
}

// FormattedStatistics renders the per-category statistics.
func (s *TaskService) FormattedStatistics(addTaskIDs, includeInactive bool) string {
	return s.pool.Statistics().Format(addTaskIDs, includeInactive)
}

// Statistics returns the per-category statistics snapshot.
func (s *TaskService) Statistics() []CategoryStats {
	return s.pool.Statistics().Snapshot()
}

// RecentTasks returns recent execution records, newest first.
func (s *TaskService) RecentTasks(limit int) []TaskExecutionRecord {
	return s.pool.RecentTasks(limit)
}

// RecentFailures returns recent records of failed executions, newest first.
func (s *TaskService) RecentFailures(limit int) []TaskExecutionRecord {
	return s.pool.RecentFailures(limit)
}

var _ PoolIntrospector = (*TaskService)(nil)
