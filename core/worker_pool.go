package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WorkerPool manages a bounded, elastic set of worker goroutines pulling
// tasks from a shared ready queue, plus a DelayManager for delayed work.
//
// Workers are started on demand up to MaxWorkers and exit after IdleTimeout
// without work, so an idle pool holds no goroutines besides the delay loop.
//
// Shutdown and Reset retire the current generation (scheduler, delay heap,
// statistics, workers). Reset installs a fresh generation immediately.
type WorkerPool struct {
	id     string
	config WorkerPoolConfig
	logger Logger

	lifecycleMu sync.Mutex
	baseCtx     context.Context
	generations atomic.Int32
	current     atomic.Pointer[poolGeneration]
	retired     atomic.Pointer[poolGeneration]
}

type poolGeneration struct {
	pool       *WorkerPool
	index      int
	scheduler  *TaskScheduler
	delays     *DelayManager
	statistics *TaskStatistics
	history    *executionHistory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workersMu    sync.Mutex
	live         int
	idle         int
	nextWorkerID int
}

// NewWorkerPool creates a new WorkerPool. The pool accepts work only after Start.
func NewWorkerPool(config WorkerPoolConfig) *WorkerPool {
	config = config.withDefaults()
	return &WorkerPool{
		id:      config.Name,
		config:  config,
		logger:  config.Logger,
		baseCtx: context.Background(),
	}
}

// Start installs the first generation. Task contexts derive from ctx.
func (p *WorkerPool) Start(ctx context.Context) {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.current.Load() != nil {
		return // Already running
	}
	if ctx != nil {
		p.baseCtx = ctx
	}
	p.startLocked()
}

func (p *WorkerPool) startLocked() {
	index := int(p.generations.Add(1))
	ctx, cancel := context.WithCancel(p.baseCtx)
	g := &poolGeneration{
		pool:       p,
		index:      index,
		scheduler:  newTaskScheduler(p.id, p.config.MaxWorkers, p.config.Metrics, p.config.RejectedTaskHandler),
		statistics: newTaskStatistics(p.logger),
		history:    newExecutionHistory(p.config.HistoryCapacity),
		ctx:        ctx,
		cancel:     cancel,
	}
	g.delays = NewDelayManager(g.post)
	p.current.Store(g)

	p.logger.Debug("Worker pool started",
		F("pool", p.id),
		F("generation", index),
		F("max_workers", p.config.MaxWorkers),
	)
}

// Shutdown stops accepting new work, discards queued and delayed tasks and
// cancels the context seen by running tasks. Running tasks are not waited for.
// It returns the number of queued tasks that never started.
func (p *WorkerPool) Shutdown() int {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	return p.shutdownLocked()
}

func (p *WorkerPool) shutdownLocked() int {
	g := p.current.Swap(nil)
	if g == nil {
		return 0
	}
	return p.retireLocked(g)
}

// retireLocked discards the queued and delayed items of g and cancels its
// context. Discard hooks run last, so a hook that re-posts its step lands
// on whatever generation is current by then.
func (p *WorkerPool) retireLocked(g *poolGeneration) int {
	discarded := g.scheduler.Shutdown()
	for _, item := range g.delays.Stop() {
		if item.discard != nil {
			item.discard()
		}
	}
	g.cancel()
	p.retired.Store(g)

	p.logger.Debug("Worker pool generation retired",
		F("pool", p.id),
		F("generation", g.index),
		F("discarded", discarded),
	)
	return discarded
}

// Reset installs a fresh generation and then retires the previous one. It
// returns the number of queued tasks that never started.
func (p *WorkerPool) Reset() int {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	old := p.current.Load()
	p.startLocked()
	if old == nil {
		return 0
	}
	return p.retireLocked(old)
}

// StopGraceful stops accepting new work and waits until queued and active
// tasks are done, then shuts down. Returns error if timeout is exceeded.
func (p *WorkerPool) StopGraceful(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	g := p.current.Load()
	if g == nil {
		return nil
	}
	err := g.scheduler.ShutdownGraceful(timeout)
	p.shutdownLocked()
	if err != nil {
		return err
	}
	g.wg.Wait()
	return nil
}

// AwaitTermination waits until all workers of the most recently shut down
// generation have exited. It returns false on timeout.
func (p *WorkerPool) AwaitTermination(timeout time.Duration) bool {
	g := p.retired.Load()
	if g == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// post queues item on the current generation.
func (p *WorkerPool) post(item TaskItem) error {
	g := p.current.Load()
	if g == nil {
		p.reject(item.Descriptor)
		return ErrPoolShutdown
	}
	return g.post(item)
}

// postDelayed schedules item on the current generation's DelayManager.
func (p *WorkerPool) postDelayed(item TaskItem, delay time.Duration) (*DelayedTask, error) {
	g := p.current.Load()
	if g == nil {
		p.reject(item.Descriptor)
		return nil, ErrPoolShutdown
	}
	entry, err := g.delays.AddDelayedTask(item, delay)
	if err != nil {
		p.reject(item.Descriptor)
		return nil, err
	}
	return entry, nil
}

func (p *WorkerPool) cancelDelayed(entry *DelayedTask) bool {
	if entry == nil || entry.owner == nil {
		return false
	}
	return entry.owner.Remove(entry)
}

func (p *WorkerPool) reject(desc TaskDescriptor) {
	p.config.RejectedTaskHandler.HandleRejectedTask(desc, "shutdown")
	p.config.Metrics.RecordTaskRejected(desc.category(), "shutdown")
}

// latest returns the running generation, or the last retired one.
func (p *WorkerPool) latest() *poolGeneration {
	if g := p.current.Load(); g != nil {
		return g
	}
	return p.retired.Load()
}

func (g *poolGeneration) post(item TaskItem) error {
	// Counted before a worker can see the item.
	g.statistics.recordSubmitted(item.Descriptor)
	if err := g.scheduler.PostInternal(item); err != nil {
		g.statistics.revertSubmitted(item.Descriptor)
		return err
	}
	g.ensureWorker()
	return nil
}

// ensureWorker starts a worker if queued work exceeds idle workers.
func (g *poolGeneration) ensureWorker() {
	g.workersMu.Lock()
	if g.ctx.Err() != nil || g.live >= g.pool.config.MaxWorkers || g.scheduler.QueuedTaskCount() <= g.idle {
		g.workersMu.Unlock()
		return
	}
	g.live++
	g.nextWorkerID++
	workerID := g.nextWorkerID
	g.wg.Add(1)
	g.workersMu.Unlock()

	go g.workerLoop(workerID)
}

// workerLoop is the main loop for each worker
func (g *poolGeneration) workerLoop(workerID int) {
	defer g.wg.Done()

	name := fmt.Sprintf("%s-%d-%d", g.pool.id, g.index, workerID)
	ctx := context.WithValue(g.ctx, workerNameKey, name)
	stopCh := g.ctx.Done()
	idleTimeout := g.pool.config.IdleTimeout

	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	for {
		if item, ok := g.scheduler.TryGetWork(); ok {
			g.execute(ctx, name, item)
			continue
		}

		g.adjustIdle(1)
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(idleTimeout)

		select {
		case <-g.scheduler.Signal():
			g.adjustIdle(-1)
		case <-stopCh:
			g.adjustIdle(-1)
			g.retireWorker()
			return
		case <-idleTimer.C:
			if g.retireIdleWorker() {
				return
			}
		}
	}
}

func (g *poolGeneration) adjustIdle(delta int) {
	g.workersMu.Lock()
	g.idle += delta
	g.workersMu.Unlock()
}

func (g *poolGeneration) retireWorker() {
	g.workersMu.Lock()
	g.live--
	g.workersMu.Unlock()
}

// retireIdleWorker exits an idle worker unless work arrived meanwhile.
func (g *poolGeneration) retireIdleWorker() bool {
	g.workersMu.Lock()
	defer g.workersMu.Unlock()
	g.idle--
	if g.scheduler.QueuedTaskCount() > 0 {
		return false
	}
	g.live--
	return true
}

// execute runs one item with statistics, history, metrics and last-resort
// panic handling. A panic never terminates the worker.
func (g *poolGeneration) execute(ctx context.Context, worker string, item TaskItem) {
	// A task cancelled while queued is dropped without a trace in the
	// statistics, history or metrics.
	if item.claim != nil && !item.claim() {
		return
	}

	desc := item.Descriptor
	category := desc.category()
	cfg := g.pool.config

	g.scheduler.OnTaskStart()
	g.statistics.beforeExecution(desc, worker)
	startedAt := time.Now()

	var err error
	perr := runRecovering(func() {
		if item.Run == nil {
			panic(fmt.Sprintf("task %q of category %q has no body", desc.ID, category))
		}
		err = item.Run(ctx)
	})

	finishedAt := time.Now()
	duration := finishedAt.Sub(startedAt)
	failed := perr != nil || err != nil

	g.statistics.afterExecution(desc, duration, failed)
	g.scheduler.OnTaskEnd()

	cfg.Metrics.RecordTaskDuration(category, duration)
	if failed {
		cfg.Metrics.RecordTaskFailure(category)
	}
	g.history.Add(TaskExecutionRecord{
		ExecutionID: uuid.NewString(),
		Category:    category,
		TaskID:      desc.ID,
		Worker:      worker,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		Duration:    duration,
		Failed:      failed,
	})

	if perr != nil {
		cfg.PanicHandler.HandlePanic(ctx, g.pool.id, desc, perr.Value, perr.Stack)
	}
}

// =============================================================================
// Introspection
// =============================================================================

// ID returns the ID of the worker pool
func (p *WorkerPool) ID() string {
	return p.id
}

// IsRunning returns whether the pool accepts work
func (p *WorkerPool) IsRunning() bool {
	return p.current.Load() != nil
}

// Logger returns the logger components bound to this pool should use.
func (p *WorkerPool) Logger() Logger {
	return p.logger
}

// Metrics returns the metrics sink of this pool.
func (p *WorkerPool) Metrics() Metrics {
	return p.config.Metrics
}

// MaxWorkers returns the upper bound of live workers
func (p *WorkerPool) MaxWorkers() int {
	return p.config.MaxWorkers
}

// CurrentThreadCount returns the number of live workers of the running generation.
func (p *WorkerPool) CurrentThreadCount() int {
	g := p.current.Load()
	if g == nil {
		return 0
	}
	g.workersMu.Lock()
	defer g.workersMu.Unlock()
	return g.live
}

func (p *WorkerPool) QueuedTaskCount() int {
	if g := p.current.Load(); g != nil {
		return g.scheduler.QueuedTaskCount()
	}
	return 0
}

func (p *WorkerPool) ActiveTaskCount() int {
	if g := p.latest(); g != nil {
		return g.scheduler.ActiveTaskCount()
	}
	return 0
}

func (p *WorkerPool) DelayedTaskCount() int {
	if g := p.current.Load(); g != nil {
		return g.delays.TaskCount()
	}
	return 0
}

// Statistics returns the statistics table of the running (or last) generation.
func (p *WorkerPool) Statistics() *TaskStatistics {
	if g := p.latest(); g != nil {
		return g.statistics
	}
	return newTaskStatistics(p.logger)
}

// RecentTasks returns completed task execution records in newest-first order.
func (p *WorkerPool) RecentTasks(limit int) []TaskExecutionRecord {
	return p.selectHistory(limit, nil)
}

// RecentFailures returns the newest records of tasks that panicked or
// returned an error.
func (p *WorkerPool) RecentFailures(limit int) []TaskExecutionRecord {
	return p.selectHistory(limit, failedExecution)
}

func (p *WorkerPool) selectHistory(limit int, match func(TaskExecutionRecord) bool) []TaskExecutionRecord {
	if g := p.latest(); g != nil {
		return g.history.Select(limit, match)
	}
	return nil
}

// Stats returns current observability data for this pool.
func (p *WorkerPool) Stats() PoolStats {
	stats := PoolStats{
		ID:         p.id,
		MaxWorkers: p.config.MaxWorkers,
	}
	g := p.current.Load()
	if g == nil {
		return stats
	}
	g.workersMu.Lock()
	stats.Workers = g.live
	stats.Idle = g.idle
	g.workersMu.Unlock()

	stats.Generation = g.index
	stats.Queued = g.scheduler.QueuedTaskCount()
	stats.Active = g.scheduler.ActiveTaskCount()
	stats.Delayed = g.delays.TaskCount()
	stats.Running = true
	return stats
}
