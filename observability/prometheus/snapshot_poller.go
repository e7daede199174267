package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-task-toolkit/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// RunnerSnapshotProvider is implemented by ordered execution queues and
// callback managers.
type RunnerSnapshotProvider interface {
	Stats() core.RunnerStats
}

// PoolSnapshotProvider is implemented by core.WorkerPool.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// CategorySnapshotProvider is implemented by core.TaskService.
type CategorySnapshotProvider interface {
	Statistics() []core.CategoryStats
}

// SnapshotPoller periodically copies Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	providersMu sync.RWMutex
	runners     map[string]RunnerSnapshotProvider
	pools       map[string]PoolSnapshotProvider
	categories  map[string]CategorySnapshotProvider

	runnerPending   *prom.GaugeVec
	runnerRunning   *prom.GaugeVec
	runnerRejected  *prom.GaugeVec
	runnerClosed    *prom.GaugeVec
	runnerListeners *prom.GaugeVec

	poolQueued     *prom.GaugeVec
	poolActive     *prom.GaugeVec
	poolDelayed    *prom.GaugeVec
	poolWorkers    *prom.GaugeVec
	poolIdle       *prom.GaugeVec
	poolGeneration *prom.GaugeVec
	poolRunning    *prom.GaugeVec

	categorySubmitted   *prom.GaugeVec
	categoryActive      *prom.GaugeVec
	categoryCompleted   *prom.GaugeVec
	categoryMaxParallel *prom.GaugeVec
	categoryFailures    *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	namespace = normalizeLabel(namespace, DefaultNamespace)
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	p := &SnapshotPoller{
		interval:   interval,
		runners:    make(map[string]RunnerSnapshotProvider),
		pools:      make(map[string]PoolSnapshotProvider),
		categories: make(map[string]CategorySnapshotProvider),
	}

	runnerLabels := []string{"runner", "type"}
	poolLabels := []string{"pool"}
	categoryLabels := []string{"service", "category"}
	gauges := []struct {
		target **prom.GaugeVec
		name   string
		help   string
		labels []string
	}{
		{&p.runnerPending, "runner_pending", "Number of pending tasks or callbacks per runner.", runnerLabels},
		{&p.runnerRunning, "runner_running", "Number of running drains per runner.", runnerLabels},
		{&p.runnerRejected, "runner_rejected_total", "Runner rejected task count snapshot.", runnerLabels},
		{&p.runnerClosed, "runner_closed", "Runner closed state (1=closed, 0=open).", runnerLabels},
		{&p.runnerListeners, "runner_listeners", "Registered listeners per callback manager.", runnerLabels},
		{&p.poolQueued, "pool_queued", "Queued tasks per pool.", poolLabels},
		{&p.poolActive, "pool_active", "Active tasks per pool.", poolLabels},
		{&p.poolDelayed, "pool_delayed", "Delayed tasks per pool.", poolLabels},
		{&p.poolWorkers, "pool_workers", "Live worker count per pool.", poolLabels},
		{&p.poolIdle, "pool_idle_workers", "Idle worker count per pool.", poolLabels},
		{&p.poolGeneration, "pool_generation", "Pool generation, incremented by every reset.", poolLabels},
		{&p.poolRunning, "pool_running", "Pool running state (1=running, 0=stopped).", poolLabels},
		{&p.categorySubmitted, "category_submitted", "Tasks submitted per category in the current generation.", categoryLabels},
		{&p.categoryActive, "category_active", "Tasks currently executing per category.", categoryLabels},
		{&p.categoryCompleted, "category_completed", "Tasks completed per category in the current generation.", categoryLabels},
		{&p.categoryMaxParallel, "category_max_parallel", "Peak parallel executions per category.", categoryLabels},
		{&p.categoryFailures, "category_failures", "Failed tasks per category in the current generation.", categoryLabels},
	}
	for _, g := range gauges {
		vec, err := registerCollector(reg, prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      g.name,
			Help:      g.help,
		}, g.labels))
		if err != nil {
			return nil, err
		}
		*g.target = vec
	}
	return p, nil
}

// AddRunner adds or replaces a runner snapshot provider by name.
func (p *SnapshotPoller) AddRunner(name string, provider RunnerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.providersMu.Lock()
	p.runners[normalizeLabel(name, "runner")] = provider
	p.providersMu.Unlock()
}

// RemoveRunner stops exporting a runner and drops its series.
func (p *SnapshotPoller) RemoveRunner(name string) {
	if p == nil {
		return
	}
	name = normalizeLabel(name, "runner")
	p.providersMu.Lock()
	delete(p.runners, name)
	p.providersMu.Unlock()

	match := prom.Labels{"runner": name}
	for _, vec := range []*prom.GaugeVec{p.runnerPending, p.runnerRunning, p.runnerRejected, p.runnerClosed, p.runnerListeners} {
		vec.DeletePartialMatch(match)
	}
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.providersMu.Lock()
	p.pools[normalizeLabel(name, "pool")] = provider
	p.providersMu.Unlock()
}

// AddCategories adds or replaces a per-category statistics provider.
func (p *SnapshotPoller) AddCategories(service string, provider CategorySnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.providersMu.Lock()
	p.categories[normalizeLabel(service, "service")] = provider
	p.providersMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()

	cancel()
	<-done
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CollectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CollectOnce()
		}
	}
}

// CollectOnce takes one snapshot of every registered provider.
func (p *SnapshotPoller) CollectOnce() {
	p.providersMu.RLock()
	defer p.providersMu.RUnlock()

	for name, provider := range p.runners {
		stats := provider.Stats()
		typeLabel := normalizeLabel(stats.Type, "unknown")
		p.runnerPending.WithLabelValues(name, typeLabel).Set(float64(stats.Pending))
		p.runnerRunning.WithLabelValues(name, typeLabel).Set(float64(stats.Running))
		p.runnerRejected.WithLabelValues(name, typeLabel).Set(float64(stats.Rejected))
		p.runnerClosed.WithLabelValues(name, typeLabel).Set(boolGauge(stats.Closed))
		p.runnerListeners.WithLabelValues(name, typeLabel).Set(float64(stats.Listeners))
	}

	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolDelayed.WithLabelValues(name).Set(float64(stats.Delayed))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolIdle.WithLabelValues(name).Set(float64(stats.Idle))
		p.poolGeneration.WithLabelValues(name).Set(float64(stats.Generation))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
	}

	for service, provider := range p.categories {
		for _, cs := range provider.Statistics() {
			p.categorySubmitted.WithLabelValues(service, cs.Category).Set(float64(cs.Submitted))
			p.categoryActive.WithLabelValues(service, cs.Category).Set(float64(cs.Active))
			p.categoryCompleted.WithLabelValues(service, cs.Category).Set(float64(cs.Completed))
			p.categoryMaxParallel.WithLabelValues(service, cs.Category).Set(float64(cs.MaxParallel))
			p.categoryFailures.WithLabelValues(service, cs.Category).Set(float64(cs.Failures))
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
