package toolkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/Swind/go-task-toolkit/config"
	"github.com/Swind/go-task-toolkit/core"
	promexport "github.com/Swind/go-task-toolkit/observability/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Toolkit owns one WorkerPool, the TaskService bound to it and, optionally,
// the Prometheus collectors exporting their state.
type Toolkit struct {
	cfg     config.Config
	logger  core.Logger
	pool    *core.WorkerPool
	service *core.TaskService

	metrics *promexport.MetricsExporter
	poller  *promexport.SnapshotPoller

	mu      sync.Mutex
	started bool
}

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prom.Registerer
}

// WithPrometheus exports pool metrics and snapshots into reg.
func WithPrometheus(reg prom.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New wires a WorkerPool and a TaskService from cfg. A nil cfg uses the
// defaults of config.Parse; a nil logger uses core.NewDefaultLogger.
// The pool accepts work only after Start.
func New(cfg *config.Config, logger core.Logger, opts ...Option) (*Toolkit, error) {
	if cfg == nil {
		parsed, err := config.Parse()
		if err != nil {
			return nil, err
		}
		cfg = parsed
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid toolkit config: %w", err)
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	poolCfg := cfg.PoolConfig(logger)
	tk := &Toolkit{cfg: *cfg, logger: logger}

	if o.registerer != nil {
		exporter, err := promexport.NewMetricsExporter(cfg.MetricsNamespace, o.registerer, promexport.ExporterOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		poller, err := promexport.NewSnapshotPoller(cfg.MetricsNamespace, o.registerer, cfg.SnapshotInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to register snapshot gauges: %w", err)
		}
		poolCfg.Metrics = exporter
		tk.metrics = exporter
		tk.poller = poller
	}

	tk.pool = core.NewWorkerPool(poolCfg)
	tk.service = core.NewTaskService(tk.pool)

	if tk.poller != nil {
		tk.poller.AddPool(tk.pool.ID(), tk.pool)
		tk.poller.AddCategories(tk.pool.ID(), tk.service)
	}
	return tk, nil
}

// Start starts the pool, the periodic statistics log and snapshot polling.
// Repeated calls are no-ops.
func (tk *Toolkit) Start(ctx context.Context) error {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.started {
		return nil
	}

	tk.pool.Start(ctx)
	if tk.cfg.StatsLogInterval > 0 {
		if err := tk.service.StartStatisticsLogging(tk.cfg.StatsLogInterval); err != nil {
			tk.pool.Shutdown()
			return fmt.Errorf("failed to start statistics logging: %w", err)
		}
	}
	if tk.poller != nil {
		tk.poller.Start(ctx)
	}
	tk.started = true

	tk.logger.Info("Toolkit started",
		core.F("pool", tk.pool.ID()),
		core.F("max_workers", tk.pool.MaxWorkers()),
	)
	return nil
}

// Shutdown stops polling and shuts the pool down. It returns the number of
// queued tasks that never started.
func (tk *Toolkit) Shutdown() int {
	tk.mu.Lock()
	defer tk.mu.Unlock()

	if tk.poller != nil {
		tk.poller.Stop()
		// Final snapshot so scrapes after shutdown see the stopped pool.
		tk.poller.CollectOnce()
	}
	discarded := tk.service.Shutdown()
	tk.started = false
	return discarded
}

// Service returns the TaskService of the toolkit.
func (tk *Toolkit) Service() *core.TaskService {
	return tk.service
}

// Pool returns the WorkerPool of the toolkit.
func (tk *Toolkit) Pool() *core.WorkerPool {
	return tk.pool
}

// Logger returns the logger shared by all components.
func (tk *Toolkit) Logger() core.Logger {
	return tk.logger
}

// Config returns a copy of the effective configuration.
func (tk *Toolkit) Config() config.Config {
	return tk.cfg
}

// NewOrderedQueue creates an OrderedExecutionQueue and exports its snapshots
// when Prometheus is enabled.
func (tk *Toolkit) NewOrderedQueue(name string) *core.OrderedExecutionQueue {
	q := core.NewOrderedExecutionQueue(name, tk.service)
	tk.poller.AddRunner(name, q)
	return q
}

// Observe exports the snapshots of any runner, such as an
// OrderedCallbackManager, under name. It is a no-op without Prometheus.
func (tk *Toolkit) Observe(name string, runner promexport.RunnerSnapshotProvider) {
	tk.poller.AddRunner(name, runner)
}

// Forget stops exporting the runner registered under name.
func (tk *Toolkit) Forget(name string) {
	tk.poller.RemoveRunner(name)
}
