package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	toolkit "github.com/Swind/go-task-toolkit"
	"github.com/Swind/go-task-toolkit/core"
	promexport "github.com/Swind/go-task-toolkit/observability/prometheus"
	"github.com/Swind/go-task-toolkit/transport/natsreply"
	"github.com/nats-io/nats.go"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type demoOptions struct {
	tasks       int
	listeners   int
	callbacks   int
	batchSize   int
	metricsAddr string
	natsURL     string
	linger      time.Duration
}

// demoReport summarizes what each primitive did during a demo run.
type demoReport struct {
	ComputeSum       int
	OrderedInOrder   bool
	CallbacksPerLane []int
	ListenersLeft    int
	Batches          int
	BatchedElements  int
	Answered         int
	TimedOut         int
	GroupFailures    int
	GroupSum         int
	Heartbeats       int64
	NATSReply        string
}

func newDemoCmd(flags *rootFlags) *cobra.Command {
	opts := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a workload over every primitive and print pool statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if opts.metricsAddr == "" {
				opts.metricsAddr = cfg.MetricsAddr
			}
			if opts.natsURL == "" {
				opts.natsURL = cfg.NATSURL
			}

			var tkOpts []toolkit.Option
			var reg *prom.Registry
			if opts.metricsAddr != "" {
				reg = prom.NewRegistry()
				tkOpts = append(tkOpts, toolkit.WithPrometheus(reg))
			}
			tk, err := toolkit.New(cfg, logger, tkOpts...)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := tk.Start(ctx); err != nil {
				return err
			}
			defer tk.Shutdown()

			if reg != nil {
				srv := &http.Server{Addr: opts.metricsAddr, Handler: metricsMux(reg)}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("Metrics server failed", core.F("error", err))
					}
				}()
				defer srv.Close()
				logger.Info("Serving metrics", core.F("addr", opts.metricsAddr))
			}

			report, err := runDemo(ctx, tk, opts)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), tk, report)

			if opts.linger > 0 {
				select {
				case <-time.After(opts.linger):
				case <-ctx.Done():
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.tasks, "tasks", 200, "Number of compute tasks to submit")
	cmd.Flags().IntVar(&opts.listeners, "listeners", 3, "Number of well-behaved listeners")
	cmd.Flags().IntVar(&opts.callbacks, "callbacks", 20, "Callbacks broadcast to every listener")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 10, "Maximum batch size of the aggregator")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics on this address (overrides TOOLKIT_METRICS_ADDR)")
	cmd.Flags().StringVar(&opts.natsURL, "nats-url", "", "Run a request/reply round trip over this NATS server (overrides TOOLKIT_NATS_URL)")
	cmd.Flags().DurationVar(&opts.linger, "linger", 0, "Keep the pool and metrics endpoint up this long after the demo")
	return cmd
}

func metricsMux(reg *prom.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promexport.Handler(reg))
	return mux
}

type demoStep struct {
	name string
	run  func() error
}

// runDemo drives every toolkit primitive once and reports the observed results.
func runDemo(ctx context.Context, tk *toolkit.Toolkit, opts demoOptions) (*demoReport, error) {
	svc := tk.Service()
	report := &demoReport{}

	steps := []demoStep{
		{"compute", func() error { return demoCompute(ctx, svc, opts.tasks, report) }},
		{"ordered queue", func() error { return demoOrdered(tk, report) }},
		{"callbacks", func() error { return demoCallbacks(tk, opts, report) }},
		{"batching", func() error { return demoBatching(svc, opts.batchSize, report) }},
		{"responses", func() error { return demoResponses(ctx, svc, report) }},
		{"groups", func() error { return demoGroups(svc, report) }},
		{"heartbeat", func() error { return demoHeartbeat(svc, report) }},
	}
	if opts.natsURL != "" {
		steps = append(steps, demoStep{"nats", func() error { return demoNATS(ctx, svc, opts.natsURL, report) }})
	}

	for _, step := range steps {
		if err := step.run(); err != nil {
			return nil, fmt.Errorf("demo step %s: %w", step.name, err)
		}
	}
	return report, nil
}

func demoCompute(ctx context.Context, svc *core.TaskService, tasks int, report *demoReport) error {
	futures := make([]*core.Future[int], 0, tasks)
	for i := range tasks {
		f, err := core.SubmitCallable(svc, "demo.compute", fmt.Sprintf("job-%d", i), func(ctx context.Context) (int, error) {
			time.Sleep(time.Millisecond)
			return i * i, nil
		})
		if err != nil {
			return err
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		v, err := f.Get(ctx)
		if err != nil {
			return err
		}
		report.ComputeSum += v
	}
	return nil
}

func demoOrdered(tk *toolkit.Toolkit, report *demoReport) error {
	const n = 50
	queue := tk.NewOrderedQueue("demo.ordered")
	defer tk.Forget("demo.ordered")

	seen := make([]int, 0, n)
	done := make(chan struct{})
	for i := range n {
		if err := queue.Enqueue(func(ctx context.Context) {
			seen = append(seen, i)
			if i == n-1 {
				close(done)
			}
		}); err != nil {
			return err
		}
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return errors.New("ordered tasks did not finish in time")
	}
	if err := queue.CancelAndWaitForLastRunningTask(); err != nil {
		return err
	}

	report.OrderedInOrder = len(seen) == n
	for i, v := range seen {
		if v != i {
			report.OrderedInOrder = false
		}
	}
	return nil
}

func demoCallbacks(tk *toolkit.Toolkit, opts demoOptions, report *demoReport) error {
	svc := tk.Service()
	manager := core.NewOrderedCallbackManager[string]("demo.listeners", svc, core.LogAndCancelListener)
	tk.Observe("demo.listeners", manager)
	defer tk.Forget("demo.listeners")

	received := make(map[string]*[]int, opts.listeners)
	for i := range opts.listeners {
		name := fmt.Sprintf("listener-%d", i)
		received[name] = &[]int{}
		if err := manager.AddListener(name); err != nil {
			return err
		}
	}
	if err := manager.AddListener("faulty"); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(opts.listeners * opts.callbacks)
	for n := range opts.callbacks {
		err := manager.EnqueueCallback(func(ctx context.Context, listener string) error {
			if listener == "faulty" {
				return errors.New("faulty listener rejects every callback")
			}
			*received[listener] = append(*received[listener], n)
			wg.Done()
			return nil
		})
		if err != nil {
			return err
		}
	}
	wg.Wait()

	// The faulty listener is removed by its own lane after its first failure.
	deadline := time.Now().Add(2 * time.Second)
	for manager.ListenerCount() > opts.listeners && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for i := range opts.listeners {
		report.CallbacksPerLane = append(report.CallbacksPerLane, len(*received[fmt.Sprintf("listener-%d", i)]))
	}
	report.ListenersLeft = manager.ListenerCount()
	return nil
}

func demoBatching(svc *core.TaskService, batchSize int, report *demoReport) error {
	const elements = 95
	var mu sync.Mutex
	done := make(chan struct{})

	aggregator, err := core.NewBatchAggregator(svc, batchSize, 50*time.Millisecond,
		core.BatchProcessorFunc[int](func(ctx context.Context, batch []int) error {
			mu.Lock()
			defer mu.Unlock()
			report.Batches++
			report.BatchedElements += len(batch)
			if report.BatchedElements == elements {
				close(done)
			}
			return nil
		}))
	if err != nil {
		return err
	}
	for i := range elements {
		if err := aggregator.Add(i); err != nil {
			return err
		}
	}

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("batches not delivered in time")
	}
}

func demoResponses(ctx context.Context, svc *core.TaskService, report *demoReport) error {
	mapper := core.NewBlockingResponseMapper[string, string](svc)

	keys := []string{"req-1", "req-2", "req-3", "req-lost"}
	futures := make([]*core.Future[core.Optional[string]], 0, len(keys))
	for _, key := range keys {
		f, err := mapper.RegisterRequest(key, 200*time.Millisecond)
		if err != nil {
			return err
		}
		futures = append(futures, f)
		if key == "req-lost" {
			continue
		}
		if _, err := svc.ScheduleAfterDelay("demo.responder", func(ctx context.Context) {
			mapper.RegisterResponse(key, "response to "+key)
		}, 10*time.Millisecond); err != nil {
			return err
		}
	}

	for _, f := range futures {
		opt, err := f.Get(ctx)
		if err != nil {
			return err
		}
		if opt.IsPresent() {
			report.Answered++
		} else {
			report.TimedOut++
		}
	}
	return nil
}

func demoGroups(svc *core.TaskService, report *demoReport) error {
	runnables := core.NewRunnablesGroup(svc, "demo.group")
	for i := range 4 {
		if err := runnables.Add(func(ctx context.Context) {
			if i == 2 {
				panic("group member failed")
			}
		}); err != nil {
			return err
		}
	}
	for _, err := range runnables.ExecuteParallel() {
		if err != nil {
			report.GroupFailures++
		}
	}

	callables := core.NewCallablesGroup[int](svc, "demo.group")
	for i := range 4 {
		if err := callables.Add(func(ctx context.Context) (int, error) { return i + 1, nil }); err != nil {
			return err
		}
	}
	for _, outcome := range callables.ExecuteParallel() {
		if outcome.Err != nil {
			report.GroupFailures++
			continue
		}
		report.GroupSum += outcome.Value
	}
	return nil
}

func demoHeartbeat(svc *core.TaskService, report *demoReport) error {
	var beats atomic.Int64
	handle, err := svc.ScheduleAtFixedRate("demo.heartbeat", func(ctx context.Context) {
		beats.Add(1)
	}, 10*time.Millisecond)
	if err != nil {
		return err
	}
	time.Sleep(55 * time.Millisecond)
	handle.Cancel()
	report.Heartbeats = beats.Load()
	return nil
}

func demoNATS(ctx context.Context, svc *core.TaskService, url string, report *demoReport) error {
	conn, err := nats.Connect(url, nats.Name("toolkitctl"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer conn.Close()

	bridge, err := natsreply.NewBridge(conn, svc, natsreply.Options{})
	if err != nil {
		return err
	}
	defer bridge.Close()

	subject := "toolkitctl.demo.echo." + nats.NewInbox()
	if err := bridge.Serve(subject, func(ctx context.Context, data []byte) ([]byte, error) {
		return append([]byte("echo: "), data...), nil
	}); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}

	reply, err := bridge.Request(ctx, subject, []byte("ping"), 2*time.Second)
	if err != nil {
		return err
	}
	report.NATSReply = string(reply)
	return nil
}

func printReport(w io.Writer, tk *toolkit.Toolkit, r *demoReport) {
	fmt.Fprintf(w, "compute sum:         %d\n", r.ComputeSum)
	fmt.Fprintf(w, "ordered in order:    %t\n", r.OrderedInOrder)
	fmt.Fprintf(w, "callbacks/listener:  %v (listeners left: %d)\n", r.CallbacksPerLane, r.ListenersLeft)
	fmt.Fprintf(w, "batches:             %d (%d elements)\n", r.Batches, r.BatchedElements)
	fmt.Fprintf(w, "responses:           %d answered, %d timed out\n", r.Answered, r.TimedOut)
	fmt.Fprintf(w, "groups:              %d failures, sum %d\n", r.GroupFailures, r.GroupSum)
	fmt.Fprintf(w, "heartbeats:          %d\n", r.Heartbeats)
	if r.NATSReply != "" {
		fmt.Fprintf(w, "nats reply:          %s\n", r.NATSReply)
	}

	svc := tk.Service()
	fmt.Fprintf(w, "\nworkers:             %d\n", svc.CurrentThreadCount())
	if threads, err := core.ProcessThreadCount(); err == nil {
		fmt.Fprintf(w, "os threads:          %d\n", threads)
	}
	for _, rec := range svc.RecentFailures(5) {
		fmt.Fprintf(w, "recent failure:      %s/%s on %s after %v\n", rec.Category, rec.TaskID, rec.Worker, rec.Duration)
	}
	fmt.Fprintf(w, "\n%s", svc.FormattedStatistics(true, true))
}
