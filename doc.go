// Package toolkit provides concurrency building blocks on top of one shared,
// observable worker pool.
//
// Instead of starting goroutines directly, components submit categorized tasks
// to a TaskService. The service runs them on an elastic WorkerPool and keeps
// per-category statistics, so a single call can show what the process is busy
// with.
//
// # Quick Start
//
// Build the toolkit from environment configuration at application startup:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	tk, err := toolkit.New(cfg, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	tk.Start(context.Background())
//	defer tk.Shutdown()
//
// Submit work and wait for the result:
//
//	f, _ := toolkit.SubmitCallable(tk.Service(), "indexing", "doc-42", func(ctx context.Context) (int, error) {
//		return index(ctx, 42)
//	})
//	n, err := f.Get(ctx)
//
// # Key Concepts
//
// TaskService: Execute, Submit and the Schedule* family. Every task carries a
// category used for statistics and an optional task id.
//
// OrderedExecutionQueue: Tasks enqueued to one queue run one at a time in
// enqueue order, on pool workers, without a dedicated goroutine per queue.
//
// OrderedCallbackManager: Delivers callbacks to many listeners. Each listener
// sees its callbacks in order; a slow listener never delays the others.
//
// BatchAggregator: Groups elements into batches bounded by size and latency.
//
// BlockingResponseMapper: Matches asynchronously arriving responses to
// registered requests, with a timeout per request.
//
// RunnablesGroup / CallablesGroup: Fan out independent tasks and collect every
// outcome; one failure never cancels the rest.
//
// # Thread Safety
//
// All types are safe for concurrent use. Ordered queues and listener mailboxes
// assert at runtime that no two of their tasks ever overlap.
//
// For more details, see https://github.com/Swind/go-task-toolkit
package toolkit
