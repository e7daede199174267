package core_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Swind/go-task-toolkit/core"
)

// newTestService starts a pool with a silent logger and shuts it down when
// the test ends.
func newTestService(t *testing.T, opts ...func(*core.WorkerPoolConfig)) *core.TaskService {
	t.Helper()

	cfg := core.DefaultWorkerPoolConfig()
	cfg.Name = "test-pool"
	cfg.MaxWorkers = 8
	cfg.Logger = core.NewNoOpLogger()
	for _, opt := range opts {
		opt(&cfg)
	}

	pool := core.NewWorkerPool(cfg)
	pool.Start(context.Background())
	t.Cleanup(func() { pool.Shutdown() })

	return core.NewTaskService(pool)
}

func withLogger(logger core.Logger) func(*core.WorkerPoolConfig) {
	return func(cfg *core.WorkerPoolConfig) { cfg.Logger = logger }
}

// recordingLogger keeps every log entry for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	Level  string
	Msg    string
	Fields map[string]any
}

func (l *recordingLogger) record(level, msg string, fields []core.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.entries = append(l.entries, logEntry{Level: level, Msg: msg, Fields: m})
}

func (l *recordingLogger) Debug(msg string, fields ...core.Field) { l.record("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...core.Field)  { l.record("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...core.Field)  { l.record("warn", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...core.Field) { l.record("error", msg, fields) }

// find returns entries of level whose message contains substr.
func (l *recordingLogger) find(level, substr string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range l.entries {
		if e.Level == level && strings.Contains(e.Msg, substr) {
			out = append(out, e)
		}
	}
	return out
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", timeout, fmt.Sprintf(format, args...))
	}
}

// overlapDetector fails if enter is called while another call is inside.
type overlapDetector struct {
	mu      sync.Mutex
	inside  int
	overlap bool
}

func (d *overlapDetector) enter() {
	d.mu.Lock()
	d.inside++
	if d.inside > 1 {
		d.overlap = true
	}
	d.mu.Unlock()
}

func (d *overlapDetector) leave() {
	d.mu.Lock()
	d.inside--
	d.mu.Unlock()
}

func (d *overlapDetector) sawOverlap() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlap
}

func singleWorker(cfg *core.WorkerPoolConfig) { cfg.MaxWorkers = 1 }

// occupyWorker holds one pool worker with a blocking task until the returned
// function is called. Later items queue up behind it.
func occupyWorker(t *testing.T, svc *core.TaskService) (release func()) {
	t.Helper()
	hold := make(chan struct{})
	started := make(chan struct{})
	if err := svc.Execute("blocker", "", func(ctx context.Context) {
		close(started)
		<-hold
	}); err != nil {
		t.Fatalf("Execute(blocker) failed: %v", err)
	}
	<-started

	var once sync.Once
	release = func() { once.Do(func() { close(hold) }) }
	t.Cleanup(release)
	return release
}
