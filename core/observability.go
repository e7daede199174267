package core

import "time"

// TaskExecutionRecord captures a completed task execution event.
type TaskExecutionRecord struct {
	ExecutionID string
	Category    string
	TaskID      string
	Worker      string
	StartedAt   time.Time
	FinishedAt  time.Time
	Duration    time.Duration
	Failed      bool
}

// RunnerStats represents runtime observability state for an ordered
// execution queue or a callback manager.
type RunnerStats struct {
	Name      string
	Type      string
	Pending   int
	Running   int
	Rejected  int64
	Closed    bool
	Listeners int
}

// PoolStats represents runtime observability state for a worker pool.
type PoolStats struct {
	ID         string
	Generation int
	MaxWorkers int
	Workers    int
	Idle       int
	Queued     int
	Active     int
	Delayed    int
	Running    bool
}

// CategoryStats is a snapshot of the statistics of one task category.
type CategoryStats struct {
	Category        string
	Submitted       int64
	Active          int
	Completed       int64
	MaxParallel     int
	Failures        int64
	TotalTime       time.Duration
	MaxTime         time.Duration
	ActiveTaskIDs   map[string]string
	AnonymousActive int
}
