package core

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// PoolIntrospector exposes diagnostics and lifecycle hooks of a pool for
// operators and test isolation.
type PoolIntrospector interface {
	// Shutdown stops accepting work and returns the number of queued tasks
	// that never started. Running tasks finish; their context is cancelled.
	Shutdown() int

	// Reset is Shutdown followed by installing a fresh pool generation.
	Reset() int

	CurrentThreadCount() int
	FormattedStatistics(addTaskIDs, includeInactive bool) string
}

// ProcessThreadCount returns the number of OS threads of the current process.
func ProcessThreadCount() (int32, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	return proc.NumThreads()
}
