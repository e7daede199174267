package core

import (
	"sync"
)

const defaultTaskHistoryCapacity = 100

// executionHistory keeps the newest finished executions of one pool
// generation in a fixed ring.
type executionHistory struct {
	mu      sync.Mutex
	records []TaskExecutionRecord
	next    int
	size    int
}

func newExecutionHistory(capacity int) *executionHistory {
	if capacity < 1 {
		capacity = defaultTaskHistoryCapacity
	}
	return &executionHistory{records: make([]TaskExecutionRecord, capacity)}
}

func (h *executionHistory) Add(record TaskExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[h.next] = record
	h.next = (h.next + 1) % len(h.records)
	h.size = min(h.size+1, len(h.records))
}

// Select walks the ring newest first and returns up to limit records
// accepted by match. limit <= 0 means no limit; a nil match accepts all.
func (h *executionHistory) Select(limit int, match func(TaskExecutionRecord) bool) []TaskExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []TaskExecutionRecord
	for i := range h.size {
		if limit > 0 && len(out) == limit {
			break
		}
		rec := h.records[(h.next-1-i+len(h.records))%len(h.records)]
		if match == nil || match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func failedExecution(rec TaskExecutionRecord) bool {
	return rec.Failed
}
