package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type categoryEntry struct {
	mu sync.Mutex

	submitted       int64
	active          int
	maxParallel     int
	completed       int64
	failures        int64
	totalTime       time.Duration
	maxNormalTime   time.Duration
	activeTaskIDs   map[string]string // task id -> worker name; created on first named task
	anonymousActive int
}

// TaskStatistics is the per-category statistics table of a pool generation.
// Entries are only ever created, never removed; a Reset starts a new table.
type TaskStatistics struct {
	mu      sync.RWMutex
	entries map[string]*categoryEntry
	logger  Logger
}

func newTaskStatistics(logger Logger) *TaskStatistics {
	return &TaskStatistics{
		entries: make(map[string]*categoryEntry),
		logger:  logger,
	}
}

func (s *TaskStatistics) entry(category string) *categoryEntry {
	s.mu.RLock()
	e, ok := s.entries[category]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[category]; !ok {
		e = &categoryEntry{}
		s.entries[category] = e
	}
	return e
}

func (s *TaskStatistics) recordSubmitted(desc TaskDescriptor) {
	e := s.entry(desc.category())
	e.mu.Lock()
	e.submitted++
	e.mu.Unlock()
}

func (s *TaskStatistics) revertSubmitted(desc TaskDescriptor) {
	e := s.entry(desc.category())
	e.mu.Lock()
	e.submitted--
	e.mu.Unlock()
}

func (s *TaskStatistics) beforeExecution(desc TaskDescriptor, worker string) {
	e := s.entry(desc.category())
	e.mu.Lock()
	defer e.mu.Unlock()

	e.active++
	if e.active > e.maxParallel {
		e.maxParallel = e.active
	}
	if desc.ID == "" {
		e.anonymousActive++
		return
	}
	if e.activeTaskIDs == nil {
		e.activeTaskIDs = make(map[string]string)
	}
	if existing, dup := e.activeTaskIDs[desc.ID]; dup {
		s.logger.Warn("Task id used more than once",
			F("category", desc.category()),
			F("task_id", desc.ID),
			F("existing_worker", existing),
			F("new_worker", worker),
		)
	}
	e.activeTaskIDs[desc.ID] = worker
}

func (s *TaskStatistics) afterExecution(desc TaskDescriptor, duration time.Duration, failed bool) {
	e := s.entry(desc.category())
	e.mu.Lock()
	defer e.mu.Unlock()

	e.active--
	e.completed++
	e.totalTime += duration
	if desc.ID == "" {
		e.anonymousActive--
	} else if _, ok := e.activeTaskIDs[desc.ID]; ok {
		delete(e.activeTaskIDs, desc.ID)
	} else {
		s.logger.Warn("No registered task id on completion; was there an id collision before?",
			F("category", desc.category()),
			F("task_id", desc.ID),
		)
	}

	if failed {
		e.failures++
	} else if duration > e.maxNormalTime {
		e.maxNormalTime = duration
	}
}

// Snapshot returns a copy of all category entries sorted by category.
func (s *TaskStatistics) Snapshot() []CategoryStats {
	s.mu.RLock()
	names := make([]string, 0, len(s.entries))
	entries := make(map[string]*categoryEntry, len(s.entries))
	for name, e := range s.entries {
		names = append(names, name)
		entries[name] = e
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]CategoryStats, 0, len(names))
	for _, name := range names {
		e := entries[name]
		e.mu.Lock()
		cs := CategoryStats{
			Category:        name,
			Submitted:       e.submitted,
			Active:          e.active,
			Completed:       e.completed,
			MaxParallel:     e.maxParallel,
			Failures:        e.failures,
			TotalTime:       e.totalTime,
			MaxTime:         e.maxNormalTime,
			AnonymousActive: e.anonymousActive,
		}
		if len(e.activeTaskIDs) > 0 {
			cs.ActiveTaskIDs = make(map[string]string, len(e.activeTaskIDs))
			for id, worker := range e.activeTaskIDs {
				cs.ActiveTaskIDs[id] = worker
			}
		}
		e.mu.Unlock()
		out = append(out, cs)
	}
	return out
}

// Format renders the statistics as an indented multi-line report.
func (s *TaskStatistics) Format(addTaskIDs, includeInactive bool) string {
	var sb strings.Builder
	for _, cs := range s.Snapshot() {
		if cs.Active == 0 && !includeInactive {
			continue
		}
		sb.WriteString(cs.Category)
		sb.WriteByte('\n')
		sb.WriteString("    ")
		cs.writeSummary(&sb)
		sb.WriteByte('\n')

		if !addTaskIDs {
			continue
		}
		if len(cs.ActiveTaskIDs) > 0 {
			sb.WriteString("        Named tasks:\n")
			ids := make([]string, 0, len(cs.ActiveTaskIDs))
			for id := range cs.ActiveTaskIDs {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(&sb, "          %s [%s]\n", id, cs.ActiveTaskIDs[id])
			}
		}
		if cs.AnonymousActive > 0 {
			fmt.Fprintf(&sb, "        Anonymous tasks: %d\n", cs.AnonymousActive)
		}
	}
	return sb.String()
}

func (cs CategoryStats) writeSummary(sb *strings.Builder) {
	fmt.Fprintf(sb, "Submitted: %d, Active: %d, Completed: %d, MaxParallel: %d",
		cs.Submitted, cs.Active, cs.Completed, cs.MaxParallel)
	if cs.Completed > 0 {
		fmt.Fprintf(sb, ", AvgTime: %.3f msec, Total: %.3f msec, MaxTime: %.3f msec",
			msec(cs.TotalTime)/float64(cs.Completed), msec(cs.TotalTime), msec(cs.MaxTime))
	}
	if cs.Failures > 0 {
		fmt.Fprintf(sb, ", Failures: %d", cs.Failures)
	}
}

func msec(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
