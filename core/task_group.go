package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RunnablesGroup runs a set of tasks in parallel on the worker pool and
// collects one error slot per task. A failing task never stops the others.
type RunnablesGroup struct {
	svc      *TaskService
	category string
	id       string
	tasks    []Task
}

func NewRunnablesGroup(svc *TaskService, category string) *RunnablesGroup {
	return &RunnablesGroup{svc: svc, category: category, id: newGroupID()}
}

// Add appends task to the group. Not safe for concurrent use.
func (g *RunnablesGroup) Add(task Task) error {
	if task == nil {
		return invalidArgument("task must not be nil")
	}
	g.tasks = append(g.tasks, task)
	return nil
}

// ExecuteParallel submits all tasks and blocks until every one has finished.
// The result has one entry per Add call in add order: nil on success, the
// *PanicError (or submission error) otherwise.
func (g *RunnablesGroup) ExecuteParallel() []error {
	futures := make([]*Future[struct{}], len(g.tasks))
	errs := make([]error, len(g.tasks))
	for i, task := range g.tasks {
		f, err := g.svc.Submit(g.category, groupTaskID(g.id, i), task)
		if err != nil {
			errs[i] = err
			continue
		}
		futures[i] = f
	}
	for i, f := range futures {
		if f == nil {
			continue
		}
		_, errs[i] = f.Get(context.Background())
	}
	return errs
}

// TaskOutcome is the result of one callable of a CallablesGroup.
type TaskOutcome[T any] struct {
	Value T
	Err   error
}

// CallablesGroup is the result-producing form of RunnablesGroup.
type CallablesGroup[T any] struct {
	svc       *TaskService
	category  string
	id        string
	callables []Callable[T]
}

func NewCallablesGroup[T any](svc *TaskService, category string) *CallablesGroup[T] {
	return &CallablesGroup[T]{svc: svc, category: category, id: newGroupID()}
}

// Add appends fn to the group. Not safe for concurrent use.
func (g *CallablesGroup[T]) Add(fn Callable[T]) error {
	if fn == nil {
		return invalidArgument("callable must not be nil")
	}
	g.callables = append(g.callables, fn)
	return nil
}

// ExecuteParallel submits all callables and blocks until every one has
// finished. Outcomes are in add order.
func (g *CallablesGroup[T]) ExecuteParallel() []TaskOutcome[T] {
	futures := make([]*Future[T], len(g.callables))
	outcomes := make([]TaskOutcome[T], len(g.callables))
	for i, fn := range g.callables {
		f, err := SubmitCallable(g.svc, g.category, groupTaskID(g.id, i), fn)
		if err != nil {
			outcomes[i].Err = err
			continue
		}
		futures[i] = f
	}
	for i, f := range futures {
		if f == nil {
			continue
		}
		outcomes[i].Value, outcomes[i].Err = f.Get(context.Background())
	}
	return outcomes
}

// newGroupID keeps task ids of concurrently executing groups distinct.
func newGroupID() string {
	return uuid.NewString()[:8]
}

func groupTaskID(groupID string, index int) string {
	return fmt.Sprintf("group-%s#%d", groupID, index)
}
