package core

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DelayedTask represents a task scheduled for the future
type DelayedTask struct {
	RunAt time.Time
	Item  TaskItem
	index int // for heap interface; -1 once popped or removed
	owner *DelayManager
}

// DelayedTaskHeap implements heap.Interface
type DelayedTaskHeap []*DelayedTask

func (h DelayedTaskHeap) Len() int           { return len(h) }
func (h DelayedTaskHeap) Less(i, j int) bool { return h[i].RunAt.Before(h[j].RunAt) }
func (h DelayedTaskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *DelayedTaskHeap) Push(x any) {
	n := len(*h)
	item := x.(*DelayedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *DelayedTaskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h *DelayedTaskHeap) Peek() *DelayedTask {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// DelayManager holds delayed tasks in a min-heap and hands each one to post
// once its time has come. A single goroutine sleeps until the earliest entry.
type DelayManager struct {
	pq      DelayedTaskHeap
	mu      sync.Mutex
	stopped bool
	wakeup  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	post    func(TaskItem) error
}

func NewDelayManager(post func(TaskItem) error) *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		pq:     make(DelayedTaskHeap, 0),
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		post:   post,
	}
	heap.Init(&dm.pq)
	go dm.loop()
	return dm
}

// AddDelayedTask schedules item to be posted after delay. A non-positive
// delay posts on the next loop iteration.
func (dm *DelayManager) AddDelayedTask(item TaskItem, delay time.Duration) (*DelayedTask, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.stopped {
		return nil, ErrPoolShutdown
	}

	entry := &DelayedTask{
		RunAt: time.Now().Add(delay),
		Item:  item,
		owner: dm,
	}
	heap.Push(&dm.pq, entry)

	if entry.index == 0 {
		select {
		case dm.wakeup <- struct{}{}:
		default:
		}
	}
	return entry, nil
}

// Remove takes entry out of the heap. It returns false if the entry was
// already posted, removed or discarded.
func (dm *DelayManager) Remove(entry *DelayedTask) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if entry == nil || entry.index < 0 || entry.index >= len(dm.pq) || dm.pq[entry.index] != entry {
		return false
	}
	heap.Remove(&dm.pq, entry.index)
	return true
}

func (dm *DelayManager) loop() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		nextRun, pending := dm.calculateNextRun()
		if pending && nextRun <= 0 {
			dm.processExpiredTasks()
			continue
		}
		if !pending {
			// No tasks, wait for a wakeup
			nextRun = 1000 * time.Hour
		}

		timer.Reset(nextRun)

		select {
		case <-dm.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			dm.processExpiredTasks()
		case <-dm.wakeup:
			// New earliest task, need to recalculate
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

// calculateNextRun determines how long to wait until the next task.
// pending is false if the heap is empty.
func (dm *DelayManager) calculateNextRun() (wait time.Duration, pending bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	item := dm.pq.Peek()
	if item == nil {
		return 0, false
	}
	return time.Until(item.RunAt), true
}

// processExpiredTasks posts all tasks that have expired
func (dm *DelayManager) processExpiredTasks() {
	dm.mu.Lock()

	now := time.Now()
	// Collect all expired tasks to avoid holding lock while posting
	var expired []*DelayedTask

	for dm.pq.Len() > 0 {
		item := dm.pq.Peek()
		if item.RunAt.After(now) {
			break
		}
		heap.Pop(&dm.pq)
		expired = append(expired, item)
	}

	dm.mu.Unlock()

	for _, entry := range expired {
		if err := dm.post(entry.Item); err != nil && entry.Item.discard != nil {
			entry.Item.discard()
		}
	}
}

// Stop terminates the loop and returns the entries that never became due.
func (dm *DelayManager) Stop() []TaskItem {
	dm.cancel()

	dm.mu.Lock()
	dm.stopped = true
	pending := make([]TaskItem, 0, len(dm.pq))
	for _, entry := range dm.pq {
		entry.index = -1
		pending = append(pending, entry.Item)
	}
	dm.pq = make(DelayedTaskHeap, 0)
	heap.Init(&dm.pq)
	dm.mu.Unlock()

	return pending
}

func (dm *DelayManager) TaskCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.pq)
}
