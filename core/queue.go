package core

import (
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// =============================================================================
// FIFOQueue: slice-backed FIFO shared by the ready queue, lanes and mailboxes
// =============================================================================

// FIFOQueue is a mutex-protected FIFO that releases popped references and
// shrinks its backing array after bursts.
type FIFOQueue[T any] struct {
	mu    sync.Mutex
	items []T
}

func NewFIFOQueue[T any]() *FIFOQueue[T] {
	return &FIFOQueue[T]{
		items: make([]T, 0, defaultQueueCap),
	}
}

func (q *FIFOQueue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *FIFOQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.items[0] = zero
	q.items = q.items[1:]
	q.maybeCompactLocked()

	return item, true
}

func (q *FIFOQueue[T]) maybeCompactLocked() {
	n := len(q.items)
	c := cap(q.items)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.items = make([]T, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]T, n, newCap)
	copy(newSlice, q.items)
	q.items = newSlice
}

func (q *FIFOQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FIFOQueue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Clear removes all items and returns them in queue order.
func (q *FIFOQueue[T]) Clear() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := q.items
	q.items = make([]T, 0, defaultQueueCap)
	if len(removed) == 0 {
		return nil
	}
	return removed
}
