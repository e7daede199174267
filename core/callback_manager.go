package core

import (
	"context"
	"sync"
)

// ExceptionPolicy decides what happens to a listener whose callback fails.
type ExceptionPolicy int

const (
	// LogAndProceed logs the failure and continues with the next callback.
	LogAndProceed ExceptionPolicy = iota

	// LogAndCancelListener logs the failure, unregisters the listener and
	// drops its remaining callbacks.
	LogAndCancelListener
)

func (p ExceptionPolicy) String() string {
	switch p {
	case LogAndProceed:
		return "log-and-proceed"
	case LogAndCancelListener:
		return "log-and-cancel-listener"
	default:
		return "unknown"
	}
}

// Callback is invoked with one listener. A returned error or a panic counts
// as a listener failure.
type Callback[T comparable] func(ctx context.Context, listener T) error

// mailbox is the ordered queue of pending callbacks of one listener.
// draining and removed are guarded by the manager's mutex.
type mailbox[T comparable] struct {
	listener T
	pending  *FIFOQueue[Callback[T]]
	draining bool
	removed  bool
}

// OrderedCallbackManager delivers callbacks to registered listeners. Each
// listener receives its callbacks in enqueue order, never two at a time;
// different listeners are drained independently on the worker pool.
type OrderedCallbackManager[T comparable] struct {
	name   string
	svc    *TaskService
	logger Logger
	policy ExceptionPolicy

	mu        sync.Mutex
	mailboxes map[T]*mailbox[T]
	// retired holds mailboxes of removed listeners that are still draining,
	// so re-adding such a listener resumes the same mailbox.
	retired map[T]*mailbox[T]
}

// NewOrderedCallbackManager creates a manager draining onto svc.
func NewOrderedCallbackManager[T comparable](name string, svc *TaskService, policy ExceptionPolicy) *OrderedCallbackManager[T] {
	return &OrderedCallbackManager[T]{
		name:      name,
		svc:       svc,
		logger:    svc.Logger(),
		policy:    policy,
		mailboxes: make(map[T]*mailbox[T]),
		retired:   make(map[T]*mailbox[T]),
	}
}

// AddListener registers listener with an empty mailbox.
func (m *OrderedCallbackManager[T]) AddListener(listener T) error {
	if isNil(listener) {
		return invalidArgument("listener must not be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.registerLocked(listener)
	return err
}

// AddListenerAndEnqueueCallback registers listener and makes callback the
// first callback it receives, ahead of any concurrently broadcast callback.
func (m *OrderedCallbackManager[T]) AddListenerAndEnqueueCallback(listener T, callback Callback[T]) error {
	if isNil(listener) {
		return invalidArgument("listener must not be nil")
	}
	if callback == nil {
		return invalidArgument("callback must not be nil")
	}

	m.mu.Lock()
	mb, err := m.registerLocked(listener)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	start := m.appendLocked(mb, callback)
	m.mu.Unlock()

	if start {
		m.postDrain(mb)
	}
	return nil
}

func (m *OrderedCallbackManager[T]) registerLocked(listener T) (*mailbox[T], error) {
	if _, exists := m.mailboxes[listener]; exists {
		return nil, ErrDuplicateListener
	}
	mb, ok := m.retired[listener]
	if ok {
		delete(m.retired, listener)
		mb.removed = false
	} else {
		mb = &mailbox[T]{listener: listener, pending: NewFIFOQueue[Callback[T]]()}
	}
	m.mailboxes[listener] = mb
	return mb, nil
}

// appendLocked queues callback and reports whether a drain must be started.
func (m *OrderedCallbackManager[T]) appendLocked(mb *mailbox[T], callback Callback[T]) bool {
	mb.pending.Push(callback)
	if mb.draining {
		return false
	}
	mb.draining = true
	return true
}

// EnqueueCallback appends callback to the mailbox of every registered listener.
func (m *OrderedCallbackManager[T]) EnqueueCallback(callback Callback[T]) error {
	if callback == nil {
		return invalidArgument("callback must not be nil")
	}

	m.mu.Lock()
	var start []*mailbox[T]
	for _, mb := range m.mailboxes {
		if m.appendLocked(mb, callback) {
			start = append(start, mb)
		}
	}
	m.mu.Unlock()

	for _, mb := range start {
		m.postDrain(mb)
	}
	return nil
}

// RemoveListener unregisters listener and drops its queued callbacks. A
// callback already running for it is not interrupted. Returns false if the
// listener was not registered.
func (m *OrderedCallbackManager[T]) RemoveListener(listener T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	mb, ok := m.mailboxes[listener]
	if !ok {
		return false
	}
	m.removeLocked(mb)
	return true
}

func (m *OrderedCallbackManager[T]) removeLocked(mb *mailbox[T]) {
	delete(m.mailboxes, mb.listener)
	mb.removed = true
	mb.pending.Clear()
	if mb.draining {
		m.retired[mb.listener] = mb
	}
}

// ListenerCount returns the number of registered listeners.
func (m *OrderedCallbackManager[T]) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mailboxes)
}

func (m *OrderedCallbackManager[T]) postDrain(mb *mailbox[T]) {
	err := m.svc.executeStep(m.name, func(ctx context.Context) {
		m.drainOne(ctx, mb)
	}, func() {
		m.redrain(mb)
	})
	if err == nil {
		return
	}

	m.mu.Lock()
	m.finishDrainLocked(mb)
	dropped := mb.pending.Clear()
	m.mu.Unlock()

	m.logger.Warn("Callback delivery rejected by the worker pool; dropping pending callbacks",
		F("manager", m.name),
		F("dropped", len(dropped)),
		F("error", err),
	)
}

// redrain replaces a drain step of mb that a pool Shutdown or Reset dropped.
func (m *OrderedCallbackManager[T]) redrain(mb *mailbox[T]) {
	m.mu.Lock()
	if mb.removed || mb.pending.IsEmpty() {
		m.finishDrainLocked(mb)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.postDrain(mb)
}

// drainOne delivers a single callback and re-posts itself if there is more.
func (m *OrderedCallbackManager[T]) drainOne(ctx context.Context, mb *mailbox[T]) {
	m.mu.Lock()
	if mb.removed {
		m.finishDrainLocked(mb)
		m.mu.Unlock()
		return
	}
	callback, ok := mb.pending.Pop()
	if !ok {
		m.finishDrainLocked(mb)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	var err error
	if perr := runRecovering(func() { err = callback(ctx, mb.listener) }); perr != nil {
		err = perr
	}
	if err != nil {
		m.handleFailure(mb, err)
	}

	m.mu.Lock()
	more := !mb.removed && !mb.pending.IsEmpty()
	if !more {
		m.finishDrainLocked(mb)
	}
	m.mu.Unlock()

	if more {
		m.postDrain(mb)
	}
}

func (m *OrderedCallbackManager[T]) finishDrainLocked(mb *mailbox[T]) {
	mb.draining = false
	if mb.removed && m.retired[mb.listener] == mb {
		delete(m.retired, mb.listener)
	}
}

func (m *OrderedCallbackManager[T]) handleFailure(mb *mailbox[T], err error) {
	switch m.policy {
	case LogAndCancelListener:
		m.logger.Error("Listener callback failed; removing listener",
			F("manager", m.name),
			F("listener", mb.listener),
			F("error", err),
		)
		m.mu.Lock()
		if m.mailboxes[mb.listener] == mb {
			m.removeLocked(mb)
		}
		m.mu.Unlock()
	default:
		m.logger.Warn("Listener callback failed",
			F("manager", m.name),
			F("listener", mb.listener),
			F("error", err),
		)
	}
}

// Stats returns current observability data for this manager.
func (m *OrderedCallbackManager[T]) Stats() RunnerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := RunnerStats{
		Name:      m.name,
		Type:      "callback-manager",
		Listeners: len(m.mailboxes),
	}
	for _, mb := range m.mailboxes {
		stats.Pending += mb.pending.Len()
		if mb.draining {
			stats.Running++
		}
	}
	return stats
}
