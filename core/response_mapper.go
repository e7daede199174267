package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const responseTimeoutCategory = "BlockingResponseMapper timeout"

// Optional holds a value that may be absent.
type Optional[R any] struct {
	value   R
	present bool
}

// Some returns an Optional holding value.
func Some[R any](value R) Optional[R] {
	return Optional[R]{value: value, present: true}
}

// None returns an empty Optional.
func None[R any]() Optional[R] {
	return Optional[R]{}
}

// Value returns the value and whether it is present.
func (o Optional[R]) Value() (R, bool) {
	return o.value, o.present
}

func (o Optional[R]) IsPresent() bool {
	return o.present
}

type pendingRequest[R any] struct {
	future  *Future[Optional[R]]
	timeout *Future[struct{}]
}

// BlockingResponseMapper correlates asynchronously arriving responses with
// previously registered requests by key. Each registered future completes
// exactly once: with the response, or empty when the timeout elapses first.
type BlockingResponseMapper[K comparable, R any] struct {
	svc *TaskService

	mu      sync.Mutex
	pending map[K]*pendingRequest[R]
}

func NewBlockingResponseMapper[K comparable, R any](svc *TaskService) *BlockingResponseMapper[K, R] {
	return &BlockingResponseMapper[K, R]{
		svc:     svc,
		pending: make(map[K]*pendingRequest[R]),
	}
}

// RegisterRequest creates a pending slot for key. The returned future
// resolves with the response passed to RegisterResponse, or with an empty
// Optional after timeout. A key that is still pending is rejected with
// ErrDuplicateRequest. Cancelling the returned future frees the slot.
func (m *BlockingResponseMapper[K, R]) RegisterRequest(key K, timeout time.Duration) (*Future[Optional[R]], error) {
	if isNil(key) {
		return nil, invalidArgument("request key must not be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[key]; exists {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateRequest, key)
	}

	req := &pendingRequest[R]{future: newFuture[Optional[R]]()}
	expire := func() { m.expire(key, req) }
	// A timeout dropped by a pool Shutdown or Reset resolves the slot empty.
	timer, err := scheduleCallable(m.svc, responseTimeoutCategory, func(ctx context.Context) (struct{}, error) {
		expire()
		return struct{}{}, nil
	}, timeout, expire)
	if err != nil {
		return nil, err
	}
	req.timeout = timer
	req.future.onCancel = func() { m.release(key, req) }
	m.pending[key] = req
	return req.future, nil
}

// RegisterResponse resolves the pending request for key with response. It
// returns false if no request is pending (unknown key or already timed out);
// the response is then dropped.
func (m *BlockingResponseMapper[K, R]) RegisterResponse(key K, response R) bool {
	m.mu.Lock()
	req, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	req.timeout.Cancel()
	req.future.complete(Some(response), nil)
	return true
}

// expire resolves req empty if it still owns the slot for key.
func (m *BlockingResponseMapper[K, R]) expire(key K, req *pendingRequest[R]) {
	m.mu.Lock()
	if m.pending[key] != req {
		m.mu.Unlock()
		return
	}
	delete(m.pending, key)
	m.mu.Unlock()

	req.future.complete(None[R](), nil)
}

// release frees the slot of a request whose caller cancelled the future.
func (m *BlockingResponseMapper[K, R]) release(key K, req *pendingRequest[R]) {
	m.mu.Lock()
	if m.pending[key] == req {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	req.timeout.Cancel()
}

// PendingRequestCount returns the number of unresolved requests.
func (m *BlockingResponseMapper[K, R]) PendingRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
