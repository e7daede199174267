// Package natsreply runs request/reply over NATS subjects, correlating
// replies to requests with a core.BlockingResponseMapper.
//
// Requests carry a correlation id in the CorrelationHeader and name the
// bridge's reply subject in Msg.Reply. Responders echo the header back so
// replies from many requesters can share one subscription.
package natsreply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Swind/go-task-toolkit/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// CorrelationHeader carries the request id on requests and replies.
const CorrelationHeader = "Toolkit-Correlation-Id"

const serveCategory = "natsreply serve"

var (
	// ErrNoReply is returned when no reply arrived before the request timeout.
	ErrNoReply = errors.New("natsreply: no reply before timeout")

	// ErrRemote wraps the error message a responder sent in the ErrorHeader.
	ErrRemote = errors.New("natsreply: responder failed")
)

// Conn is the subset of *nats.Conn used by Bridge.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

var _ Conn = (*nats.Conn)(nil)

// Handler answers one request. A returned error is sent back as an empty
// reply with the ErrorHeader set.
type Handler func(ctx context.Context, data []byte) ([]byte, error)

// ErrorHeader carries a responder error message on replies.
const ErrorHeader = "Toolkit-Error"

// Options configures a Bridge.
type Options struct {
	// ReplySubject receives replies for this bridge. Defaults to a fresh inbox.
	ReplySubject string
}

// Bridge publishes correlated requests and serves request handlers on the
// worker pool of a TaskService.
type Bridge struct {
	conn   Conn
	svc    *core.TaskService
	logger core.Logger
	mapper *core.BlockingResponseMapper[string, *nats.Msg]
	reply  string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewBridge subscribes to the reply subject and returns a ready bridge.
func NewBridge(conn Conn, svc *core.TaskService, opts Options) (*Bridge, error) {
	if conn == nil || svc == nil {
		return nil, fmt.Errorf("%w: natsreply requires a connection and a task service", core.ErrInvalidArgument)
	}
	reply := opts.ReplySubject
	if reply == "" {
		reply = nats.NewInbox()
	}

	b := &Bridge{
		conn:   conn,
		svc:    svc,
		logger: svc.Logger(),
		mapper: core.NewBlockingResponseMapper[string, *nats.Msg](svc),
		reply:  reply,
	}
	sub, err := conn.Subscribe(reply, b.onReply)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", reply, err)
	}
	b.track(sub)

	b.logger.Debug("NATS reply bridge ready", core.F("reply_subject", reply))
	return b, nil
}

// ReplySubject returns the subject replies are expected on.
func (b *Bridge) ReplySubject() string {
	return b.reply
}

// PendingRequests returns the number of requests waiting for a reply.
func (b *Bridge) PendingRequests() int {
	return b.mapper.PendingRequestCount()
}

// Request publishes data to subject and waits for the correlated reply.
// It returns ErrNoReply if timeout elapses first, ErrRemote if the responder
// reported an error, or ctx.Err() if ctx ends.
func (b *Bridge) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	id := uuid.NewString()
	future, err := b.mapper.RegisterRequest(id, timeout)
	if err != nil {
		return nil, err
	}

	msg := nats.NewMsg(subject)
	msg.Reply = b.reply
	msg.Data = data
	msg.Header.Set(CorrelationHeader, id)
	if err := b.conn.PublishMsg(msg); err != nil {
		// The pending slot is released by its timeout.
		return nil, fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	result, err := future.Get(ctx)
	if err != nil {
		return nil, err
	}
	reply, ok := result.Value()
	if !ok {
		return nil, fmt.Errorf("%w: subject %s, correlation id %s", ErrNoReply, subject, id)
	}
	if remote := reply.Header.Get(ErrorHeader); remote != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, remote)
	}
	return reply.Data, nil
}

func (b *Bridge) onReply(msg *nats.Msg) {
	id := msg.Header.Get(CorrelationHeader)
	if id == "" {
		b.logger.Warn("Dropping NATS reply without correlation id", core.F("subject", msg.Subject))
		return
	}
	if !b.mapper.RegisterResponse(id, msg) {
		b.logger.Debug("Dropping late or unknown NATS reply", core.F("correlation_id", id))
	}
}

// Serve answers requests on subject with handler. Each request runs as a task
// of the bridge's TaskService; replies keep the request's correlation id.
func (b *Bridge) Serve(subject string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler must not be nil", core.ErrInvalidArgument)
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		id := msg.Header.Get(CorrelationHeader)
		err := b.svc.Execute(serveCategory, id, func(ctx context.Context) {
			b.answer(ctx, msg, handler)
		})
		if err != nil {
			b.logger.Warn("Dropping NATS request; task service unavailable",
				core.F("subject", msg.Subject),
				core.F("error", err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.track(sub)
	return nil
}

func (b *Bridge) answer(ctx context.Context, req *nats.Msg, handler Handler) {
	data, handlerErr := handler(ctx, req.Data)
	if req.Reply == "" {
		return
	}

	resp := nats.NewMsg(req.Reply)
	resp.Header.Set(CorrelationHeader, req.Header.Get(CorrelationHeader))
	if handlerErr != nil {
		resp.Header.Set(ErrorHeader, handlerErr.Error())
		b.logger.Warn("NATS request handler failed",
			core.F("subject", req.Subject),
			core.F("error", handlerErr),
		)
	} else {
		resp.Data = data
	}
	if err := b.conn.PublishMsg(resp); err != nil {
		b.logger.Error("Failed to publish NATS reply",
			core.F("subject", resp.Subject),
			core.F("error", err),
		)
	}
}

func (b *Bridge) track(sub *nats.Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Close unsubscribes every subscription created by the bridge.
func (b *Bridge) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
