package hostmsg

import (
	"context"
	"sync"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/transport"
)

// Handler is an in-process receiver, normally an *eventstore.Store.
type Handler interface {
	InstanceID() string
	HandleMessage(ctx context.Context, msg *types.Message) *types.Response
}

// Loopback delivers messages to a Handler in the same process. Detach and
// Attach simulate the reporting context going away and coming back.
type Loopback struct {
	mu      sync.RWMutex
	handler Handler
}

// NewLoopback returns a Loopback attached to h.
func NewLoopback(h Handler) *Loopback {
	return &Loopback{handler: h}
}

// Attach connects a (possibly new) handler.
func (l *Loopback) Attach(h Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// Detach invalidates the current context.
func (l *Loopback) Detach() {
	l.mu.Lock()
	l.handler = nil
	l.mu.Unlock()
}

func (l *Loopback) current() Handler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handler
}

func (l *Loopback) ContextID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := l.current()
	if h == nil {
		return "", transport.ErrContextInvalidated
	}
	return h.InstanceID(), nil
}

func (l *Loopback) SendMessage(ctx context.Context, msg *types.Message) (*types.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := l.current()
	if h == nil {
		return nil, transport.ErrReceiverUnavailable
	}
	return h.HandleMessage(ctx, msg), nil
}
