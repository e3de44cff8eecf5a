// Package transport delivers tracking events to the reporting context and
// survives that context going away. Events produced while the context is
// unavailable wait in a bounded FIFO and are drained in order once a
// reconnect succeeds.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// Runtime is the host messaging channel the transport delivers over.
type Runtime interface {
	// ContextID identifies the live reporting context. An error or an
	// empty id means the context has been invalidated.
	ContextID(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, msg *types.Message) (*types.Response, error)
}

// State of the connection to the reporting context.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config for the transport
type Config struct {
	QueueCapacity  int
	SendTimeout    time.Duration
	HealthInterval time.Duration
}

// DefaultConfig returns the stock queue and timer settings.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  50,
		SendTimeout:    5 * time.Second,
		HealthInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	return c
}

// Stats is a point-in-time view of the transport.
type Stats struct {
	State     State
	ContextID string
	Queued    int
	InFlight  int64
	Draining  bool
	Delivered int64
	Dropped   int64
	Requeued  int64
	Evicted   int64
}

type deliveryResult int

const (
	resultDelivered deliveryResult = iota
	resultDropped
	resultLost
	resultAbandoned
)

// Transport owns the connection state and the pending-event queue.
type Transport struct {
	cfg Config
	rt  Runtime
	log *logrus.Logger

	mu        sync.Mutex
	state     State
	contextID string
	queue     *eventQueue
	draining  bool
	stopped   bool
	seq       uint64

	baseCtx context.Context
	cancel  context.CancelFunc

	inFlight  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	requeued  atomic.Int64
	evicted   atomic.Int64
}

// New creates a Transport in the Healthy state.
func New(cfg Config, rt Runtime, log *logrus.Logger) *Transport {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		rt:      rt,
		log:     log,
		state:   StateHealthy,
		queue:   newEventQueue(cfg.QueueCapacity),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start runs the health loop until ctx is done or Stop is called.
func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.baseCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	t.log.WithFields(logrus.Fields{
		"queue_capacity":  t.cfg.QueueCapacity,
		"send_timeout":    t.cfg.SendTimeout,
		"health_interval": t.cfg.HealthInterval,
	}).Info("Starting transport")

	wait.UntilWithContext(ctx, t.checkHealth, t.cfg.HealthInterval)
	return ctx.Err()
}

// Send delivers ev, or queues it when the context is not currently usable.
// It never blocks on the runtime and never returns an error.
func (t *Transport) Send(ev *types.TrackingEvent) {
	if ev == nil {
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.seq++
	q := queued{seq: t.seq, ev: ev}
	if t.state != StateHealthy || t.draining {
		t.enqueueLocked(q)
		degraded := t.state == StateDegraded
		t.mu.Unlock()
		messagesTotal.WithLabelValues(outcomeQueued).Inc()
		if degraded {
			t.triggerReconnect()
		}
		return
	}
	t.inFlight.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.inFlight.Add(-1)
		t.sendNow(q)
	}()
}

// sendNow delivers q and on context loss queues it in send order, ahead of
// anything sent after it.
func (t *Transport) sendNow(q queued) {
	if t.deliver(q.ev) != resultLost {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.requeueLocked(q)
	t.degradeLocked("delivery failed")
}

// deliver makes one attempt to hand ev to the runtime.
func (t *Transport) deliver(ev *types.TrackingEvent) deliveryResult {
	ctx, cancel := context.WithTimeout(t.baseCtx, t.cfg.SendTimeout)
	defer cancel()

	msg := &types.Message{
		Type:      types.MessageTrackingEvent,
		Payload:   ev,
		Timestamp: time.Now(),
	}
	resp, err := t.call(ctx, msg)

	fields := logrus.Fields{
		"event_id": ev.ID,
		"method":   ev.Method,
		"domain":   ev.Domain,
	}

	switch {
	case errors.Is(err, ErrStopped):
		messagesTotal.WithLabelValues(outcomeAbandoned).Inc()
		return resultAbandoned

	case IsContextLost(err):
		t.log.WithFields(fields).WithError(err).Warn("Reporting context unavailable, requeueing event")
		return resultLost

	case err != nil:
		t.dropped.Add(1)
		messagesTotal.WithLabelValues(outcomeDropped).Inc()
		t.log.WithFields(fields).WithError(err).Error("Failed to send tracking event")
		return resultDropped

	case resp == nil || !resp.Success:
		t.dropped.Add(1)
		messagesTotal.WithLabelValues(outcomeDropped).Inc()
		reason := "empty response"
		if resp != nil && resp.Error != "" {
			reason = resp.Error
		}
		t.log.WithFields(fields).WithField("reason", reason).Error("Tracking event rejected by receiver")
		return resultDropped
	}

	t.delivered.Add(1)
	messagesTotal.WithLabelValues(outcomeDelivered).Inc()
	t.log.WithFields(fields).Debug("Tracking event delivered")
	return resultDelivered
}

// call races the runtime against ctx. A runtime that never answers
// surfaces as ErrTimeout.
func (t *Transport) call(ctx context.Context, msg *types.Message) (*types.Response, error) {
	type result struct {
		resp *types.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("runtime panicked on %s: %v", msg.Type, r)}
			}
		}()
		resp, err := t.rt.SendMessage(ctx, msg)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		if t.baseCtx.Err() != nil {
			return nil, ErrStopped
		}
		return nil, fmt.Errorf("%s after %s: %w", msg.Type, t.cfg.SendTimeout, ErrTimeout)
	}
}

// checkHealth runs on every health tick.
func (t *Transport) checkHealth(ctx context.Context) {
	t.mu.Lock()
	state, stopped := t.state, t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}

	switch state {
	case StateDegraded:
		t.triggerReconnect()
		return
	case StateReconnecting:
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
	id, err := t.contextIDOf(probeCtx)
	cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.state != StateHealthy {
		return
	}
	if err != nil || id == "" {
		t.degradeLocked("health check failed")
		return
	}
	if t.contextID != "" && t.contextID != id {
		t.log.WithFields(logrus.Fields{
			"previous": t.contextID,
			"current":  id,
		}).Info("Reporting context replaced")
	}
	t.contextID = id
}

// contextIDOf asks the runtime for the live context id. A panic counts as
// an invalidated context.
func (t *Transport) contextIDOf(ctx context.Context) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			id, err = "", fmt.Errorf("%w: runtime panicked: %v", ErrContextInvalidated, r)
		}
	}()
	return t.rt.ContextID(ctx)
}

// triggerReconnect starts a reconnect unless one is already running.
// The Reconnecting state is the single-flight guard.
func (t *Transport) triggerReconnect() {
	t.mu.Lock()
	if t.stopped || t.state != StateDegraded {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(StateReconnecting)
	t.mu.Unlock()

	go t.reconnect()
}

func (t *Transport) reconnect() {
	ctx, cancel := context.WithTimeout(t.baseCtx, t.cfg.SendTimeout)
	id, err := t.contextIDOf(ctx)
	if err == nil && id == "" {
		err = ErrContextInvalidated
	}
	if err == nil {
		var resp *types.Response
		resp, err = t.call(ctx, &types.Message{Type: types.MessagePing, Timestamp: time.Now()})
		if err == nil && (resp == nil || !resp.Success) {
			err = errors.New("ping rejected")
		}
	}
	cancel()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if err != nil {
		t.setStateLocked(StateDegraded)
		pending := t.queue.len()
		t.mu.Unlock()
		t.log.WithError(err).WithField("queued", pending).Debug("Reconnect failed")
		return
	}
	t.contextID = id
	t.setStateLocked(StateHealthy)
	t.draining = true
	pending := t.queue.len()
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"context_id": id,
		"queued":     pending,
	}).Info("Reporting context reconnected")
	t.drain()
}

// drain delivers queued events one at a time in send order. A lost
// delivery goes back to its place at the head of the queue and stops the
// drain.
func (t *Transport) drain() {
	for {
		t.mu.Lock()
		if t.stopped || t.state != StateHealthy {
			t.draining = false
			t.mu.Unlock()
			return
		}
		q, ok := t.queue.pop()
		if !ok {
			t.draining = false
			t.mu.Unlock()
			return
		}
		queueDepth.Dec()
		t.mu.Unlock()

		if t.deliver(q.ev) != resultLost {
			continue
		}

		t.mu.Lock()
		if !t.stopped {
			t.requeueLocked(q)
			t.degradeLocked("drain interrupted")
		}
		t.draining = false
		t.mu.Unlock()
		return
	}
}

func (t *Transport) requeueLocked(q queued) {
	t.enqueueLocked(q)
	t.requeued.Add(1)
	messagesTotal.WithLabelValues(outcomeRequeued).Inc()
}

func (t *Transport) enqueueLocked(q queued) {
	if evicted := t.queue.insert(q); evicted != nil {
		t.evicted.Add(1)
		messagesTotal.WithLabelValues(outcomeEvicted).Inc()
		t.log.WithFields(logrus.Fields{
			"event_id": evicted.ID,
			"method":   evicted.Method,
		}).Debug("Queue full, evicted oldest event")
		return
	}
	queueDepth.Inc()
}

func (t *Transport) degradeLocked(reason string) {
	if t.state != StateHealthy {
		return
	}
	t.setStateLocked(StateDegraded)
	t.log.WithFields(logrus.Fields{
		"reason": reason,
		"queued": t.queue.len(),
	}).Warn("Reporting context lost")
}

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	stateTransitions.WithLabelValues(s.String()).Inc()
}

// Stop abandons queued events and cancels in-flight deliveries. Sends
// after Stop are ignored. Safe to call more than once.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	abandoned := t.queue.clear()
	t.mu.Unlock()

	t.cancel()
	queueDepth.Sub(float64(abandoned))
	messagesTotal.WithLabelValues(outcomeAbandoned).Add(float64(abandoned))
	t.log.WithField("abandoned", abandoned).Info("Transport stopped")
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending returns a copy of the queued events, oldest first.
func (t *Transport) Pending() []*types.TrackingEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.snapshot()
}

// Stats returns transport statistics
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		State:     t.state,
		ContextID: t.contextID,
		Queued:    t.queue.len(),
		InFlight:  t.inFlight.Load(),
		Draining:  t.draining,
		Delivered: t.delivered.Load(),
		Dropped:   t.dropped.Load(),
		Requeued:  t.requeued.Load(),
		Evicted:   t.evicted.Load(),
	}
}
