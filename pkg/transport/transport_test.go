package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeRuntime stands in for the host channel.
type fakeRuntime struct {
	mu        sync.Mutex
	contextID string
	sendErr   error
	response  *types.Response
	hang      bool
	delivered []string
	idCalls   atomic.Int32
	idGate    chan struct{}
	release   chan struct{}
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	f := &fakeRuntime{
		contextID: "ctx-1",
		response:  &types.Response{Success: true},
		release:   make(chan struct{}),
	}
	t.Cleanup(func() { close(f.release) })
	return f
}

func (f *fakeRuntime) ContextID(ctx context.Context) (string, error) {
	f.idCalls.Add(1)
	f.mu.Lock()
	gate := f.idGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contextID == "" {
		return "", ErrContextInvalidated
	}
	return f.contextID, nil
}

func (f *fakeRuntime) SendMessage(_ context.Context, msg *types.Message) (*types.Response, error) {
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-f.release
		return nil, errors.New("released")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.Type == types.MessagePing {
		if f.contextID == "" {
			return nil, ErrReceiverUnavailable
		}
		return &types.Response{Success: true}, nil
	}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.response != nil && f.response.Success {
		f.delivered = append(f.delivered, msg.Payload.ID)
	}
	return f.response, nil
}

func (f *fakeRuntime) set(fn func(f *fakeRuntime)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRuntime) deliveredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.delivered))
	copy(out, f.delivered)
	return out
}

func newTestTransport(t *testing.T, rt Runtime, cfg Config) *Transport {
	log := logrus.New()
	log.SetOutput(io.Discard)
	tr := New(cfg, rt, log)
	t.Cleanup(tr.Stop)
	return tr
}

// degrade drives a healthy transport into Degraded through a failed health check.
func degrade(t *testing.T, tr *Transport, rt *fakeRuntime) {
	rt.set(func(f *fakeRuntime) { f.contextID = "" })
	tr.checkHealth(context.Background())
	require.Equal(t, StateDegraded, tr.State())
}

func TestNew_Defaults(t *testing.T) {
	tr := newTestTransport(t, newFakeRuntime(t), Config{})
	assert.Equal(t, DefaultConfig(), tr.cfg)
	assert.Equal(t, StateHealthy, tr.State())
	assert.Equal(t, "healthy", tr.State().String())
}

func TestSend_HealthyDelivers(t *testing.T) {
	rt := newFakeRuntime(t)
	tr := newTestTransport(t, rt, Config{})

	before := testutil.ToFloat64(messagesTotal.WithLabelValues(outcomeDelivered))
	tr.Send(ev("e1"))

	require.Eventually(t, func() bool { return len(rt.deliveredIDs()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"e1"}, rt.deliveredIDs())
	require.Eventually(t, func() bool { return tr.Stats().Delivered == 1 }, waitFor, tick)
	assert.Equal(t, before+1, testutil.ToFloat64(messagesTotal.WithLabelValues(outcomeDelivered)))
}

func TestSend_NilIsIgnored(t *testing.T) {
	tr := newTestTransport(t, newFakeRuntime(t), Config{})
	tr.Send(nil)
	assert.Equal(t, 0, tr.Stats().Queued)
}

func TestHealthCheck_DegradesOnInvalidatedContext(t *testing.T) {
	rt := newFakeRuntime(t)
	tr := newTestTransport(t, rt, Config{})

	tr.checkHealth(context.Background())
	assert.Equal(t, StateHealthy, tr.State())
	assert.Equal(t, "ctx-1", tr.Stats().ContextID)

	degrade(t, tr, rt)
}

func TestReconnect_DrainsInOrder(t *testing.T) {
	rt := newFakeRuntime(t)
	tr := newTestTransport(t, rt, Config{})
	degrade(t, tr, rt)

	for _, id := range []string{"e1", "e2", "e3"} {
		tr.Send(ev(id))
	}
	// Reconnects triggered by the sends fail while the context is gone.
	require.Eventually(t, func() bool { return tr.State() == StateDegraded }, waitFor, tick)
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids(tr.Pending()))
	assert.Empty(t, rt.deliveredIDs())

	rt.set(func(f *fakeRuntime) { f.contextID = "ctx-2" })
	tr.checkHealth(context.Background())

	require.Eventually(t, func() bool { return len(rt.deliveredIDs()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"e1", "e2", "e3"}, rt.deliveredIDs())
	require.Eventually(t, func() bool {
		s := tr.Stats()
		return s.State == StateHealthy && s.Queued == 0
	}, waitFor, tick)
	assert.Equal(t, "ctx-2", tr.Stats().ContextID)
}

func TestSend_QueueEvictsOldestWhenFull(t *testing.T) {
	rt := newFakeRuntime(t)
	tr := newTestTransport(t, rt, Config{QueueCapacity: 3})
	degrade(t, tr, rt)

	for i := 1; i <= 5; i++ {
		tr.Send(ev(fmt.Sprintf("e%d", i)))
	}
	require.Eventually(t, func() bool { return tr.State() == StateDegraded }, waitFor, tick)

	assert.Equal(t, []string{"e3", "e4", "e5"}, ids(tr.Pending()))
	assert.Equal(t, int64(2), tr.Stats().Evicted)
}

func TestSend_TimeoutRequeues(t *testing.T) {
	rt := newFakeRuntime(t)
	rt.set(func(f *fakeRuntime) { f.hang = true })
	tr := newTestTransport(t, rt, Config{SendTimeout: 30 * time.Millisecond})

	tr.Send(ev("slow"))

	require.Eventually(t, func() bool { return tr.Stats().Queued == 1 }, waitFor, tick)
	assert.Equal(t, StateDegraded, tr.State())
	assert.Equal(t, []string{"slow"}, ids(tr.Pending()))
	assert.Equal(t, int64(1), tr.Stats().Requeued)
}

func TestSend_TimedOutSendKeepsItsPlaceInQueue(t *testing.T) {
	rt := newFakeRuntime(t)
	rt.set(func(f *fakeRuntime) { f.hang = true })
	tr := newTestTransport(t, rt, Config{SendTimeout: 200 * time.Millisecond})

	tr.Send(ev("e1"))
	require.Eventually(t, func() bool { return tr.Stats().InFlight == 1 }, waitFor, tick)

	degrade(t, tr, rt)
	tr.Send(ev("e2"))
	tr.Send(ev("e3"))

	require.Eventually(t, func() bool {
		s := tr.Stats()
		return s.Queued == 3 && s.InFlight == 0 && s.State == StateDegraded
	}, waitFor, tick)
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids(tr.Pending()))
}

// panickingRuntime fails every call by panicking.
type panickingRuntime struct{}

func (panickingRuntime) ContextID(context.Context) (string, error) {
	panic("context lookup exploded")
}

func (panickingRuntime) SendMessage(context.Context, *types.Message) (*types.Response, error) {
	panic("send exploded")
}

func TestRuntimePanicsAreContained(t *testing.T) {
	tr := newTestTransport(t, panickingRuntime{}, Config{})

	tr.Send(ev("e1"))
	require.Eventually(t, func() bool { return tr.Stats().Dropped == 1 }, waitFor, tick)
	assert.Equal(t, StateHealthy, tr.State())
	assert.Zero(t, tr.Stats().Queued)

	assert.NotPanics(t, func() { tr.checkHealth(context.Background()) })
	assert.Equal(t, StateDegraded, tr.State())

	tr.Send(ev("e2"))
	require.Eventually(t, func() bool { return tr.State() == StateDegraded }, waitFor, tick)
	assert.Equal(t, []string{"e2"}, ids(tr.Pending()))
}

func TestSend_ContextLossRequeues(t *testing.T) {
	for _, sendErr := range []error{
		ErrContextInvalidated,
		ErrChannelClosed,
		fmt.Errorf("runtime: %w", ErrReceiverUnavailable),
		errors.New("Could not establish connection. Receiving end does not exist."),
	} {
		t.Run(sendErr.Error(), func(t *testing.T) {
			rt := newFakeRuntime(t)
			rt.set(func(f *fakeRuntime) { f.sendErr = sendErr })
			tr := newTestTransport(t, rt, Config{})

			tr.Send(ev("lost"))

			require.Eventually(t, func() bool { return tr.Stats().Queued == 1 }, waitFor, tick)
			assert.Equal(t, StateDegraded, tr.State())
		})
	}
}

func TestSend_ExplicitFailureDrops(t *testing.T) {
	tests := []struct {
		name string
		set  func(f *fakeRuntime)
	}{
		{
			name: "rejected",
			set:  func(f *fakeRuntime) { f.response = &types.Response{Success: false, Error: "invalid payload"} },
		},
		{
			name: "no response",
			set:  func(f *fakeRuntime) { f.response = nil },
		},
		{
			name: "other error",
			set:  func(f *fakeRuntime) { f.sendErr = errors.New("quota exceeded") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime(t)
			rt.set(tt.set)
			tr := newTestTransport(t, rt, Config{})

			tr.Send(ev("bad"))

			require.Eventually(t, func() bool { return tr.Stats().Dropped == 1 }, waitFor, tick)
			assert.Equal(t, 0, tr.Stats().Queued)
			assert.Equal(t, StateHealthy, tr.State())
		})
	}
}

func TestReconnect_SingleFlight(t *testing.T) {
	rt := newFakeRuntime(t)
	tr := newTestTransport(t, rt, Config{})
	degrade(t, tr, rt)

	gate := make(chan struct{})
	rt.set(func(f *fakeRuntime) {
		f.contextID = "ctx-2"
		f.idGate = gate
	})
	calls := rt.idCalls.Load()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Send(ev(fmt.Sprintf("e%d", i)))
			tr.checkHealth(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, StateReconnecting, tr.State())
	require.Eventually(t, func() bool { return rt.idCalls.Load() == calls+1 }, waitFor, tick)

	close(gate)
	require.Eventually(t, func() bool { return len(rt.deliveredIDs()) == 10 }, waitFor, tick)
	assert.Equal(t, calls+1, rt.idCalls.Load())
	assert.Equal(t, StateHealthy, tr.State())
}

func TestStop_AbandonsQueue(t *testing.T) {
	rt := newFakeRuntime(t)
	tr := newTestTransport(t, rt, Config{})
	degrade(t, tr, rt)

	tr.Send(ev("e1"))
	tr.Send(ev("e2"))
	require.Eventually(t, func() bool { return tr.State() == StateDegraded }, waitFor, tick)

	tr.Stop()
	assert.Empty(t, tr.Pending())

	assert.NotPanics(t, func() {
		tr.Send(ev("after"))
		tr.checkHealth(context.Background())
		tr.Stop()
	})
	assert.Empty(t, tr.Pending())
	assert.Empty(t, rt.deliveredIDs())
}

func TestStart_ReturnsOnStop(t *testing.T) {
	tr := newTestTransport(t, newFakeRuntime(t), Config{HealthInterval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- tr.Start(context.Background()) }()

	tr.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Start did not return after Stop")
	}
}

func TestIsContextLost(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrContextInvalidated, true},
		{ErrChannelClosed, true},
		{ErrReceiverUnavailable, true},
		{fmt.Errorf("send: %w", ErrTimeout), true},
		{context.DeadlineExceeded, true},
		{errors.New("Extension context invalidated."), true},
		{errors.New("The message channel closed before a response was received"), true},
		{errors.New("quota exceeded"), false},
		{ErrStopped, false},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsContextLost(tt.err))
		})
	}
}
