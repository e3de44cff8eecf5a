package coordinator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/bridge"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const pageURL = "https://shop.example.com/checkout"

type captureSender struct {
	mu      sync.Mutex
	events  []*types.TrackingEvent
	stopped int
	panics  bool
}

func (s *captureSender) Send(ev *types.TrackingEvent) {
	if s.panics {
		panic("send failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

func (s *captureSender) sent() []*types.TrackingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.TrackingEvent, len(s.events))
	copy(out, s.events)
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *captureSender, *testingclock.FakePassiveClock) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	clk := testingclock.NewFakePassiveClock(epoch)
	sender := &captureSender{}
	c := New(Config{PageURL: pageURL, Clock: clk}, detection.NewEngine(detection.DefaultThresholds()), sender, log)
	return c, sender, clk
}

func canvasSignal(at time.Time, calls ...string) *types.DetectionSignal {
	return &types.DetectionSignal{Method: types.MethodCanvas, Timestamp: at, Canvas: &types.CanvasEvidence{Calls: calls}}
}

func formSignal(at time.Time, fields ...types.FormField) *types.DetectionSignal {
	return &types.DetectionSignal{Method: types.MethodForm, Timestamp: at, Form: &types.FormEvidence{Fields: fields}}
}

func storageSignal(at time.Time, n int) *types.DetectionSignal {
	ops := make([]types.StorageOperation, n)
	for i := range ops {
		ops[i] = types.StorageOperation{Operation: "setItem", Key: fmt.Sprintf("k%d", i), Area: "localStorage", Timestamp: at}
	}
	return &types.DetectionSignal{
		Method:    types.MethodStorage,
		Timestamp: at,
		Storage:   &types.StorageEvidence{Operations: ops, Count: n, UniqueKeys: n},
	}
}

var fingerprint = []string{"getContext(2d)", "fillText", "toDataURL"}

func TestNew_Defaults(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	assert.Equal(t, 3*time.Second, c.cfg.ThrottleWindow)
	assert.Equal(t, 10*time.Second, c.cfg.DedupWindow)
	assert.Equal(t, "shop.example.com", c.Domain())
}

func TestHandle_CanvasScenario(t *testing.T) {
	c, sender, _ := newTestCoordinator(t)

	got := c.Handle(canvasSignal(epoch, fingerprint...))
	require.Equal(t, OutcomeReported, got)

	events := sender.sent()
	require.Len(t, events, 1)
	ev := events[0]
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, epoch, ev.Timestamp)
	assert.Equal(t, pageURL, ev.PageURL)
	assert.Equal(t, "shop.example.com", ev.Domain)
	assert.Equal(t, types.MethodCanvas, ev.Method)
	assert.Equal(t, types.RiskHigh, ev.RiskLevel)
	assert.Equal(t, "example.com", ev.Details["site"])
	assert.Equal(t, 3, ev.Details["frequency"])
	assert.Equal(t, fingerprint, ev.Details["evidence"])
}

func TestHandle_StorageScenario(t *testing.T) {
	c, sender, _ := newTestCoordinator(t)

	require.Equal(t, OutcomeReported, c.Handle(storageSignal(epoch, 10)))
	ev := sender.sent()[0]
	assert.Equal(t, types.RiskMedium, ev.RiskLevel)
	assert.Contains(t, ev.Description, "10 unique keys")
	assert.Equal(t, 10, ev.Details["uniqueKeys"])
}

func TestHandle_PasswordFieldIsCritical(t *testing.T) {
	c, sender, _ := newTestCoordinator(t)

	got := c.Handle(formSignal(epoch,
		types.FormField{Type: "email", Name: "email"},
		types.FormField{Type: "password", Name: "pass"},
	))
	require.Equal(t, OutcomeReported, got)
	assert.Equal(t, types.RiskCritical, sender.sent()[0].RiskLevel)
}

func TestHandle_NotDetectedNeverReachesTransport(t *testing.T) {
	c, sender, _ := newTestCoordinator(t)

	assert.Equal(t, OutcomeNotDetected, c.Handle(canvasSignal(epoch, "fillText")))
	assert.Equal(t, OutcomeNotDetected, c.Handle(&types.DetectionSignal{Method: types.MethodPointer, Timestamp: epoch}))
	assert.Equal(t, OutcomeNotDetected, c.Handle(&types.DetectionSignal{Method: types.Method("font-probing"), Timestamp: epoch}))
	assert.Empty(t, sender.sent())
	assert.Equal(t, int64(3), c.Stats()[OutcomeNotDetected])
}

func TestHandle_ThrottlePerMethod(t *testing.T) {
	c, sender, clk := newTestCoordinator(t)

	require.Equal(t, OutcomeReported, c.Handle(canvasSignal(epoch, fingerprint...)))

	clk.SetTime(epoch.Add(2999 * time.Millisecond))
	assert.Equal(t, OutcomeThrottled, c.Handle(canvasSignal(clk.Now(), fingerprint...)))

	// Other methods have their own throttle.
	assert.Equal(t, OutcomeReported, c.Handle(storageSignal(clk.Now(), 12)))

	// Throttled signals do not extend the window.
	clk.SetTime(epoch.Add(3 * time.Second))
	assert.NotEqual(t, OutcomeThrottled, c.Handle(canvasSignal(clk.Now(), fingerprint...)))
	assert.Len(t, sender.sent(), 2)
}

func TestHandle_DedupWindow(t *testing.T) {
	c, sender, clk := newTestCoordinator(t)

	require.Equal(t, OutcomeReported, c.Handle(canvasSignal(epoch, fingerprint...)))

	clk.SetTime(epoch.Add(5 * time.Second))
	assert.Equal(t, OutcomeDuplicate, c.Handle(canvasSignal(clk.Now(), fingerprint...)))

	// A different risk level is a different signature.
	assert.Equal(t, OutcomeReported, c.Handle(formSignal(clk.Now(), types.FormField{Type: "text", Name: "q"})))
	clk.SetTime(epoch.Add(9 * time.Second))
	assert.Equal(t, OutcomeReported, c.Handle(formSignal(clk.Now(), types.FormField{Type: "password", Name: "p"})))

	// Duplicates are not recorded, so the window runs from the first report.
	clk.SetTime(epoch.Add(10 * time.Second))
	assert.Equal(t, OutcomeReported, c.Handle(canvasSignal(clk.Now(), fingerprint...)))

	sent := sender.sent()
	require.Len(t, sent, 4)
	assert.Equal(t, types.MethodCanvas, sent[3].Method)
	assert.Equal(t, int64(1), c.Stats()[OutcomeDuplicate])
}

func TestHandleDetail(t *testing.T) {
	c, sender, _ := newTestCoordinator(t)

	data, err := bridge.Encode(canvasSignal(epoch, fingerprint...))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReported, c.HandleDetail(data))

	assert.Equal(t, OutcomeInvalid, c.HandleDetail([]byte("{not json")))
	assert.Equal(t, OutcomeInvalid, c.HandleDetail([]byte(`{"type":"font-probing","timestamp":1}`)))
	assert.Equal(t, OutcomeInvalid, c.Handle(nil))
	assert.Len(t, sender.sent(), 1)
}

func TestRun_ConsumesBridge(t *testing.T) {
	c, sender, _ := newTestCoordinator(t)
	log := logrus.New()
	log.SetOutput(io.Discard)
	b := bridge.New(4, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx, b.Events())
		close(done)
	}()

	require.True(t, b.Dispatch(canvasSignal(epoch, fingerprint...)))
	require.True(t, b.Dispatch(storageSignal(epoch, 10)))
	require.Eventually(t, func() bool { return len(sender.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)

	b.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the bridge closed")
	}
}

func TestTeardown(t *testing.T) {
	c, sender, clk := newTestCoordinator(t)
	require.Equal(t, OutcomeReported, c.Handle(canvasSignal(epoch, fingerprint...)))

	c.Teardown()
	assert.Equal(t, 1, sender.stopped)
	assert.Empty(t, c.lastAccepted)
	assert.Empty(t, c.recent)

	clk.SetTime(epoch.Add(time.Minute))
	assert.Equal(t, OutcomeStopped, c.Handle(canvasSignal(clk.Now(), fingerprint...)))

	assert.NotPanics(t, c.Teardown)
	assert.Equal(t, 1, sender.stopped)
	assert.Len(t, sender.sent(), 1)
}

func TestHandle_PanickingSenderIsContained(t *testing.T) {
	c, sender, _ := newTestCoordinator(t)
	sender.panics = true

	assert.NotPanics(t, func() {
		assert.Equal(t, OutcomeReported, c.Handle(canvasSignal(epoch, fingerprint...)))
	})
}
