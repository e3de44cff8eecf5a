package eventstore

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/config"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, cfg config.StoreConfig) (*Store, *testingclock.FakePassiveClock) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	clk := testingclock.NewFakePassiveClock(epoch)
	return New(cfg, clk, log), clk
}

func event(id string, method types.Method, risk types.RiskLevel, at time.Time) *types.TrackingEvent {
	return &types.TrackingEvent{
		ID:          id,
		Timestamp:   at,
		PageURL:     "https://shop.example.com/checkout",
		Domain:      "shop.example.com",
		Method:      method,
		RiskLevel:   risk,
		Description: "test event",
	}
}

func TestNew(t *testing.T) {
	s, _ := newTestStore(t, config.StoreConfig{})
	require.NotNil(t, s)
	assert.NotEmpty(t, s.InstanceID())
	assert.Equal(t, 10000, s.cfg.EventRetentionCount)

	other, _ := newTestStore(t, config.StoreConfig{})
	assert.NotEqual(t, s.InstanceID(), other.InstanceID(), "each store is a distinct context")
}

func TestHandleMessage(t *testing.T) {
	s, _ := newTestStore(t, config.StoreConfig{})
	ctx := context.Background()

	tests := []struct {
		name    string
		msg     *types.Message
		success bool
		errText string
	}{
		{
			name:    "ping",
			msg:     &types.Message{Type: types.MessagePing, Timestamp: epoch},
			success: true,
		},
		{
			name:    "tracking event",
			msg:     &types.Message{Type: types.MessageTrackingEvent, Payload: event("e1", types.MethodCanvas, types.RiskHigh, epoch)},
			success: true,
		},
		{
			name:    "nil message",
			msg:     nil,
			errText: "empty message",
		},
		{
			name:    "missing payload",
			msg:     &types.Message{Type: types.MessageTrackingEvent},
			errText: ErrNoPayload.Error(),
		},
		{
			name:    "unknown type",
			msg:     &types.Message{Type: "subscribe"},
			errText: "unknown message type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.HandleMessage(ctx, tt.msg)
			require.NotNil(t, resp, "store must always respond")
			assert.Equal(t, tt.success, resp.Success)
			if tt.errText != "" {
				assert.Contains(t, resp.Error, tt.errText)
			}
		})
	}
	assert.Equal(t, 1, s.Stats().Events)
}

func TestIngest_Validation(t *testing.T) {
	s, _ := newTestStore(t, config.StoreConfig{})

	noID := event("", types.MethodCanvas, types.RiskHigh, epoch)
	noPage := event("p", types.MethodCanvas, types.RiskHigh, epoch)
	noPage.PageURL, noPage.Domain = "", ""
	noTime := event("t", types.MethodCanvas, types.RiskHigh, time.Time{})
	noRisk := event("r", types.MethodCanvas, types.RiskNone, epoch)
	badMethod := event("m", types.Method("font-probing"), types.RiskHigh, epoch)

	assert.ErrorIs(t, s.Ingest(nil), ErrNoPayload)
	assert.ErrorIs(t, s.Ingest(noID), ErrMissingID)
	assert.ErrorIs(t, s.Ingest(noPage), ErrMissingPage)
	assert.ErrorIs(t, s.Ingest(noTime), ErrMissingTime)
	assert.ErrorIs(t, s.Ingest(noRisk), ErrNotTracking)
	assert.Error(t, s.Ingest(badMethod))
	assert.Equal(t, 0, s.Stats().Events)
}

func TestIngest_DuplicateIDIgnored(t *testing.T) {
	s, _ := newTestStore(t, config.StoreConfig{})
	ev := event("e1", types.MethodStorage, types.RiskMedium, epoch)

	require.NoError(t, s.Ingest(ev))
	require.NoError(t, s.Ingest(ev))

	assert.Len(t, s.Events(0, Filter{}), 1)
	page, ok := s.Page(ev.PageURL)
	require.True(t, ok)
	assert.Equal(t, int64(1), page.EventCount)
}

func TestIngest_RetentionCount(t *testing.T) {
	s, _ := newTestStore(t, config.StoreConfig{EventRetentionCount: 3})
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Ingest(event(fmt.Sprintf("e%d", i), types.MethodCanvas, types.RiskHigh, epoch.Add(time.Duration(i)*time.Second))))
	}

	got := s.Events(0, Filter{})
	require.Len(t, got, 3)
	assert.Equal(t, "e3", got[0].ID)
	assert.Equal(t, "e5", got[2].ID)

	// An evicted id is no longer known, so it is stored again.
	require.NoError(t, s.Ingest(event("e1", types.MethodCanvas, types.RiskHigh, epoch.Add(6*time.Second))))
	assert.Equal(t, "e1", s.Events(1, Filter{})[0].ID)
}

func TestEvents_FilterAndLimit(t *testing.T) {
	s, _ := newTestStore(t, config.StoreConfig{})
	require.NoError(t, s.Ingest(event("c1", types.MethodCanvas, types.RiskHigh, epoch)))
	require.NoError(t, s.Ingest(event("s1", types.MethodStorage, types.RiskMedium, epoch.Add(time.Second))))
	require.NoError(t, s.Ingest(event("f1", types.MethodForm, types.RiskCritical, epoch.Add(2*time.Second))))
	other := event("o1", types.MethodCanvas, types.RiskHigh, epoch.Add(3*time.Second))
	other.PageURL, other.Domain = "https://news.example.org/", "news.example.org"
	require.NoError(t, s.Ingest(other))

	assert.Len(t, s.Events(0, Filter{}), 4)
	assert.Len(t, s.Events(2, Filter{}), 2)
	assert.Equal(t, "f1", s.Events(2, Filter{})[0].ID)

	canvas := s.Events(0, Filter{Method: types.MethodCanvas})
	assert.Len(t, canvas, 2)

	high := s.Events(0, Filter{MinRisk: types.RiskHigh, Domain: "shop.example.com"})
	require.Len(t, high, 2)
	assert.Equal(t, "c1", high[0].ID)
	assert.Equal(t, "f1", high[1].ID)
}

func TestPageSummary_AggregateRisk(t *testing.T) {
	s, _ := newTestStore(t, config.StoreConfig{AggregationWindow: 30 * time.Second})
	url := "https://shop.example.com/checkout"

	require.NoError(t, s.Ingest(event("e1", types.MethodStorage, types.RiskMedium, epoch)))
	page, _ := s.Page(url)
	assert.Equal(t, types.RiskMedium, page.AggregateRisk)
	assert.Equal(t, "example.com", page.Site)

	require.NoError(t, s.Ingest(event("e2", types.MethodPointer, types.RiskMedium, epoch.Add(5*time.Second))))
	page, _ = s.Page(url)
	assert.Equal(t, types.RiskMedium, page.AggregateRisk)

	// Third simultaneous method escalates the highest level by one.
	require.NoError(t, s.Ingest(event("e3", types.MethodCanvas, types.RiskHigh, epoch.Add(10*time.Second))))
	page, _ = s.Page(url)
	assert.Equal(t, types.RiskCritical, page.AggregateRisk)
	assert.Len(t, page.Methods, 3)
	assert.Equal(t, int64(3), page.EventCount)
	assert.Equal(t, epoch, page.FirstSeen)
	assert.Equal(t, epoch.Add(10*time.Second), page.LastSeen)

	// A minute later only canvas is recent; no escalation.
	require.NoError(t, s.Ingest(event("e4", types.MethodCanvas, types.RiskHigh, epoch.Add(70*time.Second))))
	page, _ = s.Page(url)
	assert.Equal(t, types.RiskHigh, page.AggregateRisk)
}

func TestPageSummary_IsACopy(t *testing.T) {
	s, _ := newTestStore(t, config.StoreConfig{})
	ev := event("e1", types.MethodCanvas, types.RiskHigh, epoch)
	require.NoError(t, s.Ingest(ev))

	page, _ := s.Page(ev.PageURL)
	page.Methods[types.MethodForm] = types.RiskCritical

	again, _ := s.Page(ev.PageURL)
	assert.NotContains(t, again.Methods, types.MethodForm)
}

func TestPages_MostRecentFirst(t *testing.T) {
	s, _ := newTestStore(t, config.StoreConfig{})
	first := event("a", types.MethodCanvas, types.RiskHigh, epoch)
	second := event("b", types.MethodCanvas, types.RiskHigh, epoch.Add(time.Minute))
	second.PageURL, second.Domain = "https://news.example.org/", "news.example.org"
	require.NoError(t, s.Ingest(first))
	require.NoError(t, s.Ingest(second))

	pages := s.Pages()
	require.Len(t, pages, 2)
	assert.Equal(t, second.PageURL, pages[0].PageURL)
	assert.Equal(t, first.PageURL, pages[1].PageURL)
}

func TestPrune(t *testing.T) {
	s, clk := newTestStore(t, config.StoreConfig{EventMaxAge: time.Hour})
	require.NoError(t, s.Ingest(event("old", types.MethodCanvas, types.RiskHigh, epoch)))
	fresh := event("new", types.MethodCanvas, types.RiskHigh, epoch.Add(50*time.Minute))
	fresh.PageURL, fresh.Domain = "https://news.example.org/", "news.example.org"
	require.NoError(t, s.Ingest(fresh))

	clk.SetTime(epoch.Add(90 * time.Minute))
	assert.Equal(t, 1, s.Prune())

	stats := s.Stats()
	assert.Equal(t, 1, stats.Events)
	assert.Equal(t, 1, stats.Pages)
	_, ok := s.Page("https://shop.example.com/checkout")
	assert.False(t, ok)

	assert.Equal(t, 0, s.Prune())
}

func TestPrune_DisabledWithoutMaxAge(t *testing.T) {
	s, clk := newTestStore(t, config.StoreConfig{})
	require.NoError(t, s.Ingest(event("old", types.MethodCanvas, types.RiskHigh, epoch)))
	clk.SetTime(epoch.Add(1000 * time.Hour))
	assert.Equal(t, 0, s.Prune())
	assert.Equal(t, 1, s.Stats().Events)
}
