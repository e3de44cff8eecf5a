// Package eventstore is the receiving side of the sensor: it accepts
// tracking events over the message channel, keeps a bounded history and
// rolls events up into per-page summaries.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/config"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// Prometheus metrics (registered once).
var (
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_store_messages_received_total",
			Help: "Messages received by the event store, by type and result",
		},
		[]string{"type", "result"},
	)
	eventsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_store_events_stored_total",
			Help: "Tracking events stored, by method and risk level",
		},
		[]string{"method", "risk"},
	)
	trackedPages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "privacy_store_tracked_pages",
			Help: "Pages with at least one retained tracking event",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(eventsStored)
	prometheus.MustRegister(trackedPages)
}

// Validation errors returned by Ingest.
var (
	ErrNoPayload      = errors.New("missing payload")
	ErrMissingID      = errors.New("missing event id")
	ErrMissingPage    = errors.New("missing page url and domain")
	ErrMissingTime    = errors.New("missing timestamp")
	ErrNotTracking    = errors.New("risk level none is not a tracking event")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Filter narrows Events results. Zero values match everything.
type Filter struct {
	Domain  string
	Method  types.Method
	MinRisk types.RiskLevel
}

func (f Filter) match(ev *types.TrackingEvent) bool {
	if f.Domain != "" && ev.Domain != f.Domain {
		return false
	}
	if f.Method != "" && ev.Method != f.Method {
		return false
	}
	return ev.RiskLevel >= f.MinRisk
}

// Stats is a point-in-time view of the store.
type Stats struct {
	InstanceID string `json:"instance_id"`
	Events     int    `json:"events"`
	Pages      int    `json:"pages"`
}

type pageState struct {
	summary types.PageSummary
	// latest sighting of each method, for the aggregation window
	lastSeen map[types.Method]time.Time
}

// Store holds received tracking events in memory.
type Store struct {
	cfg        config.StoreConfig
	log        *logrus.Logger
	clock      clock.PassiveClock
	instanceID string

	mu     sync.RWMutex
	events []*types.TrackingEvent
	ids    sets.Set[string]
	pages  map[string]*pageState
}

// New creates a Store with a fresh instance id. A nil clock means wall time.
func New(cfg config.StoreConfig, clk clock.PassiveClock, log *logrus.Logger) *Store {
	if cfg.EventRetentionCount <= 0 {
		cfg.EventRetentionCount = 10000
	}
	if cfg.AggregationWindow <= 0 {
		cfg.AggregationWindow = 30 * time.Second
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{
		cfg:        cfg,
		log:        log,
		clock:      clk,
		instanceID: uuid.NewString(),
		ids:        sets.New[string](),
		pages:      make(map[string]*pageState),
	}
}

// InstanceID identifies this store for the lifetime of the process. The
// sensor treats a change as a new reporting context.
func (s *Store) InstanceID() string {
	return s.instanceID
}

// Start runs the retention loop until ctx is done.
func (s *Store) Start(ctx context.Context) {
	go wait.UntilWithContext(ctx, func(context.Context) {
		if n := s.Prune(); n > 0 {
			s.log.WithField("pruned", n).Debug("Pruned expired tracking events")
		}
	}, s.cfg.RetentionInterval)
}

// HandleMessage answers every message, including malformed ones.
func (s *Store) HandleMessage(ctx context.Context, msg *types.Message) *types.Response {
	if msg == nil {
		messagesReceived.WithLabelValues("", "rejected").Inc()
		return &types.Response{Success: false, Error: "empty message"}
	}

	switch msg.Type {
	case types.MessagePing:
		messagesReceived.WithLabelValues(msg.Type, "ok").Inc()
		return &types.Response{Success: true}

	case types.MessageTrackingEvent:
		if err := s.Ingest(msg.Payload); err != nil {
			messagesReceived.WithLabelValues(msg.Type, "rejected").Inc()
			s.log.WithError(err).Warn("Rejected tracking event")
			return &types.Response{Success: false, Error: err.Error()}
		}
		messagesReceived.WithLabelValues(msg.Type, "ok").Inc()
		return &types.Response{Success: true}
	}

	messagesReceived.WithLabelValues("unknown", "rejected").Inc()
	return &types.Response{Success: false, Error: fmt.Sprintf("%s: %q", ErrUnknownMessage, msg.Type)}
}

func validate(ev *types.TrackingEvent) error {
	switch {
	case ev == nil:
		return ErrNoPayload
	case ev.ID == "":
		return ErrMissingID
	case ev.PageURL == "" && ev.Domain == "":
		return ErrMissingPage
	case ev.Timestamp.IsZero():
		return ErrMissingTime
	case ev.RiskLevel <= types.RiskNone || ev.RiskLevel > types.RiskCritical:
		return ErrNotTracking
	}
	if _, err := types.ParseMethod(string(ev.Method)); err != nil {
		return err
	}
	return nil
}

// Ingest validates and stores ev. Re-delivery of a stored id is accepted
// and ignored.
func (s *Store) Ingest(ev *types.TrackingEvent) error {
	if err := validate(ev); err != nil {
		return err
	}

	s.mu.Lock()
	if s.ids.Has(ev.ID) {
		s.mu.Unlock()
		s.log.WithField("event_id", ev.ID).Debug("Duplicate tracking event ignored")
		return nil
	}
	s.ids.Insert(ev.ID)
	s.events = append(s.events, ev)
	if over := len(s.events) - s.cfg.EventRetentionCount; over > 0 {
		for _, old := range s.events[:over] {
			s.ids.Delete(old.ID)
		}
		s.events = append([]*types.TrackingEvent(nil), s.events[over:]...)
	}
	summary := s.rollupLocked(ev)
	trackedPages.Set(float64(len(s.pages)))
	s.mu.Unlock()

	eventsStored.WithLabelValues(string(ev.Method), ev.RiskLevel.String()).Inc()
	s.log.WithFields(logrus.Fields{
		"event_id":       ev.ID,
		"domain":         ev.Domain,
		"method":         ev.Method,
		"risk_level":     ev.RiskLevel,
		"aggregate_risk": summary.AggregateRisk,
		"page_events":    summary.EventCount,
	}).Info("Tracking event stored")
	return nil
}

func pageKey(ev *types.TrackingEvent) string {
	if ev.PageURL != "" {
		return ev.PageURL
	}
	return ev.Domain
}

// rollupLocked folds ev into its page summary. Methods seen within the
// aggregation window of the page's latest event count as simultaneous.
func (s *Store) rollupLocked(ev *types.TrackingEvent) types.PageSummary {
	key := pageKey(ev)
	p, ok := s.pages[key]
	if !ok {
		domain := ev.Domain
		if domain == "" {
			domain = types.DomainOf(ev.PageURL)
		}
		p = &pageState{
			summary: types.PageSummary{
				PageURL:   ev.PageURL,
				Domain:    domain,
				Site:      types.SiteOf(domain),
				FirstSeen: ev.Timestamp,
				LastSeen:  ev.Timestamp,
				Methods:   make(map[types.Method]types.RiskLevel),
			},
			lastSeen: make(map[types.Method]time.Time),
		}
		s.pages[key] = p
	}

	sum := &p.summary
	sum.EventCount++
	if ev.Timestamp.Before(sum.FirstSeen) {
		sum.FirstSeen = ev.Timestamp
	}
	if ev.Timestamp.After(sum.LastSeen) {
		sum.LastSeen = ev.Timestamp
	}
	if prev, ok := p.lastSeen[ev.Method]; !ok || !ev.Timestamp.Before(prev) {
		p.lastSeen[ev.Method] = ev.Timestamp
		sum.Methods[ev.Method] = ev.RiskLevel
	}

	active := make(map[types.Method]types.RiskLevel, len(sum.Methods))
	cutoff := sum.LastSeen.Add(-s.cfg.AggregationWindow)
	for m, seen := range p.lastSeen {
		if !seen.Before(cutoff) {
			active[m] = sum.Methods[m]
		}
	}
	sum.AggregateRisk = detection.AggregateRisk(active)
	return copySummary(*sum)
}

func copySummary(in types.PageSummary) types.PageSummary {
	out := in
	out.Methods = make(map[types.Method]types.RiskLevel, len(in.Methods))
	for m, r := range in.Methods {
		out.Methods[m] = r
	}
	return out
}

// Events returns the most recent matching events, oldest first, up to limit.
func (s *Store) Events(limit int, f Filter) []*types.TrackingEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TrackingEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if f.match(s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Pages returns page summaries, most recently active first.
func (s *Store) Pages() []types.PageSummary {
	s.mu.RLock()
	out := make([]types.PageSummary, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, copySummary(p.summary))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].PageURL < out[j].PageURL
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Page returns the summary for one page URL.
func (s *Store) Page(pageURL string) (types.PageSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[pageURL]
	if !ok {
		return types.PageSummary{}, false
	}
	return copySummary(p.summary), true
}

// Prune drops events older than EventMaxAge and pages with no activity in
// that period. It returns the number of events removed.
func (s *Store) Prune() int {
	if s.cfg.EventMaxAge <= 0 {
		return 0
	}
	cutoff := s.clock.Now().Add(-s.cfg.EventMaxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	removed := 0
	for _, ev := range s.events {
		if ev.Timestamp.Before(cutoff) {
			s.ids.Delete(ev.ID)
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(s.events); i++ {
		s.events[i] = nil
	}
	s.events = kept

	for key, p := range s.pages {
		if p.summary.LastSeen.Before(cutoff) {
			s.log.WithField("page", key).Debug("Page expired")
			delete(s.pages, key)
		}
	}
	trackedPages.Set(float64(len(s.pages)))
	return removed
}

// Stats returns store statistics
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		InstanceID: s.instanceID,
		Events:     len(s.events),
		Pages:      len(s.pages),
	}
}
