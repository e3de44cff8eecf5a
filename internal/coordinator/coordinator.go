// Package coordinator turns probe signals into tracking events for one page.
// It throttles signals per method, classifies them, suppresses repeats and
// hands the survivors to the transport without waiting for delivery.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/bridge"
)

var signalsHandled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "privacy_sensor_signals_total",
		Help: "Detection signals handled by the coordinator, by method and outcome",
	},
	[]string{"method", "outcome"},
)

func init() {
	prometheus.MustRegister(signalsHandled)
}

// Sender accepts tracking events; *transport.Transport satisfies it.
type Sender interface {
	Send(ev *types.TrackingEvent)
}

// Outcome of handling one signal.
type Outcome int

const (
	OutcomeReported Outcome = iota
	OutcomeThrottled
	OutcomeNotDetected
	OutcomeDuplicate
	OutcomeInvalid
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReported:
		return "reported"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeNotDetected:
		return "not_detected"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config for a page's coordinator
type Config struct {
	PageURL        string
	ThrottleWindow time.Duration
	DedupWindow    time.Duration
	Clock          clock.PassiveClock
}

// Stats counts outcomes since creation.
type Stats map[Outcome]int64

// Coordinator owns the throttle and dedup state for one page.
type Coordinator struct {
	cfg    Config
	log    *logrus.Logger
	engine *detection.Engine
	sender Sender
	domain string
	site   string

	mu           sync.Mutex
	lastAccepted map[types.Method]time.Time
	recent       map[string]time.Time
	stats        Stats
	stopped      bool
}

// New creates a Coordinator for cfg.PageURL.
func New(cfg Config, engine *detection.Engine, sender Sender, log *logrus.Logger) *Coordinator {
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = 3 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	domain := types.DomainOf(cfg.PageURL)
	return &Coordinator{
		cfg:          cfg,
		log:          log,
		engine:       engine,
		sender:       sender,
		domain:       domain,
		site:         types.SiteOf(domain),
		lastAccepted: make(map[types.Method]time.Time),
		recent:       make(map[string]time.Time),
		stats:        make(Stats),
	}
}

// Run handles bridge payloads until ctx is done or events is closed.
func (c *Coordinator) Run(ctx context.Context, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-events:
			if !ok {
				return
			}
			c.HandleDetail(data)
		}
	}
}

// HandleDetail decodes a bridge payload and handles the signal in it.
func (c *Coordinator) HandleDetail(data []byte) Outcome {
	sig, err := bridge.Decode(data)
	if err != nil {
		c.log.WithError(err).Warn("Dropping malformed detection signal")
		return c.record("", OutcomeInvalid)
	}
	return c.Handle(sig)
}

// Handle runs one signal through throttle, classification and dedup, and
// sends a tracking event when it survives all three.
func (c *Coordinator) Handle(sig *types.DetectionSignal) Outcome {
	if sig == nil {
		return c.record("", OutcomeInvalid)
	}
	now := c.cfg.Clock.Now()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return OutcomeStopped
	}
	if last, ok := c.lastAccepted[sig.Method]; ok && now.Sub(last) < c.cfg.ThrottleWindow {
		c.mu.Unlock()
		return c.record(sig.Method, OutcomeThrottled)
	}
	c.lastAccepted[sig.Method] = now
	c.mu.Unlock()

	verdict := c.engine.Classify(sig)
	if !verdict.Detected {
		return c.record(sig.Method, OutcomeNotDetected)
	}

	key := signature(c.domain, verdict.Method, verdict.RiskLevel)
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return OutcomeStopped
	}
	for k, seen := range c.recent {
		if now.Sub(seen) >= c.cfg.DedupWindow {
			delete(c.recent, k)
		}
	}
	if _, dup := c.recent[key]; dup {
		c.mu.Unlock()
		return c.record(sig.Method, OutcomeDuplicate)
	}
	c.recent[key] = now
	c.mu.Unlock()

	ev := c.newEvent(verdict, now)
	c.logEvent(ev)
	c.send(ev)
	return c.record(sig.Method, OutcomeReported)
}

func signature(domain string, method types.Method, risk types.RiskLevel) string {
	return strings.Join([]string{domain, string(method), risk.String()}, "|")
}

func (c *Coordinator) newEvent(v types.Verdict, now time.Time) *types.TrackingEvent {
	details := make(map[string]interface{}, len(v.Details)+3)
	for k, val := range v.Details {
		details[k] = val
	}
	if len(v.EvidenceSummary) > 0 {
		details["evidence"] = v.EvidenceSummary
	}
	details["frequency"] = v.Frequency
	if c.site != "" {
		details["site"] = c.site
	}

	return &types.TrackingEvent{
		ID:          uuid.NewString(),
		Timestamp:   now,
		PageURL:     c.cfg.PageURL,
		Domain:      c.domain,
		Method:      v.Method,
		RiskLevel:   v.RiskLevel,
		Description: v.Description,
		Details:     details,
	}
}

// logEvent logs at a level matching the event's risk.
func (c *Coordinator) logEvent(ev *types.TrackingEvent) {
	entry := c.log.WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"domain":     ev.Domain,
		"method":     ev.Method,
		"risk_level": ev.RiskLevel,
	})
	switch ev.RiskLevel {
	case types.RiskCritical:
		entry.Error("CRITICAL: " + ev.Description)
	case types.RiskHigh:
		entry.Warn("HIGH: " + ev.Description)
	case types.RiskMedium:
		entry.Warn("MEDIUM: " + ev.Description)
	default:
		entry.Info("LOW: " + ev.Description)
	}
}

// send hands ev to the sender. The recover covers only the synchronous
// Send call; the transport contains panics in its own delivery goroutines.
func (c *Coordinator) send(ev *types.TrackingEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"event_id": ev.ID,
				"panic":    r,
			}).Error("Sender panicked on send")
		}
	}()
	c.sender.Send(ev)
}

func (c *Coordinator) record(method types.Method, o Outcome) Outcome {
	c.mu.Lock()
	c.stats[o]++
	c.mu.Unlock()
	signalsHandled.WithLabelValues(string(method), o.String()).Inc()
	return o
}

// Teardown clears throttle and dedup state and stops the sender when it
// can be stopped. Later signals are ignored. Safe to call more than once.
func (c *Coordinator) Teardown() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.lastAccepted = make(map[types.Method]time.Time)
	c.recent = make(map[string]time.Time)
	c.mu.Unlock()

	if s, ok := c.sender.(interface{ Stop() }); ok {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithField("panic", r).Error("Transport panicked on stop")
				}
			}()
			s.Stop()
		}()
	}
	c.log.WithField("page", c.cfg.PageURL).Debug("Coordinator torn down")
}

// Domain returns the page hostname events are attributed to.
func (c *Coordinator) Domain() string {
	return c.domain
}

// Stats returns a copy of the outcome counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(Stats, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}
