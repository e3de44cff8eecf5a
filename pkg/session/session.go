// Package session wires the probe, bridge, coordinator and transport for
// one page.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/config"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/coordinator"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/bridge"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/probe"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/transport"
)

// Config for a page session
type Config struct {
	PageURL          string
	Thresholds       detection.Thresholds
	Clock            clock.PassiveClock
	BridgeBufferSize int
	TickInterval     time.Duration
	ThrottleWindow   time.Duration
	DedupWindow      time.Duration
	Transport        transport.Config

	// Manual leaves ticking and bridge consumption to the caller (Tick and
	// Pump), for deterministic replays.
	Manual bool
}

// FromSensorConfig builds a session config for pageURL.
func FromSensorConfig(cfg config.SensorConfig, pageURL string, th detection.Thresholds) Config {
	return Config{
		PageURL:          pageURL,
		Thresholds:       th,
		BridgeBufferSize: cfg.BridgeBufferSize,
		TickInterval:     cfg.TickInterval,
		ThrottleWindow:   cfg.ThrottleWindow,
		DedupWindow:      cfg.DedupWindow,
		Transport: transport.Config{
			QueueCapacity:  cfg.QueueCapacity,
			SendTimeout:    cfg.SendTimeout,
			HealthInterval: cfg.HealthInterval,
		},
	}
}

// Stats is a snapshot across the pipeline.
type Stats struct {
	Installed  []string
	Emitted    int64
	Dispatched int64
	Dropped    int64
	Outcomes   coordinator.Stats
	Transport  transport.Stats
}

// Session orchestrates the components observing one page
type Session struct {
	cfg Config
	log *logrus.Logger

	engine      *detection.Engine
	bridge      *bridge.Bridge
	probe       *probe.Probe
	coordinator *coordinator.Coordinator
	transport   *transport.Transport

	page      probe.Page
	installed []string

	wg       sync.WaitGroup
	mu       sync.Mutex
	cancel   context.CancelFunc
	shutdown bool
}

// New builds a session over rt and instruments page.
func New(cfg Config, rt transport.Runtime, page probe.Page, log *logrus.Logger) (*Session, error) {
	if cfg.PageURL == "" {
		return nil, fmt.Errorf("page url is required")
	}
	if rt == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	th := cfg.Thresholds.WithDefaults()
	if err := th.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}

	s := &Session{cfg: cfg, log: log}
	s.engine = detection.NewEngine(th)
	s.bridge = bridge.New(cfg.BridgeBufferSize, log)
	s.probe = probe.New(probe.Config{
		Thresholds:   th,
		Clock:        cfg.Clock,
		TickInterval: cfg.TickInterval,
	}, s.bridge, log)
	s.transport = transport.New(cfg.Transport, rt, log)
	s.coordinator = coordinator.New(coordinator.Config{
		PageURL:        cfg.PageURL,
		ThrottleWindow: cfg.ThrottleWindow,
		DedupWindow:    cfg.DedupWindow,
		Clock:          cfg.Clock,
	}, s.engine, s.transport, log)

	s.page, s.installed = s.probe.Instrument(page)
	s.log.WithFields(logrus.Fields{
		"page":         cfg.PageURL,
		"interceptors": s.installed,
	}).Info("Page session created")
	return s, nil
}

// Page returns the instrumented page; the page's scripts call into it.
func (s *Session) Page() probe.Page {
	return s.page
}

// Probe returns the page's probe, for event listeners and threshold updates.
func (s *Session) Probe() *probe.Probe {
	return s.probe
}

// SetThresholds updates both the probe and the classification engine.
// Invalid thresholds are logged and ignored.
func (s *Session) SetThresholds(th detection.Thresholds) {
	th = th.WithDefaults()
	if err := th.Validate(); err != nil {
		s.log.WithError(err).WithField("page", s.cfg.PageURL).Warn("Ignoring invalid detection thresholds")
		return
	}
	s.engine.SetThresholds(th)
	s.probe.SetThresholds(th)
}

// Start runs the session's loops and blocks until ctx is done or the
// session is shut down.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("session already shut down")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.WithField("page", s.cfg.PageURL).Info("Starting page session")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.transport.Start(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Error("Transport error")
		}
	}()

	if !s.cfg.Manual {
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.coordinator.Run(ctx, s.bridge.Events())
		}()
		go func() {
			defer s.wg.Done()
			s.probe.Run(ctx)
		}()
	}

	<-ctx.Done()
	return nil
}

// Tick advances the probe's timers once.
func (s *Session) Tick() {
	s.probe.Tick()
}

// Pump hands every buffered bridge payload to the coordinator and returns
// how many were handled. Only meaningful in manual mode.
func (s *Session) Pump() int {
	n := 0
	for {
		select {
		case data, ok := <-s.bridge.Events():
			if !ok {
				return n
			}
			s.coordinator.HandleDetail(data)
			n++
		default:
			return n
		}
	}
}

// Idle reports whether every emitted signal has been handled and no
// delivery is in progress. Events waiting for a lost context count as
// settled.
func (s *Session) Idle() bool {
	st := s.Stats()
	var handled int64
	for _, n := range st.Outcomes {
		handled += n
	}
	if handled < st.Dispatched || st.Transport.InFlight > 0 || st.Transport.Draining {
		return false
	}
	if st.Transport.State == transport.StateReconnecting {
		return false
	}
	return st.Transport.State != transport.StateHealthy || st.Transport.Queued == 0
}

// Stats returns session statistics
func (s *Session) Stats() Stats {
	dispatched, dropped := s.bridge.Stats()
	return Stats{
		Installed:  append([]string(nil), s.installed...),
		Emitted:    s.probe.Emitted(),
		Dispatched: dispatched,
		Dropped:    dropped,
		Outcomes:   s.coordinator.Stats(),
		Transport:  s.transport.Stats(),
	}
}

// Shutdown tears the page down: the bridge stops accepting signals, the
// coordinator and transport abandon pending work and the loops exit.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel := s.cancel
	s.mu.Unlock()

	s.log.WithField("page", s.cfg.PageURL).Info("Shutting down page session")

	s.bridge.Close()
	s.coordinator.Teardown()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Debug("Page session stopped")
	case <-ctx.Done():
		s.log.Warn("Shutdown timeout, some session loops may not have stopped cleanly")
		return ctx.Err()
	}
	return nil
}
