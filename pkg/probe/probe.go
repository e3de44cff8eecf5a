// Package probe observes page capabilities for fingerprinting and tracking
// patterns. It decorates the capabilities of a Page, accumulates evidence per
// detection method and emits a DetectionSignal through an Emitter whenever a
// method's threshold is crossed. The probe never alters the behaviour of the
// calls it observes and never panics into the page.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// Emitter receives signals; *bridge.Bridge implements it.
type Emitter interface {
	Dispatch(sig *types.DetectionSignal) bool
}

// Config for the probe.
type Config struct {
	Thresholds   detection.Thresholds
	Clock        clock.PassiveClock
	TickInterval time.Duration
}

// Probe owns all evidence accumulators for one page.
type Probe struct {
	log        *logrus.Logger
	emitter    Emitter
	clock      clock.PassiveClock
	tick       time.Duration
	thresholds atomic.Pointer[detection.Thresholds]

	mu      sync.Mutex
	canvas  canvasBurst
	storage storageWindow
	pointer pointerSampler
	form    formWatch
	device  deviceAccess

	emitted atomic.Int64
}

// New creates a probe that reports through emitter.
func New(cfg Config, emitter Emitter, log *logrus.Logger) *Probe {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	p := &Probe{
		log:     log,
		emitter: emitter,
		clock:   cfg.Clock,
		tick:    cfg.TickInterval,
	}
	p.SetThresholds(cfg.Thresholds)
	return p
}

// SetThresholds replaces the accumulation thresholds.
func (p *Probe) SetThresholds(th detection.Thresholds) {
	th = th.WithDefaults()
	p.thresholds.Store(&th)
}

func (p *Probe) th() detection.Thresholds {
	return *p.thresholds.Load()
}

type interceptor struct {
	name    string
	install func(page *Page) error
}

// Instrument returns a copy of page whose capabilities are decorated. Each
// interceptor installs on its own; one that fails is logged and skipped.
// The names of the installed interceptors are returned.
func (p *Probe) Instrument(page Page) (out Page, installed []string) {
	out = page
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("Probe instrumentation aborted")
		}
	}()

	for _, ic := range p.interceptors() {
		if err := p.installOne(ic, &out); err != nil {
			p.log.WithError(err).WithField("interceptor", ic.name).Warn("Failed to install interceptor")
			continue
		}
		installed = append(installed, ic.name)
	}
	p.log.WithField("interceptors", installed).Debug("Probe instrumentation complete")
	return out, installed
}

func (p *Probe) installOne(ic interceptor, page *Page) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ic.install(page)
}

var errAbsent = errors.New("capability not present")

func (p *Probe) interceptors() []interceptor {
	return []interceptor{
		{"canvas", func(pg *Page) error {
			if pg.Canvas == nil {
				return errAbsent
			}
			pg.Canvas = &instrumentedCanvas{Canvas: pg.Canvas, p: p}
			return nil
		}},
		{"localStorage", func(pg *Page) error {
			if pg.LocalStorage == nil {
				return errAbsent
			}
			pg.LocalStorage = &instrumentedStorage{Storage: pg.LocalStorage, area: "localStorage", p: p}
			return nil
		}},
		{"sessionStorage", func(pg *Page) error {
			if pg.SessionStorage == nil {
				return errAbsent
			}
			pg.SessionStorage = &instrumentedStorage{Storage: pg.SessionStorage, area: "sessionStorage", p: p}
			return nil
		}},
		{"navigator", func(pg *Page) error {
			if pg.Navigator == nil {
				return errAbsent
			}
			pg.Navigator = &instrumentedNavigator{Navigator: pg.Navigator, p: p}
			return nil
		}},
		{"geolocation", func(pg *Page) error {
			if pg.Geolocation == nil {
				return errAbsent
			}
			pg.Geolocation = &instrumentedGeolocation{Geolocation: pg.Geolocation, p: p}
			return nil
		}},
		{"clipboard", func(pg *Page) error {
			if pg.Clipboard == nil {
				return errAbsent
			}
			pg.Clipboard = &instrumentedClipboard{Clipboard: pg.Clipboard, p: p}
			return nil
		}},
		{"screen", func(pg *Page) error {
			if pg.Screen == nil {
				return errAbsent
			}
			pg.Screen = &instrumentedScreen{Screen: pg.Screen, p: p}
			return nil
		}},
	}
}

// OnMouseMove is the passive mousemove listener.
func (p *Probe) OnMouseMove() {
	p.safely("pointer", func() *types.DetectionSignal {
		now := p.clock.Now()
		if ev := p.pointer.move(now, p.th()); ev != nil {
			return &types.DetectionSignal{Method: types.MethodPointer, Timestamp: now, Pointer: ev}
		}
		return nil
	})
}

// OnInput is the input listener. Elements other than INPUT and TEXTAREA are
// ignored.
func (p *Probe) OnInput(el Element) {
	p.safely("form", func() *types.DetectionSignal {
		p.form.input(el, p.clock.Now())
		return nil
	})
}

// Tick fires the form debounce and closes an idle pointer window.
func (p *Probe) Tick() {
	p.safely("form", func() *types.DetectionSignal {
		now := p.clock.Now()
		if ev := p.form.flush(now, p.th()); ev != nil {
			return &types.DetectionSignal{Method: types.MethodForm, Timestamp: now, Form: ev}
		}
		return nil
	})
	p.safely("pointer", func() *types.DetectionSignal {
		now := p.clock.Now()
		if ev := p.pointer.sample(now, p.th()); ev != nil {
			return &types.DetectionSignal{Method: types.MethodPointer, Timestamp: now, Pointer: ev}
		}
		return nil
	})
}

// Run calls Tick until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	wait.UntilWithContext(ctx, func(context.Context) { p.Tick() }, p.tick)
}

// Reset discards all accumulated evidence.
func (p *Probe) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canvas = canvasBurst{}
	p.storage = storageWindow{}
	p.pointer = pointerSampler{}
	p.form = formWatch{}
	p.device = deviceAccess{}
}

// Emitted returns the number of signals handed to the emitter.
func (p *Probe) Emitted() int64 {
	return p.emitted.Load()
}

func (p *Probe) recordCanvas(call string) {
	p.safely("canvas", func() *types.DetectionSignal {
		if ev := p.canvas.record(call, p.th()); ev != nil {
			return &types.DetectionSignal{Method: types.MethodCanvas, Timestamp: p.clock.Now(), Canvas: ev}
		}
		return nil
	})
}

func (p *Probe) recordStorage(area, operation, key string) {
	p.safely("storage", func() *types.DetectionSignal {
		now := p.clock.Now()
		if ev := p.storage.record(storageOp(area, operation, key, now), p.th()); ev != nil {
			return &types.DetectionSignal{Method: types.MethodStorage, Timestamp: now, Storage: ev}
		}
		return nil
	})
}

func (p *Probe) recordDevice(api string) {
	p.safely("device", func() *types.DetectionSignal {
		if ev := p.device.record(api, p.th()); ev != nil {
			return &types.DetectionSignal{Method: types.MethodDevice, Timestamp: p.clock.Now(), Device: ev}
		}
		return nil
	})
}

// safely runs an accumulator step under the probe lock and emits its signal
// after the lock is released. Panics are logged and swallowed.
func (p *Probe) safely(method string, step func() *types.DetectionSignal) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{"method": method, "panic": r}).Error("Probe accumulator failed")
		}
	}()

	sig := func() *types.DetectionSignal {
		p.mu.Lock()
		defer p.mu.Unlock()
		return step()
	}()

	if sig == nil {
		return
	}
	p.emitted.Add(1)
	if !p.emitter.Dispatch(sig) {
		p.log.WithField("method", sig.Method).Debug("Signal not accepted by bridge")
	}
}
