package replay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/probe"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/session"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/transport"
)

// Config for a Player.
type Config struct {
	// Session is the base session config. PageURL is used when the trace
	// names no page. Clock and Manual are overridden.
	Session session.Config

	// Settle is simulated time played after the last step so debounced
	// and windowed evidence is flushed.
	Settle time.Duration

	// IdleTimeout bounds the real time spent waiting for deliveries.
	IdleTimeout time.Duration

	// Epoch is the simulated page load time; defaults to now.
	Epoch time.Time

	// OnSession is called with the session before the trace plays.
	OnSession func(*session.Session)
}

// Result summarises one replay.
type Result struct {
	Page        string           `json:"page"`
	Steps       int              `json:"steps"`
	SimulatedMs int64            `json:"simulatedMs"`
	Emitted     int64            `json:"emitted"`
	Dispatched  int64            `json:"dispatched"`
	Dropped     int64            `json:"dropped"`
	Outcomes    map[string]int64 `json:"outcomes"`
	Transport   TransportResult  `json:"transport"`
	Settled     bool             `json:"settled"`
}

// TransportResult is the transport's state at the end of a replay.
type TransportResult struct {
	State     string `json:"state"`
	ContextID string `json:"contextId,omitempty"`
	Queued    int    `json:"queued"`
	Delivered int64  `json:"delivered"`
	Dropped   int64  `json:"dropped"`
	Requeued  int64  `json:"requeued"`
	Evicted   int64  `json:"evicted"`
}

// Player replays traces against in-memory page capabilities.
type Player struct {
	cfg Config
	rt  transport.Runtime
	log *logrus.Logger
}

// New creates a player reporting through rt.
func New(cfg Config, rt transport.Runtime, log *logrus.Logger) *Player {
	if cfg.Settle == 0 {
		cfg.Settle = 5 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	if cfg.Session.TickInterval == 0 {
		cfg.Session.TickInterval = 250 * time.Millisecond
	}
	return &Player{cfg: cfg, rt: rt, log: log}
}

// run holds the state of one replay.
type run struct {
	sess     *session.Session
	clk      *testingclock.FakePassiveClock
	epoch    time.Time
	tick     time.Duration
	nextTick time.Time
}

// advanceTo moves the clock to at, ticking the probe at every tick boundary
// on the way.
func (r *run) advanceTo(at time.Time) {
	for !r.nextTick.After(at) {
		r.clk.SetTime(r.nextTick)
		r.sess.Tick()
		r.sess.Pump()
		r.nextTick = r.nextTick.Add(r.tick)
	}
	if at.After(r.clk.Now()) {
		r.clk.SetTime(at)
	}
}

// Play replays tr and returns once every delivery has settled.
func (p *Player) Play(ctx context.Context, tr *Trace) (*Result, error) {
	scfg := p.cfg.Session
	if tr.Page != "" {
		scfg.PageURL = tr.Page
	}
	epoch := p.cfg.Epoch
	if epoch.IsZero() {
		epoch = time.Now().Truncate(time.Millisecond)
	}
	clk := testingclock.NewFakePassiveClock(epoch)
	scfg.Clock = clk
	scfg.Manual = true

	sess, err := session.New(scfg, p.rt, probe.NewMemoryPage(), p.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if p.cfg.OnSession != nil {
		p.cfg.OnSession(sess)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := sess.Start(runCtx); err != nil {
			p.log.WithError(err).Debug("Session loop exited")
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := sess.Shutdown(shutdownCtx); err != nil {
			p.log.WithError(err).Warn("Replay session did not shut down cleanly")
		}
	}()

	r := &run{
		sess:     sess,
		clk:      clk,
		epoch:    epoch,
		tick:     scfg.TickInterval,
		nextTick: epoch.Add(scfg.TickInterval),
	}

	p.log.WithFields(logrus.Fields{
		"page":  scfg.PageURL,
		"steps": len(tr.Steps),
	}).Info("Replaying trace")

	for i, step := range tr.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.apply(step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
		sess.Pump()
	}
	end := epoch.Add(tr.Duration() + p.cfg.Settle)
	r.advanceTo(end)

	settled := true
	err = wait.PollUntilContextTimeout(ctx, 5*time.Millisecond, p.cfg.IdleTimeout, true, func(context.Context) (bool, error) {
		sess.Pump()
		return sess.Idle(), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		settled = false
		p.log.WithError(err).Warn("Deliveries did not settle before the idle timeout")
	}

	res := result(scfg.PageURL, tr, end.Sub(epoch), sess.Stats())
	res.Settled = settled
	p.log.WithFields(logrus.Fields{
		"page":      res.Page,
		"reported":  res.Outcomes["reported"],
		"delivered": res.Transport.Delivered,
		"queued":    res.Transport.Queued,
	}).Info("Replay complete")
	return res, nil
}

func result(page string, tr *Trace, simulated time.Duration, st session.Stats) *Result {
	res := &Result{
		Page:        page,
		Steps:       len(tr.Steps),
		SimulatedMs: simulated.Milliseconds(),
		Emitted:     st.Emitted,
		Dispatched:  st.Dispatched,
		Dropped:     st.Dropped,
		Outcomes:    make(map[string]int64, len(st.Outcomes)),
		Transport: TransportResult{
			State:     st.Transport.State.String(),
			ContextID: st.Transport.ContextID,
			Queued:    st.Transport.Queued,
			Delivered: st.Transport.Delivered,
			Dropped:   st.Transport.Dropped,
			Requeued:  st.Transport.Requeued,
			Evicted:   st.Transport.Evicted,
		},
	}
	for o, n := range st.Outcomes {
		res.Outcomes[o.String()] = n
	}
	return res
}

// apply performs step on the instrumented page. Pointer moves are spread
// evenly over SpanMs; every other op is repeated Count times at T.
func (r *run) apply(step Step) error {
	at := r.epoch.Add(step.At())
	n := step.repeat()

	if step.Op == "pointer.move" {
		span := time.Duration(step.SpanMs) * time.Millisecond
		for i := 0; i < n; i++ {
			r.advanceTo(at.Add(span * time.Duration(i) / time.Duration(n)))
			r.sess.Probe().OnMouseMove()
		}
		return nil
	}

	r.advanceTo(at)
	for i := 0; i < n; i++ {
		if err := r.call(step); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) call(step Step) error {
	page := r.sess.Page()
	area, op, _ := strings.Cut(step.Op, ".")

	switch area {
	case "tick":
		return nil
	case "form":
		r.sess.Probe().OnInput(step.Element.toProbe())
		return nil
	case "canvas":
		return callCanvas(page.Canvas, op, step.Arg)
	case "localStorage":
		return callStorage(page.LocalStorage, op, step)
	case "sessionStorage":
		return callStorage(page.SessionStorage, op, step)
	case "navigator":
		return callNavigator(page.Navigator, op)
	case "geolocation":
		switch op {
		case "getCurrentPosition":
			_, err := page.Geolocation.GetCurrentPosition()
			return err
		case "watchPosition":
			page.Geolocation.WatchPosition(func(probe.Position) {})
			return nil
		}
	case "clipboard":
		switch op {
		case "readText":
			_, err := page.Clipboard.ReadText()
			return err
		case "read":
			_, err := page.Clipboard.Read()
			return err
		}
	case "screen":
		return callScreen(page.Screen, op)
	}
	return fmt.Errorf("unsupported op %q", step.Op)
}

func callCanvas(c probe.Canvas, op, arg string) error {
	switch op {
	case "getContext":
		if arg == "" {
			arg = "2d"
		}
		c.GetContext(arg)
	case "toDataURL":
		if arg == "" {
			arg = "image/png"
		}
		c.ToDataURL(arg)
	case "getImageData":
		c.GetImageData(0, 0, 16, 16)
	case "fillText":
		c.FillText(arg, 2, 15)
	case "measureText":
		c.MeasureText(arg)
	default:
		return fmt.Errorf("unsupported canvas call %q", op)
	}
	return nil
}

func callStorage(s probe.Storage, op string, step Step) error {
	switch op {
	case "getItem":
		s.GetItem(step.Key)
	case "setItem":
		return s.SetItem(step.Key, step.Value)
	case "removeItem":
		s.RemoveItem(step.Key)
	default:
		return fmt.Errorf("unsupported storage call %q", op)
	}
	return nil
}

func callNavigator(n probe.Navigator, op string) error {
	switch op {
	case "getBattery":
		_, err := n.GetBattery()
		return err
	case "hardwareConcurrency":
		n.HardwareConcurrency()
	case "deviceMemory":
		n.DeviceMemory()
	case "platform":
		n.Platform()
	case "userAgent":
		n.UserAgent()
	default:
		return fmt.Errorf("unsupported navigator call %q", op)
	}
	return nil
}

func callScreen(s probe.Screen, op string) error {
	switch op {
	case "width":
		s.Width()
	case "height":
		s.Height()
	case "colorDepth":
		s.ColorDepth()
	case "pixelDepth":
		s.PixelDepth()
	case "availWidth":
		s.AvailWidth()
	case "availHeight":
		s.AvailHeight()
	default:
		return fmt.Errorf("unsupported screen call %q", op)
	}
	return nil
}
