package probe

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// deviceAccess accumulates qualified device API names.
type deviceAccess struct {
	apis     []string
	distinct sets.Set[string]
}

func (d *deviceAccess) record(api string, th detection.Thresholds) *types.DeviceEvidence {
	if d.distinct == nil {
		d.distinct = sets.New[string]()
	}
	d.apis = append(d.apis, api)
	d.distinct.Insert(api)
	if d.distinct.Len() < th.DeviceAccesses {
		return nil
	}
	ev := &types.DeviceEvidence{APIs: d.apis}
	d.apis = nil
	d.distinct = nil
	return ev
}

type instrumentedNavigator struct {
	Navigator
	p *Probe
}

func (n *instrumentedNavigator) GetBattery() (BatteryStatus, error) {
	n.p.recordDevice("navigator.getBattery")
	return n.Navigator.GetBattery()
}

func (n *instrumentedNavigator) HardwareConcurrency() int {
	n.p.recordDevice("navigator.hardwareConcurrency")
	return n.Navigator.HardwareConcurrency()
}

func (n *instrumentedNavigator) DeviceMemory() float64 {
	n.p.recordDevice("navigator.deviceMemory")
	return n.Navigator.DeviceMemory()
}

func (n *instrumentedNavigator) Platform() string {
	n.p.recordDevice("navigator.platform")
	return n.Navigator.Platform()
}

func (n *instrumentedNavigator) UserAgent() string {
	n.p.recordDevice("navigator.userAgent")
	return n.Navigator.UserAgent()
}

type instrumentedGeolocation struct {
	Geolocation
	p *Probe
}

func (g *instrumentedGeolocation) GetCurrentPosition() (Position, error) {
	g.p.recordDevice("geolocation.getCurrentPosition")
	return g.Geolocation.GetCurrentPosition()
}

func (g *instrumentedGeolocation) WatchPosition(onChange func(Position)) int {
	g.p.recordDevice("geolocation.watchPosition")
	return g.Geolocation.WatchPosition(onChange)
}

type instrumentedClipboard struct {
	Clipboard
	p *Probe
}

func (c *instrumentedClipboard) ReadText() (string, error) {
	c.p.recordDevice("clipboard.readText")
	return c.Clipboard.ReadText()
}

func (c *instrumentedClipboard) Read() ([]byte, error) {
	c.p.recordDevice("clipboard.read")
	return c.Clipboard.Read()
}

type instrumentedScreen struct {
	Screen
	p *Probe
}

func (s *instrumentedScreen) Width() int {
	s.p.recordDevice("screen.width")
	return s.Screen.Width()
}

func (s *instrumentedScreen) Height() int {
	s.p.recordDevice("screen.height")
	return s.Screen.Height()
}

func (s *instrumentedScreen) ColorDepth() int {
	s.p.recordDevice("screen.colorDepth")
	return s.Screen.ColorDepth()
}

func (s *instrumentedScreen) PixelDepth() int {
	s.p.recordDevice("screen.pixelDepth")
	return s.Screen.PixelDepth()
}

func (s *instrumentedScreen) AvailWidth() int {
	s.p.recordDevice("screen.availWidth")
	return s.Screen.AvailWidth()
}

func (s *instrumentedScreen) AvailHeight() int {
	s.p.recordDevice("screen.availHeight")
	return s.Screen.AvailHeight()
}
