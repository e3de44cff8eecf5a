package probe

import (
	"errors"
	"sync"
)

// In-process capability implementations, used for trace replay and tests.

// MemoryStorage is a map-backed Storage.
type MemoryStorage struct {
	mu    sync.Mutex
	items map[string]string
}

// NewMemoryStorage returns an empty storage area.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (s *MemoryStorage) GetItem(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *MemoryStorage) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *MemoryStorage) RemoveItem(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// Len returns the number of stored keys.
func (s *MemoryStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// StaticCanvas returns fixed values for every canvas call.
type StaticCanvas struct {
	DataURL string
}

func (c *StaticCanvas) GetContext(contextType string) interface{} { return contextType }

func (c *StaticCanvas) ToDataURL(mimeType string) string {
	if c.DataURL != "" {
		return c.DataURL
	}
	return "data:" + mimeType + ";base64,"
}

func (c *StaticCanvas) GetImageData(x, y, width, height int) []byte {
	if width <= 0 || height <= 0 {
		return nil
	}
	return make([]byte, width*height*4)
}

func (c *StaticCanvas) FillText(text string, x, y float64) {}

func (c *StaticCanvas) MeasureText(text string) float64 { return float64(len(text)) * 7.5 }

// ErrPermissionDenied mirrors a rejected permission prompt.
var ErrPermissionDenied = errors.New("permission denied")

// StaticDevice implements Navigator, Geolocation, Clipboard and Screen with
// fixed values.
type StaticDevice struct {
	Battery       BatteryStatus
	Cores         int
	MemoryGB      float64
	PlatformName  string
	Agent         string
	Location      *Position
	ClipboardText string
	ScreenWidth   int
	ScreenHeight  int
	Depth         int
}

func (d *StaticDevice) GetBattery() (BatteryStatus, error) { return d.Battery, nil }
func (d *StaticDevice) HardwareConcurrency() int           { return d.Cores }
func (d *StaticDevice) DeviceMemory() float64              { return d.MemoryGB }
func (d *StaticDevice) Platform() string                   { return d.PlatformName }
func (d *StaticDevice) UserAgent() string                  { return d.Agent }

func (d *StaticDevice) GetCurrentPosition() (Position, error) {
	if d.Location == nil {
		return Position{}, ErrPermissionDenied
	}
	return *d.Location, nil
}

func (d *StaticDevice) WatchPosition(onChange func(Position)) int {
	if d.Location != nil && onChange != nil {
		onChange(*d.Location)
	}
	return 1
}

func (d *StaticDevice) ReadText() (string, error) { return d.ClipboardText, nil }
func (d *StaticDevice) Read() ([]byte, error)     { return []byte(d.ClipboardText), nil }

func (d *StaticDevice) Width() int       { return d.ScreenWidth }
func (d *StaticDevice) Height() int      { return d.ScreenHeight }
func (d *StaticDevice) ColorDepth() int  { return d.Depth }
func (d *StaticDevice) PixelDepth() int  { return d.Depth }
func (d *StaticDevice) AvailWidth() int  { return d.ScreenWidth }
func (d *StaticDevice) AvailHeight() int { return d.ScreenHeight - 40 }

// NewMemoryPage returns a Page with every capability present.
func NewMemoryPage() Page {
	dev := &StaticDevice{
		Battery:      BatteryStatus{Level: 0.8, Charging: true},
		Cores:        8,
		MemoryGB:     8,
		PlatformName: "Linux x86_64",
		Agent:        "Mozilla/5.0 (X11; Linux x86_64)",
		ScreenWidth:  1920,
		ScreenHeight: 1080,
		Depth:        24,
	}
	return Page{
		Canvas:         &StaticCanvas{},
		LocalStorage:   NewMemoryStorage(),
		SessionStorage: NewMemoryStorage(),
		Navigator:      dev,
		Geolocation:    dev,
		Clipboard:      dev,
		Screen:         dev,
	}
}
