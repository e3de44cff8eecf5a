package probe

// The interfaces below are the page capabilities the probe decorates. A
// decorated capability records the call and then delegates, returning the
// original result unchanged.

// Canvas is the subset of HTMLCanvasElement / CanvasRenderingContext2D the
// probe watches.
type Canvas interface {
	GetContext(contextType string) interface{}
	ToDataURL(mimeType string) string
	GetImageData(x, y, width, height int) []byte
	FillText(text string, x, y float64)
	MeasureText(text string) float64
}

// Storage is a Web Storage area.
type Storage interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string) error
	RemoveItem(key string)
}

// BatteryStatus is the result of navigator.getBattery().
type BatteryStatus struct {
	Level    float64
	Charging bool
}

// Navigator exposes hardware and identity members of window.navigator.
type Navigator interface {
	GetBattery() (BatteryStatus, error)
	HardwareConcurrency() int
	DeviceMemory() float64
	Platform() string
	UserAgent() string
}

// Position is a geolocation fix.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// Geolocation is navigator.geolocation.
type Geolocation interface {
	GetCurrentPosition() (Position, error)
	WatchPosition(onChange func(Position)) int
}

// Clipboard is navigator.clipboard.
type Clipboard interface {
	ReadText() (string, error)
	Read() ([]byte, error)
}

// Screen is window.screen.
type Screen interface {
	Width() int
	Height() int
	ColorDepth() int
	PixelDepth() int
	AvailWidth() int
	AvailHeight() int
}

// Page groups the capabilities of one document. Nil members are treated as
// absent and their interceptors fail to install.
type Page struct {
	Canvas         Canvas
	LocalStorage   Storage
	SessionStorage Storage
	Navigator      Navigator
	Geolocation    Geolocation
	Clipboard      Clipboard
	Screen         Screen
}

// Element is the target of an input event.
type Element struct {
	TagName string
	Type    string
	Name    string
	ID      string
}
