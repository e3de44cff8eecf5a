package detection

import (
	"fmt"
	"time"
)

// Thresholds are the tunable bars shared by the probe (when to emit) and the
// analyzers (when to report). The defaults are heuristics, not calibrated
// false-positive targets.
type Thresholds struct {
	CanvasCalls    int           `yaml:"canvasCalls"`
	StorageOps     int           `yaml:"storageOps"`
	StorageWindow  time.Duration `yaml:"storageWindow"`
	StorageTail    int           `yaml:"storageTail"`
	PointerRate    float64       `yaml:"pointerEventsPerSecond"`
	PointerSample  time.Duration `yaml:"pointerSample"`
	FormFields     int           `yaml:"formFields"`
	FormDebounce   time.Duration `yaml:"formDebounce"`
	DeviceAccesses int           `yaml:"deviceAccesses"`
	EvidenceLimit  int           `yaml:"evidenceLimit"`
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CanvasCalls:    3,
		StorageOps:     10,
		StorageWindow:  60 * time.Second,
		StorageTail:    20,
		PointerRate:    50,
		PointerSample:  2 * time.Second,
		FormFields:     1,
		FormDebounce:   time.Second,
		DeviceAccesses: 3,
		EvidenceLimit:  10,
	}
}

// WithDefaults fills zero fields from DefaultThresholds.
func (t Thresholds) WithDefaults() Thresholds {
	d := DefaultThresholds()
	if t.CanvasCalls == 0 {
		t.CanvasCalls = d.CanvasCalls
	}
	if t.StorageOps == 0 {
		t.StorageOps = d.StorageOps
	}
	if t.StorageWindow == 0 {
		t.StorageWindow = d.StorageWindow
	}
	if t.StorageTail == 0 {
		t.StorageTail = d.StorageTail
	}
	if t.PointerRate == 0 {
		t.PointerRate = d.PointerRate
	}
	if t.PointerSample == 0 {
		t.PointerSample = d.PointerSample
	}
	if t.FormFields == 0 {
		t.FormFields = d.FormFields
	}
	if t.FormDebounce == 0 {
		t.FormDebounce = d.FormDebounce
	}
	if t.DeviceAccesses == 0 {
		t.DeviceAccesses = d.DeviceAccesses
	}
	if t.EvidenceLimit == 0 {
		t.EvidenceLimit = d.EvidenceLimit
	}
	return t
}

// Validate rejects negative or otherwise unusable values.
func (t Thresholds) Validate() error {
	switch {
	case t.CanvasCalls < 1:
		return fmt.Errorf("canvasCalls must be >= 1, got %d", t.CanvasCalls)
	case t.StorageOps < 1:
		return fmt.Errorf("storageOps must be >= 1, got %d", t.StorageOps)
	case t.StorageWindow <= 0:
		return fmt.Errorf("storageWindow must be positive, got %s", t.StorageWindow)
	case t.StorageTail < 1:
		return fmt.Errorf("storageTail must be >= 1, got %d", t.StorageTail)
	case t.PointerRate <= 0:
		return fmt.Errorf("pointerEventsPerSecond must be positive, got %v", t.PointerRate)
	case t.PointerSample <= 0:
		return fmt.Errorf("pointerSample must be positive, got %s", t.PointerSample)
	case t.FormFields < 1:
		return fmt.Errorf("formFields must be >= 1, got %d", t.FormFields)
	case t.FormDebounce <= 0:
		return fmt.Errorf("formDebounce must be positive, got %s", t.FormDebounce)
	case t.DeviceAccesses < 1:
		return fmt.Errorf("deviceAccesses must be >= 1, got %d", t.DeviceAccesses)
	case t.EvidenceLimit < 1:
		return fmt.Errorf("evidenceLimit must be >= 1, got %d", t.EvidenceLimit)
	}
	return nil
}
