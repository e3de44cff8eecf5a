// Package types defines the values that flow through the sensor pipeline:
// probe signals, classifier verdicts, tracking events and the messages
// exchanged with the Event Store.
package types

import (
	"fmt"
	"time"
)

// Method identifies a tracking technique the probe watches for.
type Method string

const (
	MethodCanvas  Method = "canvas-fingerprint"
	MethodStorage Method = "storage-access"
	MethodPointer Method = "mouse-tracking"
	MethodForm    Method = "form-monitoring"
	MethodDevice  Method = "device-api"
)

// Methods lists every detection method in a stable order.
var Methods = []Method{MethodCanvas, MethodStorage, MethodPointer, MethodForm, MethodDevice}

// ParseMethod validates a method name received over the bridge.
func ParseMethod(s string) (Method, error) {
	for _, m := range Methods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown detection method %q", s)
}

// DetectionSignal is raw evidence emitted by the probe once a method's
// accumulation bar is crossed. Only the payload matching Method is set.
type DetectionSignal struct {
	Method    Method
	Timestamp time.Time

	Canvas  *CanvasEvidence
	Storage *StorageEvidence
	Pointer *PointerEvidence
	Form    *FormEvidence
	Device  *DeviceEvidence
}

// CanvasEvidence is the ordered list of intercepted canvas calls.
type CanvasEvidence struct {
	Calls []string `json:"calls"`
}

// StorageOperation is one intercepted Web Storage call.
type StorageOperation struct {
	Operation string    `json:"operation"`
	Key       string    `json:"key"`
	Area      string    `json:"area"`
	Timestamp time.Time `json:"timestamp"`
}

// StorageEvidence carries the tail of the rolling storage window.
type StorageEvidence struct {
	Operations []StorageOperation `json:"operations"`
	Count      int                `json:"count"`
	UniqueKeys int                `json:"uniqueKeys"`
}

// PointerEvidence is one pointer sampling window.
type PointerEvidence struct {
	EventsPerSecond float64       `json:"eventsPerSecond"`
	Count           int           `json:"count"`
	SampleWindow    time.Duration `json:"sampleWindow"`
}

// FormField describes a monitored input element.
type FormField struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Label returns the name, falling back to the element id.
func (f FormField) Label() string {
	if f.Name != "" {
		return f.Name
	}
	return f.ID
}

// IsPassword reports whether the field is a password input.
func (f FormField) IsPassword() bool {
	return f.Type == "password"
}

// FormEvidence lists the fields touched during one debounce period.
type FormEvidence struct {
	Fields []FormField `json:"fields"`
}

// DeviceEvidence lists qualified device API names in access order.
type DeviceEvidence struct {
	APIs []string `json:"apis"`
}
