package bridge

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// detail is the CustomEvent detail object: {type, timestamp, ...fields}.
// Timestamps are epoch milliseconds as produced by Date.now().
type detail struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`

	Calls      []string          `json:"calls,omitempty"`
	Operations []storageOp       `json:"operations,omitempty"`
	Count      int               `json:"count,omitempty"`
	UniqueKeys int               `json:"uniqueKeys,omitempty"`
	Rate       float64           `json:"rate,omitempty"`
	SampleMs   int64             `json:"sampleMs,omitempty"`
	Fields     []types.FormField `json:"fields,omitempty"`
	APIs       []string          `json:"apis,omitempty"`
}

type storageOp struct {
	Operation string `json:"operation"`
	Key       string `json:"key"`
	Area      string `json:"area"`
	Timestamp int64  `json:"timestamp"`
}

// Encode serialises a signal into a detail payload.
func Encode(sig *types.DetectionSignal) ([]byte, error) {
	if sig == nil {
		return nil, fmt.Errorf("nil signal")
	}
	d := detail{Type: string(sig.Method), Timestamp: sig.Timestamp.UnixMilli()}
	switch sig.Method {
	case types.MethodCanvas:
		if sig.Canvas != nil {
			d.Calls = sig.Canvas.Calls
		}
	case types.MethodStorage:
		if sig.Storage != nil {
			for _, op := range sig.Storage.Operations {
				d.Operations = append(d.Operations, storageOp{
					Operation: op.Operation,
					Key:       op.Key,
					Area:      op.Area,
					Timestamp: op.Timestamp.UnixMilli(),
				})
			}
			d.Count = sig.Storage.Count
			d.UniqueKeys = sig.Storage.UniqueKeys
		}
	case types.MethodPointer:
		if sig.Pointer != nil {
			d.Rate = sig.Pointer.EventsPerSecond
			d.Count = sig.Pointer.Count
			d.SampleMs = sig.Pointer.SampleWindow.Milliseconds()
		}
	case types.MethodForm:
		if sig.Form != nil {
			d.Fields = sig.Form.Fields
		}
	case types.MethodDevice:
		if sig.Device != nil {
			d.APIs = sig.Device.APIs
		}
	default:
		return nil, fmt.Errorf("unknown detection method %q", sig.Method)
	}
	return json.Marshal(d)
}

// Decode parses a detail payload. The returned signal owns its slices.
func Decode(data []byte) (*types.DetectionSignal, error) {
	var d detail
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode signal detail: %w", err)
	}
	method, err := types.ParseMethod(d.Type)
	if err != nil {
		return nil, err
	}
	sig := &types.DetectionSignal{Method: method, Timestamp: time.UnixMilli(d.Timestamp)}
	switch method {
	case types.MethodCanvas:
		sig.Canvas = &types.CanvasEvidence{Calls: d.Calls}
	case types.MethodStorage:
		ev := &types.StorageEvidence{Count: d.Count, UniqueKeys: d.UniqueKeys}
		for _, op := range d.Operations {
			ev.Operations = append(ev.Operations, types.StorageOperation{
				Operation: op.Operation,
				Key:       op.Key,
				Area:      op.Area,
				Timestamp: time.UnixMilli(op.Timestamp),
			})
		}
		sig.Storage = ev
	case types.MethodPointer:
		sig.Pointer = &types.PointerEvidence{
			EventsPerSecond: d.Rate,
			Count:           d.Count,
			SampleWindow:    time.Duration(d.SampleMs) * time.Millisecond,
		}
	case types.MethodForm:
		sig.Form = &types.FormEvidence{Fields: d.Fields}
	case types.MethodDevice:
		sig.Device = &types.DeviceEvidence{APIs: d.APIs}
	}
	return sig, nil
}
