// Package detection provides the classification engine that turns probe
// signals into risk verdicts.
package detection

import (
	"sync/atomic"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// Analyzer classifies the evidence of one detection method.
type Analyzer struct {
	Method  types.Method
	Name    string
	Analyze func(sig *types.DetectionSignal, th Thresholds) types.Verdict
}

// Engine dispatches signals to their analyzer. It holds no per-signal state;
// thresholds may be swapped at runtime.
type Engine struct {
	analyzers  map[types.Method]*Analyzer
	thresholds atomic.Pointer[Thresholds]
}

// NewEngine creates an engine with the default analyzer set.
func NewEngine(th Thresholds) *Engine {
	e := &Engine{analyzers: make(map[types.Method]*Analyzer)}
	for _, a := range defaultAnalyzers() {
		e.analyzers[a.Method] = a
	}
	e.SetThresholds(th)
	return e
}

// SetThresholds replaces the thresholds used by subsequent Classify calls.
func (e *Engine) SetThresholds(th Thresholds) {
	th = th.WithDefaults()
	e.thresholds.Store(&th)
}

// Thresholds returns the active thresholds.
func (e *Engine) Thresholds() Thresholds {
	return *e.thresholds.Load()
}

// Analyzer returns the analyzer registered for method.
func (e *Engine) Analyzer(method types.Method) (*Analyzer, bool) {
	a, ok := e.analyzers[method]
	return a, ok
}

// Classify runs the analyzer for sig.Method. Unknown methods and malformed
// evidence yield a non-detection verdict.
func (e *Engine) Classify(sig *types.DetectionSignal) types.Verdict {
	if sig == nil {
		return types.Verdict{}
	}
	a, ok := e.analyzers[sig.Method]
	if !ok {
		return types.Verdict{Method: sig.Method}
	}
	return a.Analyze(sig, e.Thresholds())
}

func defaultAnalyzers() []*Analyzer {
	return []*Analyzer{
		{
			Method: types.MethodCanvas,
			Name:   "Canvas Fingerprinting",
			Analyze: func(sig *types.DetectionSignal, th Thresholds) types.Verdict {
				return AnalyzeCanvas(sig.Canvas, th)
			},
		},
		{
			Method: types.MethodStorage,
			Name:   "Storage Access",
			Analyze: func(sig *types.DetectionSignal, th Thresholds) types.Verdict {
				return AnalyzeStorage(sig.Storage, sig.Timestamp, th)
			},
		},
		{
			Method: types.MethodPointer,
			Name:   "Mouse Tracking",
			Analyze: func(sig *types.DetectionSignal, th Thresholds) types.Verdict {
				return AnalyzePointer(sig.Pointer, th)
			},
		},
		{
			Method: types.MethodForm,
			Name:   "Form Monitoring",
			Analyze: func(sig *types.DetectionSignal, th Thresholds) types.Verdict {
				return AnalyzeForm(sig.Form, th)
			},
		},
		{
			Method: types.MethodDevice,
			Name:   "Device API Probing",
			Analyze: func(sig *types.DetectionSignal, th Thresholds) types.Verdict {
				return AnalyzeDevice(sig.Device, th)
			},
		},
	}
}
