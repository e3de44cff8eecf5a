package detection

import (
	"fmt"
	"math"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// Canvas calls that count towards a fingerprinting burst.
var canvasWhitelist = sets.New[string](
	"getContext(2d)",
	"toDataURL",
	"getImageData",
	"fillText",
	"measureText",
)

const (
	descCanvas      = "Canvas fingerprinting: text rendering combined with pixel read-back"
	descCanvasNone  = "No canvas fingerprinting pattern"
	descStorage     = "Excessive storage access: %d operations on %d unique keys within %s"
	descStorageNone = "Storage access within normal limits"
	descPointer     = "High-frequency mouse movement tracking"
	descPointerNone = "Mouse movement sampling within normal limits"
	descForm        = "Form input monitoring"
	descFormPass    = "Password field monitoring (possible credential capture)"
	descFormNone    = "No form monitoring"
	descDevice      = "Device and hardware API probing"
	descDeviceNone  = "Device API access within normal limits"
)

// AnalyzeCanvas reports a burst of whitelisted canvas calls.
func AnalyzeCanvas(ev *types.CanvasEvidence, th Thresholds) types.Verdict {
	v := types.Verdict{Method: types.MethodCanvas, Description: descCanvasNone}
	if ev == nil {
		return v
	}
	var calls []string
	for _, c := range ev.Calls {
		if canvasWhitelist.Has(c) {
			calls = append(calls, c)
		}
	}
	v.Frequency = len(calls)
	if len(calls) < th.CanvasCalls {
		return v
	}
	v.Detected = true
	v.RiskLevel = types.RiskHigh
	v.Description = descCanvas
	v.EvidenceSummary = head(calls, th.EvidenceLimit)
	return v
}

// AnalyzeStorage reports storage churn inside the trailing window ending at
// now. A zero now keeps every operation. The probe ships at most StorageTail
// operations, so the reported window count is trusted only when a full tail
// lies entirely inside the window; otherwise the operations themselves are
// counted.
func AnalyzeStorage(ev *types.StorageEvidence, now time.Time, th Thresholds) types.Verdict {
	v := types.Verdict{Method: types.MethodStorage, Description: descStorageNone}
	if ev == nil || len(ev.Operations) == 0 {
		return v
	}

	keys := sets.New[string]()
	var summary []string
	inWindow := 0
	for _, op := range ev.Operations {
		if !now.IsZero() && !op.Timestamp.IsZero() && now.Sub(op.Timestamp) > th.StorageWindow {
			continue
		}
		inWindow++
		keys.Insert(op.Area + ":" + op.Key)
		summary = append(summary, fmt.Sprintf("%s.%s(%s)", op.Area, op.Operation, op.Key))
	}

	count, unique := inWindow, keys.Len()
	if inWindow == len(ev.Operations) && inWindow >= th.StorageTail {
		count = max(ev.Count, inWindow)
		unique = min(max(ev.UniqueKeys, unique), count)
	}

	v.Frequency = count
	if count < th.StorageOps {
		return v
	}
	v.Detected = true
	v.RiskLevel = types.RiskMedium
	v.Description = fmt.Sprintf(descStorage, count, unique, th.StorageWindow)
	v.EvidenceSummary = tail(summary, th.EvidenceLimit)
	v.Details = map[string]interface{}{
		"operations": count,
		"uniqueKeys": unique,
	}
	return v
}

// AnalyzePointer reports a sustained pointer sampling rate. The rate must
// agree with the event count over the sample window, to within one event or
// 1% of the count, whichever is larger.
func AnalyzePointer(ev *types.PointerEvidence, th Thresholds) types.Verdict {
	v := types.Verdict{Method: types.MethodPointer, Description: descPointerNone}
	if ev == nil || ev.Count <= 0 || math.IsNaN(ev.EventsPerSecond) || math.IsInf(ev.EventsPerSecond, 0) {
		return v
	}
	if ev.SampleWindow < th.PointerSample {
		return v
	}
	slack := math.Max(1, 0.01*float64(ev.Count))
	if math.Abs(float64(ev.Count)-ev.EventsPerSecond*ev.SampleWindow.Seconds()) > slack {
		return v
	}
	v.Frequency = int(ev.EventsPerSecond)
	if ev.EventsPerSecond < th.PointerRate {
		return v
	}
	v.Detected = true
	v.RiskLevel = types.RiskMedium
	v.Description = descPointer
	v.EvidenceSummary = []string{
		fmt.Sprintf("%.1f events/sec", ev.EventsPerSecond),
		fmt.Sprintf("%d events", ev.Count),
	}
	v.Details = map[string]interface{}{
		"eventsPerSecond": ev.EventsPerSecond,
		"eventCount":      ev.Count,
	}
	return v
}

// AnalyzeForm reports monitored form fields. A single password field makes
// the verdict critical regardless of how many other fields were touched.
func AnalyzeForm(ev *types.FormEvidence, th Thresholds) types.Verdict {
	v := types.Verdict{Method: types.MethodForm, Description: descFormNone}
	if ev == nil {
		return v
	}
	var summary []string
	passwords, fields := 0, 0
	for _, f := range ev.Fields {
		if f.Type == "" {
			continue
		}
		fields++
		if f.IsPassword() {
			passwords++
		}
		summary = append(summary, f.Type+":"+f.Label())
	}
	v.Frequency = fields
	if fields < th.FormFields {
		return v
	}
	v.Detected = true
	v.RiskLevel = types.RiskHigh
	v.Description = descForm
	if passwords > 0 {
		v.RiskLevel = types.RiskCritical
		v.Description = descFormPass
	}
	v.EvidenceSummary = head(summary, th.EvidenceLimit)
	v.Details = map[string]interface{}{
		"fieldCount":     fields,
		"passwordFields": passwords,
	}
	return v
}

// AnalyzeDevice reports probing of distinct device APIs.
func AnalyzeDevice(ev *types.DeviceEvidence, th Thresholds) types.Verdict {
	v := types.Verdict{Method: types.MethodDevice, Description: descDeviceNone}
	if ev == nil {
		return v
	}
	seen := sets.New[string]()
	var distinct []string
	for _, api := range ev.APIs {
		if api == "" || seen.Has(api) {
			continue
		}
		seen.Insert(api)
		distinct = append(distinct, api)
	}
	v.Frequency = len(distinct)
	if len(distinct) < th.DeviceAccesses {
		return v
	}
	v.Detected = true
	v.RiskLevel = types.RiskHigh
	v.Description = descDevice
	v.EvidenceSummary = head(distinct, th.EvidenceLimit)
	return v
}

func head(s []string, n int) []string {
	if n > 0 && len(s) > n {
		s = s[:n]
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func tail(s []string, n int) []string {
	if n > 0 && len(s) > n {
		s = s[len(s)-n:]
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
