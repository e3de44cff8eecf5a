package probe

import (
	"strings"
	"time"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// formWatch collects the fields receiving input and reports them after a
// quiet period.
type formWatch struct {
	fields    []types.FormField
	seen      map[string]bool
	lastInput time.Time
}

func (w *formWatch) input(el Element, now time.Time) bool {
	tag := strings.ToUpper(el.TagName)
	if tag != "INPUT" && tag != "TEXTAREA" {
		return false
	}
	typ := strings.ToLower(el.Type)
	if typ == "" {
		typ = "text"
		if tag == "TEXTAREA" {
			typ = "textarea"
		}
	}
	key := tag + "|" + typ + "|" + el.Name + "|" + el.ID
	if w.seen == nil {
		w.seen = make(map[string]bool)
	}
	if !w.seen[key] {
		w.seen[key] = true
		w.fields = append(w.fields, types.FormField{Type: typ, Name: el.Name, ID: el.ID})
	}
	w.lastInput = now
	return true
}

func (w *formWatch) flush(now time.Time, th detection.Thresholds) *types.FormEvidence {
	if len(w.fields) == 0 || now.Sub(w.lastInput) < th.FormDebounce {
		return nil
	}
	ev := &types.FormEvidence{Fields: w.fields}
	w.fields = nil
	w.seen = nil
	return ev
}
