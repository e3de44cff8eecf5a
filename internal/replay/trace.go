// Package replay plays recorded page activity through a page session under
// a simulated clock.
package replay

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/probe"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ops understood by the player.
var knownOps = sets.New[string](
	"canvas.getContext",
	"canvas.toDataURL",
	"canvas.getImageData",
	"canvas.fillText",
	"canvas.measureText",
	"localStorage.getItem",
	"localStorage.setItem",
	"localStorage.removeItem",
	"sessionStorage.getItem",
	"sessionStorage.setItem",
	"sessionStorage.removeItem",
	"pointer.move",
	"form.input",
	"navigator.getBattery",
	"navigator.hardwareConcurrency",
	"navigator.deviceMemory",
	"navigator.platform",
	"navigator.userAgent",
	"geolocation.getCurrentPosition",
	"geolocation.watchPosition",
	"clipboard.readText",
	"clipboard.read",
	"screen.width",
	"screen.height",
	"screen.colorDepth",
	"screen.pixelDepth",
	"screen.availWidth",
	"screen.availHeight",
	"tick",
)

// Element describes the target of a form.input step.
type Element struct {
	Tag  string `json:"tag"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
	ID   string `json:"id,omitempty"`
}

func (e *Element) toProbe() probe.Element {
	if e == nil {
		return probe.Element{TagName: "INPUT"}
	}
	return probe.Element{TagName: e.Tag, Type: e.Type, Name: e.Name, ID: e.ID}
}

// Step is one line of activity. T is milliseconds since the page loaded.
type Step struct {
	T       int64    `json:"t"`
	Op      string   `json:"op"`
	Key     string   `json:"key,omitempty"`
	Value   string   `json:"value,omitempty"`
	Arg     string   `json:"arg,omitempty"`
	Count   int      `json:"count,omitempty"`
	SpanMs  int64    `json:"spanMs,omitempty"`
	Element *Element `json:"element,omitempty"`
}

// At returns the step's offset from page load.
func (s Step) At() time.Duration {
	return time.Duration(s.T) * time.Millisecond
}

func (s Step) repeat() int {
	if s.Count < 1 {
		return 1
	}
	return s.Count
}

// Trace is a parsed activity recording.
type Trace struct {
	Page  string
	Steps []Step
}

// Duration is the offset of the last step.
func (t *Trace) Duration() time.Duration {
	if len(t.Steps) == 0 {
		return 0
	}
	last := t.Steps[len(t.Steps)-1]
	return last.At() + time.Duration(last.SpanMs)*time.Millisecond
}

type line struct {
	Page string `json:"page"`
	Step
}

// Parse reads a JSON-lines trace. Blank lines and lines starting with '#'
// are skipped. A line carrying "page" and no "op" sets the page URL. Steps
// must be in non-decreasing time order.
func Parse(r io.Reader) (*Trace, error) {
	tr := &Trace{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if l.Op == "" {
			if l.Page == "" {
				return nil, fmt.Errorf("line %d: missing op", n)
			}
			tr.Page = l.Page
			continue
		}
		if !knownOps.Has(l.Op) {
			return nil, fmt.Errorf("line %d: unknown op %q", n, l.Op)
		}
		if l.T < 0 || l.SpanMs < 0 || l.Count < 0 {
			return nil, fmt.Errorf("line %d: negative t, spanMs or count", n)
		}
		if k := len(tr.Steps); k > 0 && l.T < tr.Steps[k-1].T {
			return nil, fmt.Errorf("line %d: t=%d is before previous step t=%d", n, l.T, tr.Steps[k-1].T)
		}
		tr.Steps = append(tr.Steps, l.Step)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return tr, nil
}

// Load parses the trace file at path.
func Load(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()
	return Parse(f)
}
