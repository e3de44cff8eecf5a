package probe

import (
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// canvasBurst accumulates canvas call names until the burst threshold.
type canvasBurst struct {
	calls []string
}

func (b *canvasBurst) record(call string, th detection.Thresholds) *types.CanvasEvidence {
	b.calls = append(b.calls, call)
	if len(b.calls) < th.CanvasCalls {
		return nil
	}
	ev := &types.CanvasEvidence{Calls: b.calls}
	b.calls = nil
	return ev
}

type instrumentedCanvas struct {
	Canvas
	p *Probe
}

func (c *instrumentedCanvas) GetContext(contextType string) interface{} {
	if contextType == "2d" {
		c.p.recordCanvas("getContext(2d)")
	}
	return c.Canvas.GetContext(contextType)
}

func (c *instrumentedCanvas) ToDataURL(mimeType string) string {
	c.p.recordCanvas("toDataURL")
	return c.Canvas.ToDataURL(mimeType)
}

func (c *instrumentedCanvas) GetImageData(x, y, width, height int) []byte {
	c.p.recordCanvas("getImageData")
	return c.Canvas.GetImageData(x, y, width, height)
}

func (c *instrumentedCanvas) FillText(text string, x, y float64) {
	c.p.recordCanvas("fillText")
	c.Canvas.FillText(text, x, y)
}

func (c *instrumentedCanvas) MeasureText(text string) float64 {
	c.p.recordCanvas("measureText")
	return c.Canvas.MeasureText(text)
}
