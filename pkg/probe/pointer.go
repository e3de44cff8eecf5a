package probe

import (
	"time"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/detection"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

// pointerSampler counts mousemove events per sampling window. Counter and
// window start are reset at the end of every window whether or not it
// produced evidence.
type pointerSampler struct {
	count int
	start time.Time
}

func (s *pointerSampler) move(now time.Time, th detection.Thresholds) *types.PointerEvidence {
	if s.start.IsZero() {
		s.start = now
	}
	s.count++
	return s.sample(now, th)
}

func (s *pointerSampler) sample(now time.Time, th detection.Thresholds) *types.PointerEvidence {
	if s.start.IsZero() {
		return nil
	}
	elapsed := now.Sub(s.start)
	if elapsed < th.PointerSample {
		return nil
	}
	rate := float64(s.count) / elapsed.Seconds()
	var ev *types.PointerEvidence
	if s.count > 0 && rate >= th.PointerRate {
		ev = &types.PointerEvidence{EventsPerSecond: rate, Count: s.count, SampleWindow: elapsed}
	}
	s.count = 0
	s.start = now
	return ev
}
