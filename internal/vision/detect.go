package vision

import (
	"context"
	"sort"
	"time"
)

// Detector produces wagon bounding boxes for a frame. Implementations must
// report boxes in original-frame pixel coordinates regardless of any internal
// model resizing, and must respect ctx cancellation: the orchestrator
// abandons calls that exceed the detector budget.
type Detector interface {
	Detect(ctx context.Context, frame *Frame) ([]Detection, error)
}

// DetectorWrapper applies the configured confidence threshold and IoU-based
// non-max suppression to a backing detector's raw output, and clamps boxes to
// frame bounds.
type DetectorWrapper struct {
	Inner               Detector
	ConfidenceThreshold float64
	NMSThreshold        float64
}

// NewDetectorWrapper wraps a backing detector with post-processing.
func NewDetectorWrapper(inner Detector, confThreshold, nmsThreshold float64) *DetectorWrapper {
	return &DetectorWrapper{
		Inner:               inner,
		ConfidenceThreshold: confThreshold,
		NMSThreshold:        nmsThreshold,
	}
}

// Detect runs the backing detector and post-processes its output.
func (w *DetectorWrapper) Detect(ctx context.Context, frame *Frame) ([]Detection, error) {
	raw, err := w.Inner.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}

	kept := make([]Detection, 0, len(raw))
	for _, d := range raw {
		if d.Confidence < w.ConfidenceThreshold {
			continue
		}
		d.Box = clampRect(d.Box, frame.Width, frame.Height)
		if d.Box.Area() == 0 {
			continue
		}
		kept = append(kept, d)
	}

	return nonMaxSuppress(kept, w.NMSThreshold), nil
}

func clampRect(r Rect, w, h int) Rect {
	if r.X < 0 {
		r.Width += r.X
		r.X = 0
	}
	if r.Y < 0 {
		r.Height += r.Y
		r.Y = 0
	}
	if r.X+r.Width > w {
		r.Width = w - r.X
	}
	if r.Y+r.Height > h {
		r.Height = h - r.Y
	}
	if r.Width < 0 {
		r.Width = 0
	}
	if r.Height < 0 {
		r.Height = 0
	}
	return r
}

// nonMaxSuppress keeps the highest-confidence detection from each group of
// overlapping boxes. Greedy: sort by confidence descending, suppress any
// later box whose IoU with a kept box exceeds the threshold.
func nonMaxSuppress(dets []Detection, iouThreshold float64) []Detection {
	if len(dets) <= 1 {
		return dets
	}
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := sorted[:0]
	for _, cand := range sorted {
		suppressed := false
		for _, k := range kept {
			if IoU(cand.Box, k.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	return kept
}

// SyntheticDetector generates deterministic wagon detections for simulation
// and tests: a row of wagon-shaped boxes sliding across the frame at a fixed
// number of pixels per sequence step. Stall, when set, delays each call so
// callers can exercise the detector-timeout fallback path.
type SyntheticDetector struct {
	WagonWidth  int
	WagonHeight int
	GapWidth    int
	SpeedPx     int
	Confidence  float64

	// Stall returns an artificial processing delay for the given sequence
	// number. Nil means no delay.
	Stall func(seq uint64) time.Duration
}

// NewSyntheticDetector returns a generator with geometry suited to the
// default simulated 640x480 frames.
func NewSyntheticDetector() *SyntheticDetector {
	return &SyntheticDetector{
		WagonWidth:  220,
		WagonHeight: 140,
		GapWidth:    40,
		SpeedPx:     8,
		Confidence:  0.9,
	}
}

// Detect implements Detector.
func (s *SyntheticDetector) Detect(ctx context.Context, frame *Frame) ([]Detection, error) {
	if s.Stall != nil {
		if d := s.Stall(frame.Sequence); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	span := s.WagonWidth + s.GapWidth
	// Leading edge of the first wagon for this sequence step.
	lead := int(frame.Sequence)*s.SpeedPx - s.WagonWidth

	var dets []Detection
	y := (frame.Height - s.WagonHeight) / 2
	for x := lead; x > -s.WagonWidth; x -= span {
		if x >= frame.Width {
			continue
		}
		dets = append(dets, Detection{
			Box:        Rect{X: x, Y: y, Width: s.WagonWidth, Height: s.WagonHeight},
			Confidence: s.Confidence,
			Label:      "wagon",
		})
	}
	return dets, nil
}
