package vision

import (
	"gonum.org/v1/gonum/stat"

	"github.com/railsight/railsight/internal/monitoring"
)

// BlurAssessor computes a classical sharpness score per frame: the population
// variance of a 3x3 Laplacian over the luma plane. Lower variance means more
// blur. Identical input bytes always yield an identical score.
type BlurAssessor struct {
	// Threshold is the calibrated decision boundary: Score < Threshold is
	// classified blurred. Configuration, not hardcoded.
	Threshold float64

	// scratch holds the per-pixel Laplacian responses between calls so a
	// steady-state assessor does not allocate per frame. An assessor is
	// owned by one camera lane, so no locking.
	scratch []float64

	failures *monitoring.Counter
}

// NewBlurAssessor creates an assessor with the given decision threshold.
func NewBlurAssessor(threshold float64) *BlurAssessor {
	return &BlurAssessor{
		Threshold: threshold,
		failures:  monitoring.GetCounter("blur_assess_failures"),
	}
}

// Assess computes the blur assessment for a frame. It has no side effects on
// the frame and never fails outward: a malformed frame yields
// {IsBlurred:false, Method:MethodUnknown} so the pipeline always has a usable
// assessment, with the event logged and counted.
func (a *BlurAssessor) Assess(frame *Frame) BlurAssessment {
	if !frame.Valid() {
		a.failures.Inc()
		monitoring.Logf("[Blur] malformed frame from %s seq=%d, assuming sharp", frame.CameraID, frame.Sequence)
		return BlurAssessment{IsBlurred: false, Score: 0, Method: MethodUnknown}
	}
	// A 3x3 kernel needs at least one interior pixel.
	if frame.Width < 3 || frame.Height < 3 {
		a.failures.Inc()
		monitoring.Logf("[Blur] frame from %s seq=%d too small (%dx%d), assuming sharp",
			frame.CameraID, frame.Sequence, frame.Width, frame.Height)
		return BlurAssessment{IsBlurred: false, Score: 0, Method: MethodUnknown}
	}

	score := a.laplacianVariance(frame)
	return BlurAssessment{
		IsBlurred: score < a.Threshold,
		Score:     score,
		Method:    MethodClassical,
	}
}

// laplacianVariance applies the 4-connected Laplacian kernel
//
//	 0  1  0
//	 1 -4  1
//	 0  1  0
//
// to every interior pixel and returns the population variance of the
// responses, matching the conventional focus measure.
func (a *BlurAssessor) laplacianVariance(frame *Frame) float64 {
	w, h, stride := frame.Width, frame.Height, frame.Stride
	n := (w - 2) * (h - 2)
	if cap(a.scratch) < n {
		a.scratch = make([]float64, n)
	}
	resp := a.scratch[:n]

	i := 0
	for y := 1; y < h-1; y++ {
		row := frame.Pix[y*stride:]
		up := frame.Pix[(y-1)*stride:]
		down := frame.Pix[(y+1)*stride:]
		for x := 1; x < w-1; x++ {
			v := int(up[x]) + int(down[x]) + int(row[x-1]) + int(row[x+1]) - 4*int(row[x])
			resp[i] = float64(v)
			i++
		}
	}

	return stat.PopVariance(resp, nil)
}
