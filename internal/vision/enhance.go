package vision

import (
	"time"

	"github.com/railsight/railsight/internal/monitoring"
	"github.com/railsight/railsight/internal/timeutil"
)

// Enhancer conditionally improves a frame flagged blurred by the assessor.
// Two independent, individually toggleable filters: an unsharp-mask deblur
// pass and a clipped tile-histogram contrast pass (CLAHE-equivalent).
//
// The enhancer carries a hard time budget. If the filter chain would exceed
// it, the remaining filters are abandoned and the original pixels are
// returned unmodified with Skipped set, never an error. Output dimensions
// always match input dimensions.
type Enhancer struct {
	EnableDeblur   bool
	EnableContrast bool
	Budget         time.Duration

	// clock drives the budget checks; a mock in tests.
	clock timeutil.Clock

	skips *monitoring.Counter
}

// Contrast filter geometry. 8x8 tiles with a clip limit of 4x the uniform
// bin height matches the conventional CLAHE defaults.
const (
	contrastTileSize = 64
	contrastClipMult = 4
)

// NewEnhancer creates an enhancer with the given filter toggles and budget.
func NewEnhancer(enableDeblur, enableContrast bool, budget time.Duration) *Enhancer {
	return &Enhancer{
		EnableDeblur:   enableDeblur,
		EnableContrast: enableContrast,
		Budget:         budget,
		clock:          timeutil.RealClock{},
		skips:          monitoring.GetCounter("enhance_budget_skips"),
	}
}

// Enhance applies the configured filter chain to a blurred frame. The input
// frame is never modified; the outcome's Pix is a fresh compact buffer
// (stride == width) when any filter ran, nil when the original frame should
// be used.
func (e *Enhancer) Enhance(frame *Frame, assessment BlurAssessment) EnhancementOutcome {
	if !assessment.IsBlurred || (!e.EnableDeblur && !e.EnableContrast) {
		return EnhancementOutcome{}
	}
	if !frame.Valid() {
		return EnhancementOutcome{}
	}

	start := e.clock.Now()
	deadline := start.Add(e.Budget)

	// Working copy, compacted to stride == width.
	w, h := frame.Width, frame.Height
	work := make([]byte, w*h)
	for y := 0; y < h; y++ {
		copy(work[y*w:(y+1)*w], frame.Pix[y*frame.Stride:y*frame.Stride+w])
	}

	outcome := EnhancementOutcome{}

	if e.EnableDeblur {
		if e.clock.Now().After(deadline) {
			return e.skip(frame)
		}
		work = unsharpMask(work, w, h)
		outcome.WasDeblurred = true
	}

	if e.EnableContrast {
		if e.clock.Now().After(deadline) {
			// The deblur result alone would leave frames in an inconsistent
			// half-enhanced state across the stream; revert to the original.
			return e.skip(frame)
		}
		equalizeTiles(work, w, h)
		outcome.WasEnhanced = true
	}

	outcome.Pix = work
	return outcome
}

func (e *Enhancer) skip(frame *Frame) EnhancementOutcome {
	e.skips.Inc()
	monitoring.Logf("[Enhance] budget exceeded for %s seq=%d, enhancement skipped",
		frame.CameraID, frame.Sequence)
	return EnhancementOutcome{Skipped: true}
}

// unsharpMask sharpens by subtracting a 3x3 box blur: out = 2*src - blur(src),
// clamped to [0,255]. Border pixels are copied through.
func unsharpMask(src []byte, w, h int) []byte {
	out := make([]byte, len(src))
	copy(out, src)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			sum := 0
			for dy := -1; dy <= 1; dy++ {
				base := (y + dy) * w
				sum += int(src[base+x-1]) + int(src[base+x]) + int(src[base+x+1])
			}
			blur := sum / 9
			v := 2*int(src[y*w+x]) - blur
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			out[y*w+x] = byte(v)
		}
	}
	return out
}

// equalizeTiles applies clipped histogram equalization per tile, in place.
// Clipped mass is redistributed uniformly before building the CDF, limiting
// noise amplification in flat regions the same way CLAHE does.
func equalizeTiles(pix []byte, w, h int) {
	for ty := 0; ty < h; ty += contrastTileSize {
		for tx := 0; tx < w; tx += contrastTileSize {
			tw := min(contrastTileSize, w-tx)
			th := min(contrastTileSize, h-ty)
			equalizeTile(pix, w, tx, ty, tw, th)
		}
	}
}

func equalizeTile(pix []byte, stride, tx, ty, tw, th int) {
	var hist [256]int
	for y := ty; y < ty+th; y++ {
		row := pix[y*stride:]
		for x := tx; x < tx+tw; x++ {
			hist[row[x]]++
		}
	}

	total := tw * th
	clip := contrastClipMult * (total / 256)
	if clip < 1 {
		clip = 1
	}
	excess := 0
	for i := range hist {
		if hist[i] > clip {
			excess += hist[i] - clip
			hist[i] = clip
		}
	}
	redist := excess / 256
	for i := range hist {
		hist[i] += redist
	}

	// Map through the CDF.
	var lut [256]byte
	cum := 0
	for i := range hist {
		cum += hist[i]
		lut[i] = byte(cum * 255 / total)
	}
	for y := ty; y < ty+th; y++ {
		row := pix[y*stride:]
		for x := tx; x < tx+tw; x++ {
			row[x] = lut[row[x]]
		}
	}
}
