package vision

import "testing"

func flatFrame(w, h int, value byte) *Frame {
	pix := make([]byte, w*h)
	for i := range pix {
		pix[i] = value
	}
	return &Frame{CameraID: "cam/test", Sequence: 1, Pix: pix, Width: w, Height: h, Stride: w}
}

func checkerFrame(w, h int) *Frame {
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				pix[y*w+x] = 255
			}
		}
	}
	return &Frame{CameraID: "cam/test", Sequence: 1, Pix: pix, Width: w, Height: h, Stride: w}
}

func TestAssessFlatFrameIsBlurred(t *testing.T) {
	a := NewBlurAssessor(120)
	got := a.Assess(flatFrame(32, 32, 128))

	if got.Score != 0 {
		t.Errorf("flat frame should have zero laplacian variance, got %v", got.Score)
	}
	if !got.IsBlurred {
		t.Error("flat frame should be classified blurred")
	}
	if got.Method != MethodClassical {
		t.Errorf("expected method %q, got %q", MethodClassical, got.Method)
	}
}

func TestAssessCheckerFrameIsSharp(t *testing.T) {
	a := NewBlurAssessor(120)
	got := a.Assess(checkerFrame(32, 32))

	if got.IsBlurred {
		t.Errorf("checker frame should be sharp (score=%v)", got.Score)
	}
	if got.Score <= 120 {
		t.Errorf("checker frame variance should be far above threshold, got %v", got.Score)
	}
}

// The decision boundary is strict: Score < Threshold means blurred, with no
// flicker around the boundary for identical input.
func TestAssessThresholdBoundary(t *testing.T) {
	frame := checkerFrame(16, 16)
	score := NewBlurAssessor(0).Assess(frame).Score
	if score <= 0 {
		t.Fatalf("expected positive score for textured frame, got %v", score)
	}

	if NewBlurAssessor(score).Assess(frame).IsBlurred {
		t.Error("score == threshold should classify sharp")
	}
	if !NewBlurAssessor(score + 1).Assess(frame).IsBlurred {
		t.Error("score just below threshold should classify blurred")
	}
	if NewBlurAssessor(score - 1).Assess(frame).IsBlurred {
		t.Error("score just above threshold should classify sharp")
	}
}

func TestAssessDeterministic(t *testing.T) {
	frame := checkerFrame(48, 48)
	a := NewBlurAssessor(120)
	first := a.Assess(frame)
	second := a.Assess(frame)
	if first.Score != second.Score {
		t.Errorf("identical input should yield identical score: %v vs %v", first.Score, second.Score)
	}
	if first.IsBlurred != second.IsBlurred {
		t.Error("identical input should yield identical classification")
	}
}

func TestAssessMalformedFrameFallsBack(t *testing.T) {
	a := NewBlurAssessor(120)

	bad := &Frame{CameraID: "cam/test", Width: 10, Height: 10, Stride: 10, Pix: make([]byte, 5)}
	got := a.Assess(bad)
	if got.IsBlurred {
		t.Error("malformed frame should be assumed sharp")
	}
	if got.Method != MethodUnknown {
		t.Errorf("malformed frame should report method %q, got %q", MethodUnknown, got.Method)
	}
}

func TestAssessTooSmallFrameFallsBack(t *testing.T) {
	a := NewBlurAssessor(120)
	got := a.Assess(flatFrame(2, 2, 10))
	if got.Method != MethodUnknown {
		t.Errorf("2x2 frame should report method %q, got %q", MethodUnknown, got.Method)
	}
	if got.IsBlurred {
		t.Error("fallback assessment should not be blurred")
	}
}

func TestAssessPaddedStride(t *testing.T) {
	// Same pixels with and without row padding must score identically.
	w, h, stride := 16, 16, 24
	compact := checkerFrame(w, h)
	padded := &Frame{CameraID: "cam/test", Pix: make([]byte, stride*h), Width: w, Height: h, Stride: stride}
	for y := 0; y < h; y++ {
		copy(padded.Pix[y*stride:y*stride+w], compact.Pix[y*w:(y+1)*w])
	}

	a := NewBlurAssessor(120)
	if got, want := a.Assess(padded).Score, a.Assess(compact).Score; got != want {
		t.Errorf("padded stride changed score: got %v, want %v", got, want)
	}
}
