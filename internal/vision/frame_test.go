package vision

import (
	"math"
	"testing"
)

func TestFrameValid(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
		want  bool
	}{
		{"nil frame", nil, false},
		{"zero dimensions", &Frame{Width: 0, Height: 0}, false},
		{"stride below width", &Frame{Width: 10, Height: 10, Stride: 8, Pix: make([]byte, 100)}, false},
		{"buffer too short", &Frame{Width: 10, Height: 10, Stride: 10, Pix: make([]byte, 50)}, false},
		{"compact buffer", &Frame{Width: 10, Height: 10, Stride: 10, Pix: make([]byte, 100)}, true},
		{"padded stride", &Frame{Width: 10, Height: 10, Stride: 16, Pix: make([]byte, 16*9+10)}, true},
	}
	for _, tt := range tests {
		if got := tt.frame.Valid(); got != tt.want {
			t.Errorf("%s: Valid() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRectArea(t *testing.T) {
	if got := (Rect{X: 0, Y: 0, Width: 10, Height: 5}).Area(); got != 50 {
		t.Errorf("expected area 50, got %d", got)
	}
	if got := (Rect{Width: -3, Height: 5}).Area(); got != 0 {
		t.Errorf("degenerate rect should have area 0, got %d", got)
	}
}

func TestIoUIdenticalBoxes(t *testing.T) {
	box := Rect{X: 10, Y: 20, Width: 100, Height: 50}
	if got := IoU(box, box); got != 1.0 {
		t.Errorf("identical boxes should have IoU 1.0, got %v", got)
	}
}

func TestIoUDisjointBoxes(t *testing.T) {
	a := Rect{X: 0, Y: 0, Width: 10, Height: 10}
	b := Rect{X: 100, Y: 100, Width: 10, Height: 10}
	if got := IoU(a, b); got != 0 {
		t.Errorf("disjoint boxes should have IoU 0, got %v", got)
	}
	// Touching edges do not overlap.
	c := Rect{X: 10, Y: 0, Width: 10, Height: 10}
	if got := IoU(a, c); got != 0 {
		t.Errorf("edge-adjacent boxes should have IoU 0, got %v", got)
	}
}

func TestIoUPartialOverlap(t *testing.T) {
	// 10x10 boxes offset by 5 in x: intersection 50, union 150.
	a := Rect{X: 0, Y: 0, Width: 10, Height: 10}
	b := Rect{X: 5, Y: 0, Width: 10, Height: 10}
	want := 50.0 / 150.0
	if got := IoU(a, b); math.Abs(got-want) > 1e-9 {
		t.Errorf("expected IoU %v, got %v", want, got)
	}
}

func TestIoUDegenerateBoxes(t *testing.T) {
	a := Rect{X: 0, Y: 0, Width: 0, Height: 10}
	b := Rect{X: 0, Y: 0, Width: 10, Height: 10}
	if got := IoU(a, b); got != 0 {
		t.Errorf("zero-width box should have IoU 0, got %v", got)
	}
}

func TestIoUSymmetry(t *testing.T) {
	a := Rect{X: 3, Y: 7, Width: 40, Height: 25}
	b := Rect{X: 10, Y: 10, Width: 30, Height: 30}
	if IoU(a, b) != IoU(b, a) {
		t.Error("IoU should be symmetric")
	}
}
