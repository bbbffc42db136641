//go:build !gocv
// +build !gocv

package vision

import (
	"context"
	"errors"
)

// ContourDetector requires the gocv build tag; this stub keeps the default
// build free of the OpenCV toolchain.
type ContourDetector struct{}

// NewContourDetector returns a stub that fails at detection time.
func NewContourDetector() *ContourDetector { return &ContourDetector{} }

// Detect implements Detector.
func (d *ContourDetector) Detect(ctx context.Context, frame *Frame) ([]Detection, error) {
	return nil, errors.New("contour detector unavailable: build with -tags gocv")
}
