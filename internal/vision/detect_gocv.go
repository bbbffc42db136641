//go:build gocv
// +build gocv

package vision

import (
	"context"
	"errors"
	"image"

	"gocv.io/x/gocv"
)

// ContourDetector finds wagon-sized regions with classical edge analysis:
// gaussian blur, Canny edges, external contours, then aspect/area gating.
// It stands in for the ONNX model on hosts with OpenCV available; boxes are
// reported in original-frame pixels because no resizing is applied.
type ContourDetector struct {
	MinAreaRatio   float64
	MinAspectRatio float64
	MaxAspectRatio float64
	CannyLow       float32
	CannyHigh      float32
}

// NewContourDetector returns a detector tuned for side-on wagon profiles.
func NewContourDetector() *ContourDetector {
	return &ContourDetector{
		MinAreaRatio:   0.02,
		MinAspectRatio: 0.8,
		MaxAspectRatio: 6.0,
		CannyLow:       50,
		CannyHigh:      150,
	}
}

// Detect implements Detector.
func (d *ContourDetector) Detect(ctx context.Context, frame *Frame) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !frame.Valid() {
		return nil, errors.New("invalid frame")
	}

	// Compact the luma plane if the source stride is padded.
	pix := frame.Pix
	if frame.Stride != frame.Width {
		pix = make([]byte, frame.Width*frame.Height)
		for y := 0; y < frame.Height; y++ {
			copy(pix[y*frame.Width:], frame.Pix[y*frame.Stride:y*frame.Stride+frame.Width])
		}
	}

	gray, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8U, pix)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	blur := gocv.NewMat()
	defer blur.Close()
	gocv.GaussianBlur(gray, &blur, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blur, &edges, d.CannyLow, d.CannyHigh)

	contours := gocv.FindContours(edges, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	minArea := int(float64(frame.Width*frame.Height) * d.MinAreaRatio)
	dets := make([]Detection, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		rect := gocv.BoundingRect(contours.At(i))
		area := rect.Dx() * rect.Dy()
		if area < minArea || rect.Dy() == 0 {
			continue
		}
		aspect := float64(rect.Dx()) / float64(rect.Dy())
		if aspect < d.MinAspectRatio || aspect > d.MaxAspectRatio {
			continue
		}
		dets = append(dets, Detection{
			Box:        Rect{X: rect.Min.X, Y: rect.Min.Y, Width: rect.Dx(), Height: rect.Dy()},
			Confidence: 0.6,
			Label:      "wagon",
		})
	}
	return dets, nil
}
