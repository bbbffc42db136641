package vision

import "time"

//
// 0) Frames
//

// CameraID is a human-readable camera name like "cam/gate-east-01".
type CameraID string

// Frame is a single decoded grayscale image delivered by a frame source.
// Pix is row-major luma with the given stride. A Frame is immutable once
// built; the pipeline owns it exclusively for one pass and may retain it
// afterwards as the camera's last known good frame.
type Frame struct {
	CameraID    CameraID
	Sequence    uint64
	CaptureTime time.Time
	Pix         []byte
	Width       int
	Height      int
	Stride      int
}

// Valid reports whether the frame geometry is consistent with its buffer.
func (f *Frame) Valid() bool {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return false
	}
	if f.Stride < f.Width {
		return false
	}
	return len(f.Pix) >= (f.Height-1)*f.Stride+f.Width
}

// At returns the luma value at (x, y). Caller guarantees bounds.
func (f *Frame) At(x, y int) byte { return f.Pix[y*f.Stride+x] }

//
// 1) Detections
//

// Rect is an axis-aligned bounding box in original-frame pixel coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the box area in pixels.
func (r Rect) Area() int {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// IoU computes intersection-over-union between two boxes. Returns 0 for
// disjoint or degenerate boxes.
func IoU(a, b Rect) float64 {
	ix := max(a.X, b.X)
	iy := max(a.Y, b.Y)
	ix2 := min(a.X+a.Width, b.X+b.Width)
	iy2 := min(a.Y+a.Height, b.Y+b.Height)

	if ix2 <= ix || iy2 <= iy {
		return 0
	}
	inter := (ix2 - ix) * (iy2 - iy)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Detection is one detector output for a frame. Ephemeral: consumed by the
// tracker within the same pipeline pass.
type Detection struct {
	Box        Rect    `json:"box"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label"`
}

//
// 2) Stage outputs
//

// BlurMethod identifies how a blur assessment was produced.
type BlurMethod string

const (
	MethodClassical BlurMethod = "classical" // laplacian variance
	MethodLearned   BlurMethod = "learned"   // external CNN classifier
	MethodUnknown   BlurMethod = "unknown"   // assessor failed, fallback value
)

// BlurAssessment is the sharpness verdict for one frame. Never mutated after
// construction.
type BlurAssessment struct {
	IsBlurred bool       `json:"is_blurred"`
	Score     float64    `json:"score"`
	Method    BlurMethod `json:"method"`
}

// EnhancementOutcome records what the enhancer did to a blurred frame.
// Pix is nil when the original frame was used unmodified.
type EnhancementOutcome struct {
	WasDeblurred bool   `json:"was_deblurred"`
	WasEnhanced  bool   `json:"was_enhanced"`
	Skipped      bool   `json:"skipped"` // budget overrun, original frame used
	Pix          []byte `json:"-"`
}

//
// 3) Pipeline result
//

// PipelineResult is the single structured output emitted for every frame that
// enters the orchestrator, fallback paths included. Immutable after
// construction; exactly one per input frame.
type PipelineResult struct {
	CameraID       CameraID            `json:"camera_id"`
	Sequence       uint64              `json:"sequence"`
	CaptureTime    time.Time           `json:"capture_time"`
	Blur           BlurAssessment      `json:"blur"`
	Enhancement    *EnhancementOutcome `json:"enhancement,omitempty"`
	Detections     []Detection         `json:"detections"`
	TrackIDs       []int64             `json:"track_ids"`
	NewlyConfirmed []int64             `json:"newly_confirmed,omitempty"`
	WagonCount     int64               `json:"wagon_count"`
	OCRPending     bool                `json:"ocr_pending"`
	ProcessingTime time.Duration       `json:"processing_time_ns"`
	Degraded       bool                `json:"degraded"`
	Alert          bool                `json:"alert"` // consecutive-degradation alert raised on this frame
}

// WagonNumber is an asynchronous OCR readout for a confirmed track.
type WagonNumber struct {
	CameraID   CameraID  `json:"camera_id"`
	TrackID    int64     `json:"track_id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	ReadAt     time.Time `json:"read_at"`
}

// CameraAlert is raised when a camera produces the configured number of
// consecutive degraded results. It is surfaced through the Result Sink, not
// treated as a fault.
type CameraAlert struct {
	AlertID  string    `json:"alert_id"`
	CameraID CameraID  `json:"camera_id"`
	Streak   int       `json:"streak"`
	Sequence uint64    `json:"sequence"`
	RaisedAt time.Time `json:"raised_at"`
}
