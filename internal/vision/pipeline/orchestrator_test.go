package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/railsight/railsight/internal/vision"
)

// captureSink records everything published, safe for concurrent lanes.
type captureSink struct {
	mu      sync.Mutex
	results []*vision.PipelineResult
	alerts  []vision.CameraAlert
}

func (s *captureSink) PublishResult(res *vision.PipelineResult) {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
}

func (s *captureSink) PublishAlert(alert vision.CameraAlert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	s.mu.Unlock()
}

func (s *captureSink) resultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func sharpFrame(camera vision.CameraID, seq uint64) *vision.Frame {
	const w, h = 640, 480
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pix[y*w+x] = byte(x ^ y)
		}
	}
	return &vision.Frame{CameraID: camera, Sequence: seq, CaptureTime: time.Now(), Pix: pix, Width: w, Height: h, Stride: w}
}

func blurryFrame(camera vision.CameraID, seq uint64) *vision.Frame {
	const w, h = 640, 480
	pix := make([]byte, w*h)
	for i := range pix {
		pix[i] = 96
	}
	return &vision.Frame{CameraID: camera, Sequence: seq, CaptureTime: time.Now(), Pix: pix, Width: w, Height: h, Stride: w}
}

func testConfig(camera vision.CameraID, sink ResultSink, detector vision.Detector) Config {
	return Config{
		Camera:         camera,
		Assessor:       vision.NewBlurAssessor(120),
		Enhancer:       vision.NewEnhancer(true, true, 50*time.Millisecond),
		Detector:       detector,
		Tracker:        vision.NewTracker(camera, vision.DefaultTrackerConfig()),
		Sink:           sink,
		BlurBudget:     50 * time.Millisecond,
		DetectorBudget: 50 * time.Millisecond,
		FrameBudget:    150 * time.Millisecond,
		AlertStreak:    5,
	}
}

func TestProcessFrameEmitsExactlyOneResult(t *testing.T) {
	sink := &captureSink{}
	o := NewOrchestrator(testConfig("cam/a", sink, vision.NewSyntheticDetector()))

	const n = 20
	for seq := uint64(1); seq <= n; seq++ {
		res := o.ProcessFrame(context.Background(), sharpFrame("cam/a", seq+30))
		if res == nil {
			t.Fatalf("seq %d: nil result", seq)
		}
	}
	if sink.resultCount() != n {
		t.Fatalf("expected exactly %d results, got %d", n, sink.resultCount())
	}
	for i, res := range sink.results {
		if res.Sequence != uint64(i+31) {
			t.Errorf("result %d out of order: seq %d", i, res.Sequence)
		}
	}
}

func TestProcessFrameSharpSkipsEnhancement(t *testing.T) {
	sink := &captureSink{}
	o := NewOrchestrator(testConfig("cam/a", sink, vision.NewSyntheticDetector()))

	res := o.ProcessFrame(context.Background(), sharpFrame("cam/a", 40))
	if res.Blur.IsBlurred {
		t.Error("textured frame should assess sharp")
	}
	if res.Enhancement != nil {
		t.Error("sharp frame should have no enhancement outcome")
	}
	if o.LastGoodFrame() == nil {
		t.Error("sharp frame should become the last good frame")
	}
}

func TestProcessFrameEnhancesBlurredFrame(t *testing.T) {
	sink := &captureSink{}
	o := NewOrchestrator(testConfig("cam/a", sink, vision.NewSyntheticDetector()))

	res := o.ProcessFrame(context.Background(), blurryFrame("cam/a", 40))
	if !res.Blur.IsBlurred {
		t.Fatal("flat frame should assess blurred")
	}
	if res.Enhancement == nil {
		t.Fatal("blurred frame should record an enhancement outcome")
	}
	if !res.Enhancement.WasDeblurred || !res.Enhancement.WasEnhanced {
		t.Errorf("both filters should have run, got %+v", res.Enhancement)
	}
	if res.Degraded {
		t.Error("successful enhancement is not degradation")
	}
}

func TestDetectorTimeoutReusesStaleDetections(t *testing.T) {
	sink := &captureSink{}
	det := vision.NewSyntheticDetector()
	det.Stall = func(seq uint64) time.Duration {
		if seq == 42 {
			return time.Second
		}
		return 0
	}
	cfg := testConfig("cam/a", sink, det)
	cfg.DetectorBudget = 30 * time.Millisecond
	o := NewOrchestrator(cfg)

	prev := o.ProcessFrame(context.Background(), sharpFrame("cam/a", 41))
	if prev.Degraded {
		t.Fatal("baseline frame should not be degraded")
	}
	if len(prev.Detections) == 0 {
		t.Fatal("baseline frame should have detections")
	}

	cur := o.ProcessFrame(context.Background(), sharpFrame("cam/a", 42))
	if !cur.Degraded {
		t.Error("detector timeout should mark the result degraded")
	}
	if diff := cmp.Diff(prev.Detections, cur.Detections); diff != "" {
		t.Errorf("timeout should reuse previous detections (-prev +cur):\n%s", diff)
	}

	// Recovery on the next frame clears degradation.
	next := o.ProcessFrame(context.Background(), sharpFrame("cam/a", 43))
	if next.Degraded {
		t.Error("recovered detector should clear degradation")
	}
}

// erroringDetector fails every call.
type erroringDetector struct{}

func (erroringDetector) Detect(ctx context.Context, frame *vision.Frame) ([]vision.Detection, error) {
	return nil, errors.New("model backend unavailable")
}

func TestDetectorErrorDegradesWithEmptyHistory(t *testing.T) {
	sink := &captureSink{}
	o := NewOrchestrator(testConfig("cam/a", sink, erroringDetector{}))

	res := o.ProcessFrame(context.Background(), sharpFrame("cam/a", 1))
	if !res.Degraded {
		t.Error("detector failure should mark the result degraded")
	}
	if len(res.Detections) != 0 {
		t.Errorf("no history to fall back on, expected empty detections, got %d", len(res.Detections))
	}
}

// panickyDetector panics to exercise stage containment.
type panickyDetector struct{}

func (panickyDetector) Detect(ctx context.Context, frame *vision.Frame) ([]vision.Detection, error) {
	panic("index out of range in postprocess")
}

func TestDetectorPanicIsContained(t *testing.T) {
	sink := &captureSink{}
	o := NewOrchestrator(testConfig("cam/a", sink, panickyDetector{}))

	res := o.ProcessFrame(context.Background(), sharpFrame("cam/a", 1))
	if res == nil {
		t.Fatal("panic must not escape the stage")
	}
	if !res.Degraded {
		t.Error("contained panic should degrade the result")
	}
	if sink.resultCount() != 1 {
		t.Errorf("result must still be published, got %d", sink.resultCount())
	}
}

func TestAlertRaisedOncePerStreak(t *testing.T) {
	sink := &captureSink{}
	cfg := testConfig("cam/a", sink, erroringDetector{})
	cfg.AlertStreak = 3
	o := NewOrchestrator(cfg)

	for seq := uint64(1); seq <= 5; seq++ {
		o.ProcessFrame(context.Background(), sharpFrame("cam/a", seq))
	}

	if len(sink.alerts) != 1 {
		t.Fatalf("expected exactly 1 alert for a sustained streak, got %d", len(sink.alerts))
	}
	alert := sink.alerts[0]
	if alert.Streak != 3 || alert.Sequence != 3 || alert.CameraID != "cam/a" {
		t.Errorf("unexpected alert: %+v", alert)
	}
	if alert.AlertID == "" {
		t.Error("alert should carry an ID")
	}
	if !sink.results[2].Alert {
		t.Error("the threshold-crossing result should be flagged")
	}
	if sink.results[3].Alert || sink.results[4].Alert {
		t.Error("later frames in the same streak must not re-flag")
	}
}

// flakyDetector errors on scripted sequences, otherwise delegates.
type flakyDetector struct {
	inner   vision.Detector
	failSeq map[uint64]bool
}

func (f *flakyDetector) Detect(ctx context.Context, frame *vision.Frame) ([]vision.Detection, error) {
	if f.failSeq[frame.Sequence] {
		return nil, errors.New("inference timeout")
	}
	return f.inner.Detect(ctx, frame)
}

func TestAlertStreakResetsOnRecovery(t *testing.T) {
	sink := &captureSink{}
	det := &flakyDetector{
		inner:   vision.NewSyntheticDetector(),
		failSeq: map[uint64]bool{1: true, 2: true, 4: true, 5: true, 6: true},
	}
	cfg := testConfig("cam/a", sink, det)
	cfg.AlertStreak = 3
	o := NewOrchestrator(cfg)

	for seq := uint64(1); seq <= 6; seq++ {
		o.ProcessFrame(context.Background(), sharpFrame("cam/a", seq))
	}

	// Streak 1-2 broken by 3; streak 4-6 reaches the threshold.
	if len(sink.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(sink.alerts))
	}
	if sink.alerts[0].Sequence != 6 {
		t.Errorf("alert should fire on seq 6, got %d", sink.alerts[0].Sequence)
	}
}

func TestOCRDispatchOnConfirmation(t *testing.T) {
	sink := &captureSink{}
	pool := vision.NewOCRPool(&vision.StubTextReader{}, 16, 1, nil)

	cfg := testConfig("cam/a", sink, vision.NewSyntheticDetector())
	cfg.OCR = pool
	o := NewOrchestrator(cfg)

	// ConfirmFrames=2: first sighting never dispatches OCR.
	first := o.ProcessFrame(context.Background(), sharpFrame("cam/a", 40))
	if first.OCRPending {
		t.Error("no confirmation on first sighting, OCR must not be pending")
	}
	if pool.Pending() != 0 {
		t.Errorf("expected empty OCR queue, got %d", pool.Pending())
	}

	second := o.ProcessFrame(context.Background(), sharpFrame("cam/a", 41))
	if len(second.NewlyConfirmed) == 0 {
		t.Fatal("second consecutive sighting should confirm")
	}
	if !second.OCRPending {
		t.Error("confirmation should dispatch OCR")
	}
	if pool.Pending() != len(second.NewlyConfirmed) {
		t.Errorf("expected %d queued jobs, got %d", len(second.NewlyConfirmed), pool.Pending())
	}
}

func TestWagonCountMonotonic(t *testing.T) {
	sink := &captureSink{}
	o := NewOrchestrator(testConfig("cam/a", sink, vision.NewSyntheticDetector()))

	var last int64
	for seq := uint64(30); seq <= 120; seq++ {
		res := o.ProcessFrame(context.Background(), sharpFrame("cam/a", seq))
		if res.WagonCount < last {
			t.Fatalf("wagon count went backwards at seq %d: %d -> %d", seq, last, res.WagonCount)
		}
		last = res.WagonCount
	}
	if last == 0 {
		t.Error("a long pass of moving wagons should have counted at least one")
	}
}

func TestStageStatusString(t *testing.T) {
	for status, want := range map[StageStatus]string{
		StageOK:      "ok",
		StageTimeout: "timeout",
		StageErrored: "errored",
		StageSkipped: "skipped",
	} {
		if got := status.String(); got != want {
			t.Errorf("StageStatus(%d).String() = %q, want %q", status, got, want)
		}
	}
}
