package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/railsight/railsight/internal/monitoring"
	"github.com/railsight/railsight/internal/vision"
)

// Config holds the stage components and budgets for one camera's orchestrator.
type Config struct {
	Camera   vision.CameraID
	Assessor *vision.BlurAssessor
	Enhancer *vision.Enhancer
	Detector vision.Detector
	Tracker  *vision.Tracker
	OCR      *vision.OCRPool // optional; nil disables OCR dispatch
	Sink     ResultSink

	BlurBudget     time.Duration // hard cap for the blur assessor
	DetectorBudget time.Duration // detector calls exceeding this are abandoned
	FrameBudget    time.Duration // end-to-end budget for the synchronous portion
	AlertStreak    int           // consecutive degraded results that raise an alert
}

// Orchestrator sequences the per-frame stages for a single camera: blur
// assessment, conditional enhancement, detection, tracking, and decoupled OCR
// dispatch. Stage failures and budget overruns are recovered locally by the
// fallback policy; the orchestrator emits exactly one PipelineResult for
// every frame it is handed, fallback paths included.
//
// An Orchestrator is owned by one camera lane and is not safe for concurrent
// ProcessFrame calls.
type Orchestrator struct {
	cfg Config

	// Stale-detection fallback state: the last successful detector output
	// for this camera.
	lastDetections []vision.Detection

	// Last frame that passed blur assessment as sharp, retained for
	// fallback display.
	lastGoodFrame *vision.Frame

	degradedStreak int

	budgetOverruns *monitoring.Counter
	stagePanics    *monitoring.Counter
}

// NewOrchestrator creates an orchestrator for one camera.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	return &Orchestrator{
		cfg:            cfg,
		budgetOverruns: monitoring.GetCounter("frame_budget_overruns"),
		stagePanics:    monitoring.GetCounter("stage_panics"),
	}
}

// ProcessFrame runs one frame through the full stage sequence and publishes
// the result to the sink. The returned result is the same one published.
func (o *Orchestrator) ProcessFrame(ctx context.Context, frame *vision.Frame) *vision.PipelineResult {
	start := time.Now()

	res := &vision.PipelineResult{
		CameraID:    frame.CameraID,
		Sequence:    frame.Sequence,
		CaptureTime: frame.CaptureTime,
	}
	degraded := false

	// Stage 1: blur assessment. Errors and cap overruns fall back to a
	// sharp verdict so the pipeline always has a usable assessment.
	blurOutcome, assessment := o.runBlur(frame)
	if !blurOutcome.ok() {
		assessment = vision.BlurAssessment{IsBlurred: false, Method: vision.MethodUnknown}
		opsf("[%s] blur stage %s (%v), proceeding unblurred: %v",
			frame.CameraID, blurOutcome.Status, blurOutcome.Elapsed, blurOutcome.Err)
	}
	res.Blur = assessment

	// Stage 2: conditional enhancement. The enhancer enforces its own
	// budget and reverts to the original frame on overrun.
	detectInput := frame
	if assessment.IsBlurred {
		outcome, enhanced := o.runEnhance(frame, assessment)
		res.Enhancement = &outcome
		if outcome.Skipped {
			diagf("[%s] seq=%d enhancement skipped on budget", frame.CameraID, frame.Sequence)
		} else if enhanced != nil {
			detectInput = enhanced
		}
	} else {
		o.lastGoodFrame = frame
	}

	// Stage 3: detection, abandoned on budget overrun. Fallback reuses the
	// previous frame's detections so tracking continuity survives a slow
	// or failing model.
	detOutcome, detections := o.runDetect(ctx, detectInput)
	if detOutcome.ok() {
		o.lastDetections = detections
	} else {
		detections = o.lastDetections
		degraded = true
		opsf("[%s] detector %s after %v, reusing %d stale detections",
			frame.CameraID, detOutcome.Status, detOutcome.Elapsed, len(detections))
	}
	res.Detections = detections

	// Stage 4: tracking. A tracker fault drops this frame's detections
	// from tracking only; tracks persist and age out via the miss rule.
	trackOutcome, update := o.runTrack(detections, frame.Sequence)
	if trackOutcome.ok() {
		res.TrackIDs = activeIDs(update.TrackIDs)
		res.NewlyConfirmed = update.NewlyConfirmed
	} else {
		degraded = true
		opsf("[%s] tracker %s on seq=%d, detections dropped from tracking: %v",
			frame.CameraID, trackOutcome.Status, frame.Sequence, trackOutcome.Err)
	}
	res.WagonCount = o.cfg.Tracker.WagonCount()

	// Stage 5: decoupled OCR dispatch for newly confirmed wagons.
	if o.cfg.OCR != nil && len(update.NewlyConfirmed) > 0 {
		o.dispatchOCR(frame, detections, update)
		res.OCRPending = true
	}

	res.Degraded = degraded
	res.ProcessingTime = time.Since(start)

	if res.ProcessingTime > o.cfg.FrameBudget {
		o.budgetOverruns.Inc()
		opsf("[%s] seq=%d frame took %v, budget %v", frame.CameraID, frame.Sequence, res.ProcessingTime, o.cfg.FrameBudget)
	}

	o.advanceStreak(res)

	tracef("[%s] seq=%d blur=%v dets=%d tracks=%d degraded=%v in %v",
		frame.CameraID, frame.Sequence, assessment.IsBlurred, len(detections), len(res.TrackIDs), degraded, res.ProcessingTime)

	o.cfg.Sink.PublishResult(res)
	return res
}

// LastGoodFrame returns the most recent frame assessed sharp, or nil.
func (o *Orchestrator) LastGoodFrame() *vision.Frame { return o.lastGoodFrame }

// runBlur executes the assessor under the hard cap with panic containment.
func (o *Orchestrator) runBlur(frame *vision.Frame) (outcome StageOutcome, assessment vision.BlurAssessment) {
	start := time.Now()
	err := o.contained("blur", func() {
		assessment = o.cfg.Assessor.Assess(frame)
	})
	outcome.Elapsed = time.Since(start)
	switch {
	case err != nil:
		outcome.Status, outcome.Err = StageErrored, err
	case outcome.Elapsed > o.cfg.BlurBudget:
		outcome.Status = StageTimeout
	default:
		outcome.Status = StageOK
	}
	return outcome, assessment
}

// runEnhance executes the enhancer; a panic or an internal budget skip leaves
// the original frame in play. Returns the enhanced frame when one was built.
func (o *Orchestrator) runEnhance(frame *vision.Frame, assessment vision.BlurAssessment) (vision.EnhancementOutcome, *vision.Frame) {
	var out vision.EnhancementOutcome
	err := o.contained("enhance", func() {
		out = o.cfg.Enhancer.Enhance(frame, assessment)
	})
	if err != nil {
		return vision.EnhancementOutcome{Skipped: true}, nil
	}
	if out.Pix == nil {
		return out, nil
	}
	enhanced := &vision.Frame{
		CameraID:    frame.CameraID,
		Sequence:    frame.Sequence,
		CaptureTime: frame.CaptureTime,
		Pix:         out.Pix,
		Width:       frame.Width,
		Height:      frame.Height,
		Stride:      frame.Width,
	}
	return out, enhanced
}

// runDetect calls the detector with a deadline and abandons the call on
// overrun. An abandoned call's goroutine finishes in the background; its
// output is discarded.
func (o *Orchestrator) runDetect(ctx context.Context, frame *vision.Frame) (StageOutcome, []vision.Detection) {
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, o.cfg.DetectorBudget)
	defer cancel()

	type detectReply struct {
		dets []vision.Detection
		err  error
	}
	done := make(chan detectReply, 1)
	go func() {
		var reply detectReply
		err := o.contained("detect", func() {
			reply.dets, reply.err = o.cfg.Detector.Detect(dctx, frame)
		})
		if err != nil {
			reply.err = err
		}
		done <- reply
	}()

	select {
	case reply := <-done:
		elapsed := time.Since(start)
		if reply.err != nil {
			if dctx.Err() != nil {
				return StageOutcome{Status: StageTimeout, Elapsed: elapsed, Err: reply.err}, nil
			}
			return StageOutcome{Status: StageErrored, Elapsed: elapsed, Err: reply.err}, nil
		}
		return StageOutcome{Status: StageOK, Elapsed: elapsed}, reply.dets
	case <-dctx.Done():
		return StageOutcome{Status: StageTimeout, Elapsed: time.Since(start), Err: dctx.Err()}, nil
	}
}

// runTrack updates the track table with panic containment.
func (o *Orchestrator) runTrack(detections []vision.Detection, seq uint64) (StageOutcome, vision.UpdateOutcome) {
	start := time.Now()
	var update vision.UpdateOutcome
	err := o.contained("track", func() {
		update = o.cfg.Tracker.Update(detections, seq)
	})
	outcome := StageOutcome{Status: StageOK, Elapsed: time.Since(start)}
	if err != nil {
		outcome.Status, outcome.Err = StageErrored, err
	}
	return outcome, update
}

// dispatchOCR enqueues readout jobs for tracks confirmed on this frame, using
// the matched detection box as the text region.
func (o *Orchestrator) dispatchOCR(frame *vision.Frame, detections []vision.Detection, update vision.UpdateOutcome) {
	for _, trackID := range update.NewlyConfirmed {
		region := regionForTrack(trackID, detections, update.TrackIDs)
		o.cfg.OCR.Enqueue(&vision.OCRJob{
			Camera:     frame.CameraID,
			TrackID:    trackID,
			Frame:      frame,
			Region:     region,
			EnqueuedAt: time.Now(),
		})
	}
}

func regionForTrack(trackID int64, detections []vision.Detection, trackIDs []int64) vision.Rect {
	for i, id := range trackIDs {
		if id == trackID && i < len(detections) {
			return detections[i].Box
		}
	}
	return vision.Rect{}
}

// advanceStreak maintains the consecutive-degradation counter and raises the
// camera alert exactly once per streak when it crosses the threshold.
func (o *Orchestrator) advanceStreak(res *vision.PipelineResult) {
	if !res.Degraded {
		o.degradedStreak = 0
		return
	}
	o.degradedStreak++
	if o.degradedStreak == o.cfg.AlertStreak {
		res.Alert = true
		alert := vision.CameraAlert{
			AlertID:  uuid.NewString(),
			CameraID: res.CameraID,
			Streak:   o.degradedStreak,
			Sequence: res.Sequence,
			RaisedAt: time.Now(),
		}
		opsf("[%s] %d consecutive degraded frames, raising alert %s", res.CameraID, o.degradedStreak, alert.AlertID)
		o.cfg.Sink.PublishAlert(alert)
	}
}

// contained runs fn and converts a panic into an error, so no stage fault can
// propagate up to the camera lane.
func (o *Orchestrator) contained(stage string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.stagePanics.Inc()
			err = fmt.Errorf("%s stage panic: %v", stage, r)
		}
	}()
	fn()
	return nil
}

// activeIDs filters out the -1 placeholders for detections that neither
// matched nor seeded a track.
func activeIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id >= 0 {
			out = append(out, id)
		}
	}
	return out
}
