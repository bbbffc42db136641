package pipeline

import (
	"time"

	"github.com/railsight/railsight/internal/vision"
)

// StageStatus tags the outcome of one pipeline stage. Fallback policy is a
// pure function of the accumulated tags rather than nested error handling.
type StageStatus uint8

const (
	StageOK StageStatus = iota
	StageTimeout
	StageErrored
	StageSkipped
)

// String returns the status name for logs.
func (s StageStatus) String() string {
	switch s {
	case StageOK:
		return "ok"
	case StageTimeout:
		return "timeout"
	case StageErrored:
		return "errored"
	case StageSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// StageOutcome records one stage's status and elapsed time.
type StageOutcome struct {
	Status  StageStatus
	Elapsed time.Duration
	Err     error
}

// ok reports whether the stage produced a usable fresh output.
func (o StageOutcome) ok() bool { return o.Status == StageOK }

// ResultSink receives pipeline outputs. Implementations own their retry/drop
// policy; the orchestrator fires and forgets and never blocks on a sink.
type ResultSink interface {
	// PublishResult receives exactly one result per ingested frame.
	PublishResult(res *vision.PipelineResult)
	// PublishAlert receives consecutive-degradation alerts.
	PublishAlert(alert vision.CameraAlert)
}

// NopSink discards everything. Useful for tests and benchmarks.
type NopSink struct{}

func (NopSink) PublishResult(*vision.PipelineResult) {}
func (NopSink) PublishAlert(vision.CameraAlert)      {}

// MultiSink fans out to several sinks in order. Each member owns its own
// non-blocking delivery, so fan-out stays fire-and-forget.
type MultiSink []ResultSink

func (m MultiSink) PublishResult(res *vision.PipelineResult) {
	for _, s := range m {
		s.PublishResult(res)
	}
}

func (m MultiSink) PublishAlert(alert vision.CameraAlert) {
	for _, s := range m {
		s.PublishAlert(alert)
	}
}
