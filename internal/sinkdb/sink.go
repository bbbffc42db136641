package sinkdb

import (
	"context"

	"github.com/railsight/railsight/internal/monitoring"
	"github.com/railsight/railsight/internal/vision"
)

// sinkEvent is one queued write. Exactly one field is set.
type sinkEvent struct {
	res   *vision.PipelineResult
	alert *vision.CameraAlert
	num   *vision.WagonNumber
	track *vision.TrackedWagon
}

// Sink is an asynchronous persistence writer behind a bounded queue.
// Publishers never block: when the queue is full the incoming event is
// dropped and counted, which keeps camera lanes insulated from sqlite
// stalls.
type Sink struct {
	db     *DB
	events chan sinkEvent

	drops    *monitoring.Counter
	failures *monitoring.Counter
}

// NewSink creates a sink writing to db with the given queue depth.
func NewSink(db *DB, queueDepth int) *Sink {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &Sink{
		db:       db,
		events:   make(chan sinkEvent, queueDepth),
		drops:    monitoring.GetCounter("sink_queue_drops"),
		failures: monitoring.GetCounter("sink_write_failures"),
	}
}

// Run drains the queue until ctx is cancelled, then flushes whatever is
// already queued before returning.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-s.events:
					s.write(ev)
				default:
					return
				}
			}
		case ev := <-s.events:
			s.write(ev)
		}
	}
}

func (s *Sink) write(ev sinkEvent) {
	var err error
	switch {
	case ev.res != nil:
		err = s.db.InsertResult(ev.res)
	case ev.alert != nil:
		err = s.db.InsertAlert(*ev.alert)
	case ev.num != nil:
		err = s.db.InsertWagonNumber(*ev.num)
	case ev.track != nil:
		err = s.db.UpsertTrack(*ev.track)
	}
	if err != nil {
		s.failures.Inc()
		monitoring.Logf("[Sink] write failed: %v", err)
	}
}

func (s *Sink) offer(ev sinkEvent) {
	select {
	case s.events <- ev:
	default:
		s.drops.Inc()
	}
}

// PublishResult implements pipeline.ResultSink.
func (s *Sink) PublishResult(res *vision.PipelineResult) { s.offer(sinkEvent{res: res}) }

// PublishAlert implements pipeline.ResultSink.
func (s *Sink) PublishAlert(alert vision.CameraAlert) { s.offer(sinkEvent{alert: &alert}) }

// PublishWagonNumber queues an OCR readout; wired as the OCR pool's publish
// callback.
func (s *Sink) PublishWagonNumber(num vision.WagonNumber) { s.offer(sinkEvent{num: &num}) }

// PublishTrack queues a track snapshot upsert; used by the periodic track
// flusher.
func (s *Sink) PublishTrack(track vision.TrackedWagon) { s.offer(sinkEvent{track: &track}) }
