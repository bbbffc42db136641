package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/railsight/railsight/internal/vision"
)

// notifySink signals each published result on a channel so tests can pace
// frame delivery against processing.
type notifySink struct {
	captureSink
	done chan *vision.PipelineResult
}

func newNotifySink(depth int) *notifySink {
	return &notifySink{done: make(chan *vision.PipelineResult, depth)}
}

func (s *notifySink) PublishResult(res *vision.PipelineResult) {
	s.captureSink.PublishResult(res)
	s.done <- res
}

func newTestLane(camera vision.CameraID, sink ResultSink) *Lane {
	return NewLane(camera, NewOrchestrator(testConfig(camera, sink, vision.NewSyntheticDetector())))
}

func TestLaneNewestFrameWins(t *testing.T) {
	// The lane is not running, so the mailbox accumulates.
	lane := newTestLane("cam/a", NopSink{})

	lane.Offer(sharpFrame("cam/a", 1))
	lane.Offer(sharpFrame("cam/a", 2))
	lane.Offer(sharpFrame("cam/a", 3))

	if lane.pending == nil || lane.pending.Sequence != 3 {
		t.Fatalf("mailbox should hold the newest frame, got %+v", lane.pending)
	}
}

func TestLaneRejectsReorderedFrames(t *testing.T) {
	lane := newTestLane("cam/a", NopSink{})

	lane.Offer(sharpFrame("cam/a", 5))
	lane.Offer(sharpFrame("cam/a", 4)) // out of order
	lane.Offer(sharpFrame("cam/a", 5)) // duplicate

	if lane.pending.Sequence != 5 {
		t.Errorf("reordered frame must not replace the mailbox, got seq %d", lane.pending.Sequence)
	}
	if lane.lastSeq != 5 {
		t.Errorf("lastSeq should remain 5, got %d", lane.lastSeq)
	}
}

func TestLaneToleratesSequenceGaps(t *testing.T) {
	lane := newTestLane("cam/a", NopSink{})

	lane.Offer(sharpFrame("cam/a", 10))
	lane.Offer(sharpFrame("cam/a", 50)) // gap is fine

	if lane.pending.Sequence != 50 {
		t.Errorf("gapped frame should be accepted, got seq %d", lane.pending.Sequence)
	}
}

func TestLaneProcessesInOrder(t *testing.T) {
	sink := newNotifySink(16)
	lane := newTestLane("cam/a", sink)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lane.Run(ctx)
	}()

	// Pace offers against results so nothing is dropped.
	for seq := uint64(1); seq <= 10; seq++ {
		lane.Offer(sharpFrame("cam/a", seq))
		select {
		case res := <-sink.done:
			if res.Sequence != seq {
				t.Errorf("expected result for seq %d, got %d", seq, res.Sequence)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for seq %d", seq)
		}
	}

	if got := lane.Processed(); got != 10 {
		t.Errorf("expected 10 processed frames, got %d", got)
	}

	cancel()
	wg.Wait()
}

func TestLaneStopsOnCancellation(t *testing.T) {
	lane := newTestLane("cam/a", NopSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		lane.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lane did not stop on cancellation")
	}

	// Offers after stop are discarded, not queued.
	lane.Offer(sharpFrame("cam/a", 1))
	if lane.pending != nil {
		t.Error("stopped lane must not accept frames")
	}
}

func TestManagerSpawnsLanePerCamera(t *testing.T) {
	sink := newNotifySink(64)
	m := NewManager(func(camera vision.CameraID) *Orchestrator {
		return NewOrchestrator(testConfig(camera, sink, vision.NewSyntheticDetector()))
	})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	m.Offer(sharpFrame("cam/a", 1))
	m.Offer(sharpFrame("cam/b", 1))
	m.Offer(sharpFrame("cam/a", 2))

	if got := len(m.Cameras()); got != 2 {
		t.Errorf("expected 2 lanes, got %d", got)
	}
	if m.Lane("cam/a") == nil || m.Lane("cam/b") == nil {
		t.Error("both cameras should have lanes")
	}
	if m.Lane("cam/c") != nil {
		t.Error("unknown camera should have no lane")
	}

	cancel()
	m.Wait()
}

// Three cameras, 300 frames each, paced like a live feed, with a scripted 1%
// of frames hitting the detector-timeout fallback. Every offered frame must
// produce exactly one result per camera in order, cameras never blocking each
// other, and degraded frames must reuse the previous detections.
func TestManagerThreeCameraSoak(t *testing.T) {
	if testing.Short() {
		t.Skip("soak test")
	}

	const (
		cameras       = 3
		framesPerCam  = 300
		detectorLimit = 25 * time.Millisecond
	)

	sinks := make(map[vision.CameraID]*notifySink, cameras)
	var sinkMu sync.Mutex

	m := NewManager(func(camera vision.CameraID) *Orchestrator {
		det := vision.NewSyntheticDetector()
		det.Stall = func(seq uint64) time.Duration {
			// Every 100th frame overruns the detector budget.
			if seq%100 == 0 {
				return 200 * time.Millisecond
			}
			return 0
		}
		cfg := testConfig(camera, nil, det)
		cfg.DetectorBudget = detectorLimit
		sinkMu.Lock()
		sink := sinks[camera]
		sinkMu.Unlock()
		cfg.Sink = sink
		return NewOrchestrator(cfg)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	var wg sync.WaitGroup
	errs := make(chan error, cameras)
	for c := 0; c < cameras; c++ {
		camera := vision.CameraID(fmt.Sprintf("cam/soak-%d", c))
		sink := newNotifySink(framesPerCam)
		sinkMu.Lock()
		sinks[camera] = sink
		sinkMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(1); seq <= framesPerCam; seq++ {
				m.Offer(sharpFrame(camera, seq))
				select {
				case res := <-sink.done:
					if res.Sequence != seq {
						errs <- fmt.Errorf("%s: expected seq %d, got %d", camera, seq, res.Sequence)
						return
					}
				case <-time.After(5 * time.Second):
					errs <- fmt.Errorf("%s: timed out waiting for seq %d", camera, seq)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	for camera, sink := range sinks {
		if got := len(sink.results); got != framesPerCam {
			t.Errorf("%s: expected %d results, got %d", camera, framesPerCam, got)
		}

		degraded := 0
		for i, res := range sink.results {
			if res.Sequence%100 == 0 {
				if !res.Degraded {
					t.Errorf("%s: seq %d should be degraded", camera, res.Sequence)
				}
				degraded++
				// Fallback reuses the previous frame's detections.
				if i > 0 && len(res.Detections) != len(sink.results[i-1].Detections) {
					t.Errorf("%s: seq %d fallback should reuse previous detections", camera, res.Sequence)
				}
			} else if res.Degraded {
				t.Errorf("%s: seq %d unexpectedly degraded", camera, res.Sequence)
			}
		}
		if degraded != framesPerCam/100 {
			t.Errorf("%s: expected %d degraded frames, got %d", camera, framesPerCam/100, degraded)
		}

		// Stalls are well below the alert streak, so no alerts fire.
		if got := len(sink.alerts); got != 0 {
			t.Errorf("%s: expected no alerts, got %d", camera, got)
		}
	}
}
