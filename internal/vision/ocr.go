package vision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/railsight/railsight/internal/monitoring"
)

// TextReader extracts a wagon identification number from a region of a frame.
// Implementations may block; they run on the OCR worker pool, never on a
// camera lane.
type TextReader interface {
	ReadText(ctx context.Context, frame *Frame, region Rect) (text string, confidence float64, err error)
}

// OCRJob is one queued readout request. It retains its frame, so queue depth
// bounds memory held for pending OCR.
type OCRJob struct {
	Camera     CameraID
	TrackID    int64
	Frame      *Frame
	Region     Rect
	EnqueuedAt time.Time
}

// OCRPool runs wagon-number extraction decoupled from the per-frame budget:
// a bounded job queue drained by a fixed set of workers. When the queue is
// full the oldest pending job is dropped and logged; Enqueue never blocks a
// camera lane.
type OCRPool struct {
	reader  TextReader
	workers int
	jobs    chan *OCRJob
	publish func(WagonNumber)

	drops    *monitoring.Counter
	failures *monitoring.Counter

	wg sync.WaitGroup
}

// NewOCRPool creates a pool with the given queue depth and worker count.
// publish receives each successful readout; it must be cheap or hand off.
func NewOCRPool(reader TextReader, queueDepth, workers int, publish func(WagonNumber)) *OCRPool {
	return &OCRPool{
		reader:   reader,
		workers:  workers,
		jobs:     make(chan *OCRJob, queueDepth),
		publish:  publish,
		drops:    monitoring.GetCounter("ocr_queue_drops"),
		failures: monitoring.GetCounter("ocr_read_failures"),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained.
func (p *OCRPool) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Wait()
}

// Enqueue adds a job without blocking. On a full queue the oldest pending job
// is evicted to make room; the incoming job is only counted dropped in the
// pathological case where the queue refills between the evict and the retry.
func (p *OCRPool) Enqueue(job *OCRJob) {
	select {
	case p.jobs <- job:
		return
	default:
	}

	// Queue full: evict the oldest pending job, then retry once.
	select {
	case old := <-p.jobs:
		p.drops.Inc()
		monitoring.Logf("[OCR] queue full, dropped oldest job (camera=%s track=%d queued=%v)",
			old.Camera, old.TrackID, time.Since(old.EnqueuedAt))
	default:
	}

	select {
	case p.jobs <- job:
	default:
		p.drops.Inc()
		monitoring.Logf("[OCR] queue full, dropped incoming job (camera=%s track=%d)", job.Camera, job.TrackID)
	}
}

// Pending returns the current queue length.
func (p *OCRPool) Pending() int { return len(p.jobs) }

func (p *OCRPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.process(ctx, job)
		}
	}
}

func (p *OCRPool) process(ctx context.Context, job *OCRJob) {
	text, confidence, err := p.reader.ReadText(ctx, job.Frame, job.Region)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failures.Inc()
		monitoring.Logf("[OCR] read failed for camera=%s track=%d: %v", job.Camera, job.TrackID, err)
		return
	}
	if text == "" {
		return
	}
	if p.publish != nil {
		p.publish(WagonNumber{
			CameraID:   job.Camera,
			TrackID:    job.TrackID,
			Text:       text,
			Confidence: confidence,
			ReadAt:     time.Now(),
		})
	}
}

// StubTextReader fabricates deterministic wagon numbers from track identity.
// Used by the simulator and tests in place of a real OCR engine.
type StubTextReader struct {
	// Latency simulates per-readout processing time.
	Latency time.Duration
}

// ReadText implements TextReader.
func (s *StubTextReader) ReadText(ctx context.Context, frame *Frame, region Rect) (string, float64, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
	// Eight-digit wagon numbers in the UIC style.
	return fmt.Sprintf("5%07d", uint64(frame.Sequence)%10000000), 0.85, nil
}
