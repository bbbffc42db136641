package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/railsight/railsight/internal/api"
	"github.com/railsight/railsight/internal/config"
	"github.com/railsight/railsight/internal/monitoring"
	"github.com/railsight/railsight/internal/sinkdb"
	"github.com/railsight/railsight/internal/version"
	"github.com/railsight/railsight/internal/vision"
	"github.com/railsight/railsight/internal/vision/pipeline"
)

var (
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	dbFile        = flag.String("db", "wagon_monitoring.db", "Path to the SQLite database file")
	configFile    = flag.String("config", "", "Path to JSON tuning config (optional)")
	verbose       = flag.Bool("verbose", false, "Enable diagnostic pipeline logging")
	trace         = flag.Bool("trace", false, "Enable per-frame trace logging (noisy)")
	flushInterval = flag.Duration("track-flush-interval", 5*time.Second, "How often live track tables are flushed to the database")

	simulate   = flag.Bool("simulate", false, "Feed synthetic frames instead of waiting for a frame source")
	simCameras = flag.Int("sim-cameras", 3, "Number of simulated cameras")
	simFrames  = flag.Int("sim-frames", 300, "Frames per simulated camera (0 = run until interrupted)")
	simFPS     = flag.Float64("sim-fps", 30, "Simulated capture rate per camera")

	showVersion = flag.Bool("version", false, "Print version information and exit")
)

// trackerRegistry maps cameras to their trackers for API snapshot reads.
// Lanes register trackers at creation; reads are lock-protected snapshots.
type trackerRegistry struct {
	mu       sync.RWMutex
	trackers map[vision.CameraID]*vision.Tracker
}

func newTrackerRegistry() *trackerRegistry {
	return &trackerRegistry{trackers: make(map[vision.CameraID]*vision.Tracker)}
}

func (r *trackerRegistry) add(camera vision.CameraID, t *vision.Tracker) {
	r.mu.Lock()
	r.trackers[camera] = t
	r.mu.Unlock()
}

func (r *trackerRegistry) Cameras() []vision.CameraID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]vision.CameraID, 0, len(r.trackers))
	for id := range r.trackers {
		out = append(out, id)
	}
	return out
}

func (r *trackerRegistry) TrackerStats(camera vision.CameraID) (vision.TrackerStats, bool) {
	r.mu.RLock()
	t, ok := r.trackers[camera]
	r.mu.RUnlock()
	if !ok {
		return vision.TrackerStats{}, false
	}
	return t.Stats(), true
}

func (r *trackerRegistry) ActiveTracks(camera vision.CameraID) []vision.TrackedWagon {
	r.mu.RLock()
	t, ok := r.trackers[camera]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return t.ActiveTracks()
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("wagonmon %s (commit %s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}

	// Pipeline log streams: ops always on, diag/trace by flag.
	var diagWriter, traceWriter io.Writer
	if *verbose {
		diagWriter = os.Stderr
	}
	if *trace {
		traceWriter = os.Stderr
	}
	pipeline.SetLogWriters(os.Stderr, diagWriter, traceWriter)

	tuning := config.EmptyTuningConfig()
	if *configFile != "" {
		loaded, err := config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		tuning = loaded
		log.Printf("Loaded tuning config from %s", *configFile)
	}

	db, err := sinkdb.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open sink database: %v", err)
	}
	defer db.Close()

	runID := uuid.NewString()
	log.Printf("wagonmon %s starting (run %s, db %s)", version.Version, runID, *dbFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// Result Sink: async sqlite writer plus websocket broadcaster.
	sink := sinkdb.NewSink(db, 4096)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sink.Run(ctx)
		log.Print("Sink writer terminated")
	}()

	broadcaster := api.NewBroadcaster()

	// OCR worker pool, decoupled from the per-frame budget.
	ocrPool := vision.NewOCRPool(
		&vision.StubTextReader{Latency: 20 * time.Millisecond},
		tuning.GetOCRQueueDepth(),
		tuning.GetOCRWorkers(),
		sink.PublishWagonNumber,
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ocrPool.Run(ctx)
		log.Print("OCR pool terminated")
	}()

	// One lane per camera; the factory builds the full stage chain.
	registry := newTrackerRegistry()
	manager := pipeline.NewManager(func(camera vision.CameraID) *pipeline.Orchestrator {
		tracker := vision.NewTracker(camera, vision.TrackerConfig{
			IoUThreshold:        tuning.GetIoUMatchThreshold(),
			ConfirmFrames:       tuning.GetTrackConfirmFrames(),
			StaleEvictionFrames: tuning.GetTrackStaleEvictionFrames(),
			MaxTracks:           tuning.GetMaxTracks(),
			HistoryLen:          32,
		})
		registry.add(camera, tracker)

		detector := vision.NewDetectorWrapper(
			newDetector(camera),
			tuning.GetDetectorConfidenceThreshold(),
			tuning.GetDetectorNMSThreshold(),
		)

		return pipeline.NewOrchestrator(pipeline.Config{
			Camera:   camera,
			Assessor: vision.NewBlurAssessor(tuning.GetBlurThreshold()),
			Enhancer: vision.NewEnhancer(
				tuning.GetEnableDeblur(),
				tuning.GetEnableEnhancement(),
				tuning.GetEnhanceBudget(),
			),
			Detector:       detector,
			Tracker:        tracker,
			OCR:            ocrPool,
			Sink:           pipeline.MultiSink{sink, broadcaster},
			BlurBudget:     tuning.GetBlurBudget(),
			DetectorBudget: tuning.GetDetectorBudget(),
			FrameBudget:    tuning.GetPerFrameBudget(),
			AlertStreak:    tuning.GetDegradedAlertStreak(),
		})
	})
	manager.Start(ctx)

	// Periodic track flusher keeps the wagon_tracks table close to live.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(*flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, camera := range registry.Cameras() {
					for _, track := range registry.ActiveTracks(camera) {
						sink.PublishTrack(track)
					}
				}
			}
		}
	}()

	// HTTP server
	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(api.NewServer(db, registry, broadcaster).ServeMux()),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	if *simulate {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSimulation(ctx, manager)
			log.Print("Simulation finished")
		}()
	} else {
		log.Print("No frame source configured; waiting for frames (use -simulate for a demo run)")
	}

	wg.Wait()
	manager.Wait()
	log.Printf("Graceful shutdown complete")
}

// newDetector returns the per-camera detection backend. The synthetic
// detector drives simulation; real deployments attach an ONNX or gocv-backed
// implementation here.
func newDetector(camera vision.CameraID) vision.Detector {
	if *simulate {
		return vision.NewSyntheticDetector()
	}
	return vision.NewContourDetector()
}

// runSimulation feeds deterministic synthetic frames for every simulated
// camera at the configured rate.
func runSimulation(ctx context.Context, manager *pipeline.Manager) {
	interval := time.Duration(float64(time.Second) / *simFPS)
	var simWG sync.WaitGroup
	for c := 0; c < *simCameras; c++ {
		camera := vision.CameraID(fmt.Sprintf("cam/sim-%02d", c))
		simWG.Add(1)
		go func() {
			defer simWG.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			seq := uint64(0)
			for *simFrames == 0 || seq < uint64(*simFrames) {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					seq++
					manager.Offer(syntheticFrame(camera, seq))
				}
			}
		}()
	}
	simWG.Wait()
	monitoring.Logf("simulation complete: %d cameras x %d frames", *simCameras, *simFrames)
}

// syntheticFrame builds a deterministic 640x480 test frame. Every tenth
// frame is a flat low-variance image that exercises the blur path.
func syntheticFrame(camera vision.CameraID, seq uint64) *vision.Frame {
	const w, h = 640, 480
	pix := make([]byte, w*h)
	if seq%10 == 0 {
		for i := range pix {
			pix[i] = 96
		}
	} else {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = byte((x ^ y) + int(seq))
			}
		}
	}
	return &vision.Frame{
		CameraID:    camera,
		Sequence:    seq,
		CaptureTime: time.Now(),
		Pix:         pix,
		Width:       w,
		Height:      h,
		Stride:      w,
	}
}
