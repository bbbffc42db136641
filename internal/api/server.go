package api

import (
	"bufio"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/railsight/railsight/internal/httputil"
	"github.com/railsight/railsight/internal/monitoring"
	"github.com/railsight/railsight/internal/sinkdb"
	"github.com/railsight/railsight/internal/vision"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// TrackerDirectory exposes live tracker snapshots per camera. Implemented by
// the process wiring; nil camera lists are fine before any frame arrives.
type TrackerDirectory interface {
	Cameras() []vision.CameraID
	TrackerStats(camera vision.CameraID) (vision.TrackerStats, bool)
	ActiveTracks(camera vision.CameraID) []vision.TrackedWagon
}

// Server serves the monitoring REST API and the live result feed.
type Server struct {
	db       *sinkdb.DB
	trackers TrackerDirectory
	live     *Broadcaster
}

// NewServer creates an API server over the sink database and live trackers.
func NewServer(db *sinkdb.DB, trackers TrackerDirectory, live *Broadcaster) *Server {
	return &Server{db: db, trackers: trackers, live: live}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := lrw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/api/results", s.listResults)
	mux.HandleFunc("/api/counts", s.listCounts)
	mux.HandleFunc("/api/alerts", s.listAlerts)
	mux.HandleFunc("/api/tracks", s.listTracks)
	mux.HandleFunc("/api/metrics", s.listMetrics)
	if s.live != nil {
		mux.HandleFunc("/live", s.live.Handle)
	}
	return mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":    "ok",
		"service":   "wagonmon",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	results, err := s.db.RecentResults(r.URL.Query().Get("camera_id"), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if results == nil {
		results = []sinkdb.ResultRow{}
	}
	httputil.WriteJSONOK(w, results)
}

func (s *Server) listCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.CameraCounts()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if counts == nil {
		counts = []sinkdb.CameraCount{}
	}
	httputil.WriteJSONOK(w, counts)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}
	alerts, err := s.db.RecentAlerts(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if alerts == nil {
		alerts = []sinkdb.AlertRow{}
	}
	httputil.WriteJSONOK(w, alerts)
}

// listTracks serves live track tables straight from the per-camera trackers.
func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	if s.trackers == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no trackers registered")
		return
	}

	type cameraTracks struct {
		CameraID vision.CameraID       `json:"camera_id"`
		Stats    vision.TrackerStats   `json:"stats"`
		Tracks   []vision.TrackedWagon `json:"tracks"`
	}

	cameraFilter := vision.CameraID(r.URL.Query().Get("camera_id"))
	out := []cameraTracks{}
	for _, cam := range s.trackers.Cameras() {
		if cameraFilter != "" && cam != cameraFilter {
			continue
		}
		stats, ok := s.trackers.TrackerStats(cam)
		if !ok {
			continue
		}
		tracks := s.trackers.ActiveTracks(cam)
		if tracks == nil {
			tracks = []vision.TrackedWagon{}
		}
		out = append(out, cameraTracks{CameraID: cam, Stats: stats, Tracks: tracks})
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listMetrics(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, monitoring.Snapshot())
}
