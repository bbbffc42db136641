package sinkdb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/railsight/railsight/internal/vision"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite store that the Result Sink persists into.
type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the database at path, applies pragmas suited to a
// single-writer append-heavy workload, and runs pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	d := &DB{db}
	if err := d.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Note: we don't close m because it would close the underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// InsertResult persists one pipeline result.
func (db *DB) InsertResult(res *vision.PipelineResult) error {
	wasDeblurred, wasEnhanced := false, false
	if res.Enhancement != nil {
		wasDeblurred = res.Enhancement.WasDeblurred
		wasEnhanced = res.Enhancement.WasEnhanced
	}
	_, err := db.Exec(
		`INSERT INTO pipeline_results (
			camera_id, sequence, capture_time_ns, is_blurred, blur_score,
			blur_method, was_deblurred, was_enhanced, detection_count,
			track_count, wagon_count, ocr_pending, processing_ns, degraded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(res.CameraID), res.Sequence, res.CaptureTime.UnixNano(),
		res.Blur.IsBlurred, res.Blur.Score, string(res.Blur.Method),
		wasDeblurred, wasEnhanced, len(res.Detections),
		len(res.TrackIDs), res.WagonCount, res.OCRPending,
		int64(res.ProcessingTime), res.Degraded,
	)
	return err
}

// UpsertTrack writes or updates a track record.
func (db *DB) UpsertTrack(track vision.TrackedWagon) error {
	_, err := db.Exec(
		`INSERT INTO wagon_tracks (
			camera_id, track_id, state, confirmed, first_seq, last_seen_seq,
			box_x, box_y, box_w, box_h, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(camera_id, track_id) DO UPDATE SET
			state = excluded.state,
			confirmed = excluded.confirmed,
			last_seen_seq = excluded.last_seen_seq,
			box_x = excluded.box_x,
			box_y = excluded.box_y,
			box_w = excluded.box_w,
			box_h = excluded.box_h,
			updated_at = CURRENT_TIMESTAMP`,
		string(track.CameraID), track.TrackID, string(track.State), track.Confirmed,
		track.FirstSeq, track.LastSeenSeq,
		track.Box.X, track.Box.Y, track.Box.Width, track.Box.Height,
	)
	return err
}

// InsertWagonNumber persists an OCR readout.
func (db *DB) InsertWagonNumber(num vision.WagonNumber) error {
	_, err := db.Exec(
		`INSERT INTO wagon_numbers (camera_id, track_id, text, confidence, read_at_ns)
		 VALUES (?, ?, ?, ?, ?)`,
		string(num.CameraID), num.TrackID, num.Text, num.Confidence, num.ReadAt.UnixNano(),
	)
	return err
}

// InsertAlert persists a consecutive-degradation alert.
func (db *DB) InsertAlert(alert vision.CameraAlert) error {
	_, err := db.Exec(
		`INSERT INTO camera_alerts (alert_id, camera_id, streak, sequence, raised_at_ns)
		 VALUES (?, ?, ?, ?, ?)`,
		alert.AlertID, string(alert.CameraID), alert.Streak, alert.Sequence, alert.RaisedAt.UnixNano(),
	)
	return err
}

// ResultRow is a persisted pipeline result as served by the API.
type ResultRow struct {
	CameraID       string  `json:"camera_id"`
	Sequence       uint64  `json:"sequence"`
	CaptureTimeNs  int64   `json:"capture_time_ns"`
	IsBlurred      bool    `json:"is_blurred"`
	BlurScore      float64 `json:"blur_score"`
	BlurMethod     string  `json:"blur_method"`
	WasDeblurred   bool    `json:"was_deblurred"`
	WasEnhanced    bool    `json:"was_enhanced"`
	DetectionCount int     `json:"detection_count"`
	TrackCount     int     `json:"track_count"`
	WagonCount     int64   `json:"wagon_count"`
	ProcessingNs   int64   `json:"processing_ns"`
	Degraded       bool    `json:"degraded"`
}

// RecentResults returns up to limit most recent results, optionally filtered
// by camera (empty string matches all cameras).
func (db *DB) RecentResults(camera string, limit int) ([]ResultRow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT camera_id, sequence, capture_time_ns, is_blurred, blur_score,
			blur_method, was_deblurred, was_enhanced, detection_count, track_count,
			wagon_count, processing_ns, degraded
		FROM pipeline_results`
	args := []any{}
	if camera != "" {
		query += ` WHERE camera_id = ?`
		args = append(args, camera)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRow
	for rows.Next() {
		var r ResultRow
		if err := rows.Scan(&r.CameraID, &r.Sequence, &r.CaptureTimeNs, &r.IsBlurred,
			&r.BlurScore, &r.BlurMethod, &r.WasDeblurred, &r.WasEnhanced,
			&r.DetectionCount, &r.TrackCount, &r.WagonCount, &r.ProcessingNs, &r.Degraded); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CameraCount summarises one camera's persisted totals.
type CameraCount struct {
	CameraID       string `json:"camera_id"`
	Frames         int64  `json:"frames"`
	DegradedFrames int64  `json:"degraded_frames"`
	WagonCount     int64  `json:"wagon_count"`
	ConfirmedRead  int64  `json:"numbers_read"`
}

// CameraCounts aggregates frame and wagon totals per camera.
func (db *DB) CameraCounts() ([]CameraCount, error) {
	rows, err := db.Query(`
		SELECT r.camera_id,
			COUNT(*),
			SUM(CASE WHEN r.degraded THEN 1 ELSE 0 END),
			MAX(r.wagon_count),
			(SELECT COUNT(*) FROM wagon_numbers n WHERE n.camera_id = r.camera_id)
		FROM pipeline_results r
		GROUP BY r.camera_id
		ORDER BY r.camera_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CameraCount
	for rows.Next() {
		var c CameraCount
		if err := rows.Scan(&c.CameraID, &c.Frames, &c.DegradedFrames, &c.WagonCount, &c.ConfirmedRead); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AlertRow is a persisted camera alert.
type AlertRow struct {
	AlertID    string `json:"alert_id"`
	CameraID   string `json:"camera_id"`
	Streak     int    `json:"streak"`
	Sequence   uint64 `json:"sequence"`
	RaisedAtNs int64  `json:"raised_at_ns"`
}

// RecentAlerts returns up to limit most recent alerts.
func (db *DB) RecentAlerts(limit int) ([]AlertRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT alert_id, camera_id, streak, sequence, raised_at_ns
		FROM camera_alerts ORDER BY raised_at_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertRow
	for rows.Next() {
		var a AlertRow
		if err := rows.Scan(&a.AlertID, &a.CameraID, &a.Streak, &a.Sequence, &a.RaisedAtNs); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ProcessingTimes returns each persisted result's processing duration for one
// camera, oldest first. Used by the latency report.
func (db *DB) ProcessingTimes(camera string) ([]time.Duration, error) {
	rows, err := db.Query(
		`SELECT processing_ns FROM pipeline_results WHERE camera_id = ? ORDER BY id`, camera)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var ns int64
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, time.Duration(ns))
	}
	return out, rows.Err()
}
