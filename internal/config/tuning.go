package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig holds the runtime-tunable pipeline parameters. All fields are
// pointers so that a partial JSON file only overrides what it names; the Get*
// accessors supply defaults for everything else. The schema is shared by the
// startup config file and the /api/params endpoint.
type TuningConfig struct {
	// Blur assessor
	BlurThreshold *float64 `json:"blur_threshold,omitempty"`
	BlurBudgetMs  *int     `json:"blur_budget_ms,omitempty"`

	// Enhancer
	EnableDeblur      *bool `json:"enable_deblur,omitempty"`
	EnableEnhancement *bool `json:"enable_enhancement,omitempty"`
	EnhanceBudgetMs   *int  `json:"enhance_budget_ms,omitempty"`

	// Detector
	DetectorConfidenceThreshold *float64 `json:"detector_confidence_threshold,omitempty"`
	DetectorNMSThreshold        *float64 `json:"detector_nms_threshold,omitempty"`
	DetectorBudgetMs            *int     `json:"detector_budget_ms,omitempty"`

	// Tracker
	IoUMatchThreshold        *float64 `json:"iou_match_threshold,omitempty"`
	TrackConfirmFrames       *int     `json:"track_confirm_frames,omitempty"`
	TrackStaleEvictionFrames *int     `json:"track_stale_eviction_frames,omitempty"`
	MaxTracks                *int     `json:"max_tracks,omitempty"`

	// Orchestrator
	PerFrameBudgetMs     *int `json:"per_frame_budget_ms,omitempty"`
	DegradedAlertStreak  *int `json:"degraded_alert_streak,omitempty"`

	// OCR dispatch
	OCRQueueDepth *int `json:"ocr_queue_depth,omitempty"`
	OCRWorkers    *int `json:"ocr_workers,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted from
// the file retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *TuningConfig) Validate() error {
	if c.BlurThreshold != nil && *c.BlurThreshold < 0 {
		return fmt.Errorf("blur_threshold must be non-negative, got %f", *c.BlurThreshold)
	}
	if c.DetectorConfidenceThreshold != nil {
		if v := *c.DetectorConfidenceThreshold; v < 0 || v > 1 {
			return fmt.Errorf("detector_confidence_threshold must be in [0,1], got %f", v)
		}
	}
	if c.IoUMatchThreshold != nil {
		if v := *c.IoUMatchThreshold; v < 0 || v > 1 {
			return fmt.Errorf("iou_match_threshold must be in [0,1], got %f", v)
		}
	}
	if c.TrackConfirmFrames != nil && *c.TrackConfirmFrames < 1 {
		return fmt.Errorf("track_confirm_frames must be >= 1, got %d", *c.TrackConfirmFrames)
	}
	if c.TrackStaleEvictionFrames != nil && *c.TrackStaleEvictionFrames < 1 {
		return fmt.Errorf("track_stale_eviction_frames must be >= 1, got %d", *c.TrackStaleEvictionFrames)
	}
	if c.PerFrameBudgetMs != nil && *c.PerFrameBudgetMs < 1 {
		return fmt.Errorf("per_frame_budget_ms must be >= 1, got %d", *c.PerFrameBudgetMs)
	}
	if c.OCRQueueDepth != nil && *c.OCRQueueDepth < 1 {
		return fmt.Errorf("ocr_queue_depth must be >= 1, got %d", *c.OCRQueueDepth)
	}
	if c.OCRWorkers != nil && *c.OCRWorkers < 1 {
		return fmt.Errorf("ocr_workers must be >= 1, got %d", *c.OCRWorkers)
	}
	return nil
}

// GetBlurThreshold returns the blur_threshold value or the default.
// Calibrated against the laplacian-variance metric: scores below this are
// classified blurred.
func (c *TuningConfig) GetBlurThreshold() float64 {
	if c.BlurThreshold == nil {
		return 120.0
	}
	return *c.BlurThreshold
}

// GetBlurBudget returns the blur assessor's hard time budget.
func (c *TuningConfig) GetBlurBudget() time.Duration {
	if c.BlurBudgetMs == nil {
		return 15 * time.Millisecond
	}
	return time.Duration(*c.BlurBudgetMs) * time.Millisecond
}

// GetEnableDeblur returns the enable_deblur value or the default.
func (c *TuningConfig) GetEnableDeblur() bool {
	if c.EnableDeblur == nil {
		return true
	}
	return *c.EnableDeblur
}

// GetEnableEnhancement returns the enable_enhancement value or the default.
func (c *TuningConfig) GetEnableEnhancement() bool {
	if c.EnableEnhancement == nil {
		return true
	}
	return *c.EnableEnhancement
}

// GetEnhanceBudget returns the enhancer's hard time budget.
func (c *TuningConfig) GetEnhanceBudget() time.Duration {
	if c.EnhanceBudgetMs == nil {
		return 10 * time.Millisecond
	}
	return time.Duration(*c.EnhanceBudgetMs) * time.Millisecond
}

// GetDetectorConfidenceThreshold returns the detector confidence floor.
func (c *TuningConfig) GetDetectorConfidenceThreshold() float64 {
	if c.DetectorConfidenceThreshold == nil {
		return 0.5
	}
	return *c.DetectorConfidenceThreshold
}

// GetDetectorNMSThreshold returns the IoU threshold for non-max suppression.
func (c *TuningConfig) GetDetectorNMSThreshold() float64 {
	if c.DetectorNMSThreshold == nil {
		return 0.5
	}
	return *c.DetectorNMSThreshold
}

// GetDetectorBudget returns the detector call's hard time budget.
func (c *TuningConfig) GetDetectorBudget() time.Duration {
	if c.DetectorBudgetMs == nil {
		return 50 * time.Millisecond
	}
	return time.Duration(*c.DetectorBudgetMs) * time.Millisecond
}

// GetIoUMatchThreshold returns the minimum IoU for detection-to-track matching.
func (c *TuningConfig) GetIoUMatchThreshold() float64 {
	if c.IoUMatchThreshold == nil {
		return 0.3
	}
	return *c.IoUMatchThreshold
}

// GetTrackConfirmFrames returns consecutive matches needed for confirmation.
func (c *TuningConfig) GetTrackConfirmFrames() int {
	if c.TrackConfirmFrames == nil {
		return 2
	}
	return *c.TrackConfirmFrames
}

// GetTrackStaleEvictionFrames returns consecutive misses before eviction.
func (c *TuningConfig) GetTrackStaleEvictionFrames() int {
	if c.TrackStaleEvictionFrames == nil {
		return 10
	}
	return *c.TrackStaleEvictionFrames
}

// GetMaxTracks returns the per-camera track table capacity.
func (c *TuningConfig) GetMaxTracks() int {
	if c.MaxTracks == nil {
		return 64
	}
	return *c.MaxTracks
}

// GetPerFrameBudget returns the end-to-end synchronous budget per frame.
func (c *TuningConfig) GetPerFrameBudget() time.Duration {
	if c.PerFrameBudgetMs == nil {
		return 150 * time.Millisecond
	}
	return time.Duration(*c.PerFrameBudgetMs) * time.Millisecond
}

// GetDegradedAlertStreak returns the consecutive-degraded-frame alert threshold.
func (c *TuningConfig) GetDegradedAlertStreak() int {
	if c.DegradedAlertStreak == nil {
		return 5
	}
	return *c.DegradedAlertStreak
}

// GetOCRQueueDepth returns the bounded OCR queue depth.
func (c *TuningConfig) GetOCRQueueDepth() int {
	if c.OCRQueueDepth == nil {
		return 1000
	}
	return *c.OCRQueueDepth
}

// GetOCRWorkers returns the OCR worker pool size.
func (c *TuningConfig) GetOCRWorkers() int {
	if c.OCRWorkers == nil {
		return 2
	}
	return *c.OCRWorkers
}
