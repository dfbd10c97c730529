package alert

import (
	"context"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// Detection is a prediction paired with the frame that closed its window.
type Detection struct {
	Prediction classify.Prediction
	Frame      frame.Frame
	// VideoTimestamp is the offset into the source, formatted HH:MM:SS.mmm
	VideoTimestamp string
	CameraID       *int64
}

// Alert is a persisted, evidence-backed detection.
type Alert struct {
	ID             int64     `json:"id"`
	ThreatType     string    `json:"threat_type"`
	Confidence     float64   `json:"confidence"`
	VideoTimestamp string    `json:"timestamp_vid"`
	Timestamp      time.Time `json:"timestamp"`
	ImagePath      string    `json:"-"`
	ImageURL       string    `json:"image_url"`
	VideoClip      string    `json:"video_clip,omitempty"`
	CameraID       *int64    `json:"camera_id"`
	Reviewed       bool      `json:"is_reviewed"`
	Notes          string    `json:"notes"`
}

// NewAlert is the input of Store.CreateAlert.
type NewAlert struct {
	ThreatType     string
	Confidence     float64
	VideoTimestamp string
	Timestamp      time.Time
	// Image is the encoded JPEG evidence
	Image    []byte
	CameraID *int64
}

// ThreatCount is one row of the per-type distribution.
type ThreatCount struct {
	ThreatType string `json:"threat_type"`
	Count      int    `json:"count"`
}

// ThreatStats summarizes alerts raised since a point in time.
type ThreatStats struct {
	Since time.Time `json:"since"`
	// Counts is sorted by count descending
	Counts []ThreatCount `json:"threat_counts"`
	// Top holds the highest-confidence alerts
	Top   []Alert `json:"top_threats"`
	Total int     `json:"total_alerts"`
}

// Filter selects alerts for ListAlerts. Zero values match everything.
type Filter struct {
	ThreatType string
	CameraID   *int64
	Limit      int
}

// Camera is a network camera known to the service.
type Camera struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Location     string    `json:"location"`
	Host         string    `json:"ip_address"`
	Port         int       `json:"port"`
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"-"`
	Path         string    `json:"path,omitempty"`
	Active       bool      `json:"is_active"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Store persists alerts and answers statistics queries.
type Store interface {
	CreateAlert(ctx context.Context, a NewAlert) (Alert, error)
	ThreatStats(ctx context.Context, since time.Time, top int) (ThreatStats, error)
	ListAlerts(ctx context.Context, f Filter) ([]Alert, error)
}

// CameraStore persists camera records, keyed by name.
type CameraStore interface {
	UpsertCamera(ctx context.Context, c Camera) (Camera, error)
	ListCameras(ctx context.Context) ([]Camera, error)
}

// ImageWriter stores alert evidence images.
type ImageWriter interface {
	// WriteAlertImage stores data and returns its path and public URL
	WriteAlertImage(ts time.Time, data []byte) (path, url string, err error)
	Remove(path string) error
}

// Notifier delivers a notification to a list of recipients.
type Notifier interface {
	Send(ctx context.Context, recipients []string, subject, body string) error
}

// Observer is told about every alert after it is persisted.
type Observer interface {
	AlertRaised(ctx context.Context, a Alert)
}
