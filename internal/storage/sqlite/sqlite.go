// Package sqlite implements the alert and camera stores on SQLite through
// GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
)

type cameraRow struct {
	ID           int64  `gorm:"primaryKey"`
	Name         string `gorm:"uniqueIndex;not null"`
	Location     string
	Host         string `gorm:"not null"`
	Port         int    `gorm:"default:8080"`
	Username     string
	Password     string
	Path         string
	Active       bool `gorm:"column:is_active"`
	LastAccessed time.Time
}

func (cameraRow) TableName() string { return "cameras" }

type alertRow struct {
	ID             int64  `gorm:"primaryKey"`
	CameraID       *int64 `gorm:"index"`
	ThreatType     string `gorm:"not null;index"`
	Confidence     float64
	Timestamp      time.Time `gorm:"index"`
	VideoTimestamp string    `gorm:"column:timestamp_vid"`
	ImagePath      string
	ImageURL       string `gorm:"column:image_url"`
	VideoClip      string
	Reviewed       bool `gorm:"column:is_reviewed"`
	Notes          string
}

func (alertRow) TableName() string { return "alerts" }

func (r alertRow) toAlert() alert.Alert {
	return alert.Alert{
		ID:             r.ID,
		ThreatType:     r.ThreatType,
		Confidence:     r.Confidence,
		VideoTimestamp: r.VideoTimestamp,
		Timestamp:      r.Timestamp,
		ImagePath:      r.ImagePath,
		ImageURL:       r.ImageURL,
		VideoClip:      r.VideoClip,
		CameraID:       r.CameraID,
		Reviewed:       r.Reviewed,
		Notes:          r.Notes,
	}
}

// Store persists alerts and cameras in a SQLite database.
type Store struct {
	db     *gorm.DB
	images alert.ImageWriter
}

// New opens (or creates) the database at dsn and migrates the schema.
func New(dsn string, images alert.ImageWriter) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&cameraRow{}, &alertRow{}); err != nil {
		return nil, fmt.Errorf("sqlite: failed to migrate schema: %w", err)
	}
	return &Store{db: db, images: images}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateAlert implements alert.Store.
func (s *Store) CreateAlert(ctx context.Context, na alert.NewAlert) (alert.Alert, error) {
	return alert.WithImage(s.images, na, func(path, url string) (alert.Alert, error) {
		row := alertRow{
			CameraID:       na.CameraID,
			ThreatType:     na.ThreatType,
			Confidence:     na.Confidence,
			Timestamp:      na.Timestamp.UTC(),
			VideoTimestamp: na.VideoTimestamp,
			ImagePath:      path,
			ImageURL:       url,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return alert.Alert{}, fmt.Errorf("sqlite: failed to insert alert: %w", err)
		}
		return row.toAlert(), nil
	})
}

// ThreatStats implements alert.Store.
func (s *Store) ThreatStats(ctx context.Context, since time.Time, top int) (alert.ThreatStats, error) {
	stats := alert.ThreatStats{Since: since}
	db := s.db.WithContext(ctx)
	// timestamps are stored as UTC text and compared lexically
	since = since.UTC()

	err := db.Model(&alertRow{}).
		Select("threat_type, count(*) AS count").
		Where("timestamp >= ?", since).
		Group("threat_type").
		Order("count DESC, threat_type").
		Scan(&stats.Counts).Error
	if err != nil {
		return stats, fmt.Errorf("sqlite: failed to count threats: %w", err)
	}
	for _, c := range stats.Counts {
		stats.Total += c.Count
	}

	var rows []alertRow
	err = db.Where("timestamp >= ?", since).
		Order("confidence DESC").
		Limit(top).
		Find(&rows).Error
	if err != nil {
		return stats, fmt.Errorf("sqlite: failed to query top threats: %w", err)
	}
	for _, r := range rows {
		stats.Top = append(stats.Top, r.toAlert())
	}
	return stats, nil
}

// ListAlerts implements alert.Store.
func (s *Store) ListAlerts(ctx context.Context, f alert.Filter) ([]alert.Alert, error) {
	q := s.db.WithContext(ctx).Order("timestamp DESC")
	if f.ThreatType != "" {
		q = q.Where("lower(threat_type) = lower(?)", f.ThreatType)
	}
	if f.CameraID != nil {
		q = q.Where("camera_id = ?", *f.CameraID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []alertRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: failed to list alerts: %w", err)
	}
	out := make([]alert.Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAlert())
	}
	return out, nil
}

// UpsertCamera implements alert.CameraStore.
func (s *Store) UpsertCamera(ctx context.Context, c alert.Camera) (alert.Camera, error) {
	row := cameraRow{
		Name:         c.Name,
		Location:     c.Location,
		Host:         c.Host,
		Port:         c.Port,
		Username:     c.Username,
		Password:     c.Password,
		Path:         c.Path,
		Active:       c.Active,
		LastAccessed: time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"location", "host", "port", "username", "password", "path", "is_active", "last_accessed"}),
	}).Create(&row).Error
	if err != nil {
		return alert.Camera{}, fmt.Errorf("sqlite: failed to upsert camera %q: %w", c.Name, err)
	}

	// On conflict SQLite does not report the existing id.
	var stored cameraRow
	if err := s.db.WithContext(ctx).Where("name = ?", c.Name).First(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return alert.Camera{}, fmt.Errorf("sqlite: camera %q vanished after upsert", c.Name)
		}
		return alert.Camera{}, fmt.Errorf("sqlite: failed to load camera %q: %w", c.Name, err)
	}
	return toCamera(stored), nil
}

// ListCameras implements alert.CameraStore.
func (s *Store) ListCameras(ctx context.Context) ([]alert.Camera, error) {
	var rows []cameraRow
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: failed to list cameras: %w", err)
	}
	out := make([]alert.Camera, 0, len(rows))
	for _, r := range rows {
		out = append(out, toCamera(r))
	}
	return out, nil
}

func toCamera(r cameraRow) alert.Camera {
	return alert.Camera{
		ID:           r.ID,
		Name:         r.Name,
		Location:     r.Location,
		Host:         r.Host,
		Port:         r.Port,
		Username:     r.Username,
		Password:     r.Password,
		Path:         r.Path,
		Active:       r.Active,
		LastAccessed: r.LastAccessed,
	}
}
