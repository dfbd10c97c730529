// Package postgres implements the alert and camera stores on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
)

const schema = `
CREATE TABLE IF NOT EXISTS cameras (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	location      TEXT NOT NULL DEFAULT '',
	host          TEXT NOT NULL,
	port          INTEGER NOT NULL DEFAULT 8080,
	username      TEXT NOT NULL DEFAULT '',
	password      TEXT NOT NULL DEFAULT '',
	path          TEXT NOT NULL DEFAULT '',
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	last_accessed TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alerts (
	id            BIGSERIAL PRIMARY KEY,
	camera_id     BIGINT REFERENCES cameras(id) ON DELETE CASCADE,
	threat_type   TEXT NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL,
	timestamp_vid TEXT NOT NULL DEFAULT '',
	image_path    TEXT NOT NULL DEFAULT '',
	image_url     TEXT NOT NULL DEFAULT '',
	video_clip    TEXT NOT NULL DEFAULT '',
	is_reviewed   BOOLEAN NOT NULL DEFAULT FALSE,
	notes         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS alerts_timestamp_idx ON alerts (timestamp DESC);
`

const alertColumns = `id, camera_id, threat_type, confidence, timestamp, timestamp_vid,
	image_path, image_url, video_clip, is_reviewed, notes`

// Store persists alerts and cameras in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	images alert.ImageWriter
}

// New connects to dsn, verifies the connection and creates the schema.
func New(ctx context.Context, dsn string, images alert.ImageWriter) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}
	return &Store{pool: pool, images: images}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateAlert implements alert.Store.
func (s *Store) CreateAlert(ctx context.Context, na alert.NewAlert) (alert.Alert, error) {
	return alert.WithImage(s.images, na, func(path, url string) (alert.Alert, error) {
		a := alert.Alert{
			ThreatType:     na.ThreatType,
			Confidence:     na.Confidence,
			VideoTimestamp: na.VideoTimestamp,
			Timestamp:      na.Timestamp,
			ImagePath:      path,
			ImageURL:       url,
			CameraID:       na.CameraID,
		}
		err := s.pool.QueryRow(ctx,
			`INSERT INTO alerts (camera_id, threat_type, confidence, timestamp, timestamp_vid, image_path, image_url)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			na.CameraID, na.ThreatType, na.Confidence, na.Timestamp, na.VideoTimestamp, path, url,
		).Scan(&a.ID)
		if err != nil {
			return alert.Alert{}, fmt.Errorf("postgres: failed to insert alert: %w", err)
		}
		return a, nil
	})
}

// ThreatStats implements alert.Store.
func (s *Store) ThreatStats(ctx context.Context, since time.Time, top int) (alert.ThreatStats, error) {
	stats := alert.ThreatStats{Since: since}

	rows, err := s.pool.Query(ctx,
		`SELECT threat_type, count(*) FROM alerts
		WHERE timestamp >= $1
		GROUP BY threat_type
		ORDER BY count(*) DESC, threat_type`,
		since)
	if err != nil {
		return stats, fmt.Errorf("postgres: failed to count threats: %w", err)
	}
	stats.Counts, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (alert.ThreatCount, error) {
		var c alert.ThreatCount
		err := row.Scan(&c.ThreatType, &c.Count)
		return c, err
	})
	if err != nil {
		return stats, fmt.Errorf("postgres: failed to count threats: %w", err)
	}
	for _, c := range stats.Counts {
		stats.Total += c.Count
	}

	rows, err = s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE timestamp >= $1
		ORDER BY confidence DESC
		LIMIT $2`,
		since, top)
	if err != nil {
		return stats, fmt.Errorf("postgres: failed to query top threats: %w", err)
	}
	stats.Top, err = pgx.CollectRows(rows, scanAlert)
	if err != nil {
		return stats, fmt.Errorf("postgres: failed to query top threats: %w", err)
	}
	return stats, nil
}

// ListAlerts implements alert.Store.
func (s *Store) ListAlerts(ctx context.Context, f alert.Filter) ([]alert.Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.ThreatType != "" {
		args = append(args, f.ThreatType)
		where = append(where, fmt.Sprintf("lower(threat_type) = lower($%d)", len(args)))
	}
	if f.CameraID != nil {
		args = append(args, *f.CameraID)
		where = append(where, fmt.Sprintf("camera_id = $%d", len(args)))
	}

	q := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list alerts: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanAlert)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list alerts: %w", err)
	}
	return out, nil
}

func scanAlert(row pgx.CollectableRow) (alert.Alert, error) {
	var a alert.Alert
	err := row.Scan(&a.ID, &a.CameraID, &a.ThreatType, &a.Confidence, &a.Timestamp, &a.VideoTimestamp,
		&a.ImagePath, &a.ImageURL, &a.VideoClip, &a.Reviewed, &a.Notes)
	return a, err
}

// UpsertCamera implements alert.CameraStore.
func (s *Store) UpsertCamera(ctx context.Context, c alert.Camera) (alert.Camera, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO cameras (name, location, host, port, username, password, path, is_active, last_accessed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (name) DO UPDATE SET
			location = EXCLUDED.location,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			path = EXCLUDED.path,
			is_active = EXCLUDED.is_active,
			last_accessed = now()
		RETURNING id, last_accessed`,
		c.Name, c.Location, c.Host, c.Port, c.Username, c.Password, c.Path, c.Active,
	).Scan(&c.ID, &c.LastAccessed)
	if err != nil {
		return alert.Camera{}, fmt.Errorf("postgres: failed to upsert camera %q: %w", c.Name, err)
	}
	return c, nil
}

// ListCameras implements alert.CameraStore.
func (s *Store) ListCameras(ctx context.Context) ([]alert.Camera, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, location, host, port, username, password, path, is_active, last_accessed
		FROM cameras ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list cameras: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (alert.Camera, error) {
		var c alert.Camera
		err := row.Scan(&c.ID, &c.Name, &c.Location, &c.Host, &c.Port, &c.Username, &c.Password,
			&c.Path, &c.Active, &c.LastAccessed)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list cameras: %w", err)
	}
	return out, nil
}
