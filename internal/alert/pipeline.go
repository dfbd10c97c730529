// Package alert turns accepted detections into persisted alerts and
// notifications.
//
// Two policies exist and are deliberately not unified. Live detections are
// accepted only when the label is not "normal" and the confidence is
// strictly above the threshold. Batch detections are pre-selected by the
// caller with SelectTop and accepted unconditionally.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/fault"
)

// Config configures a Pipeline.
type Config struct {
	// Threshold is the live confidence floor, in percent (default 90)
	Threshold float64
	// StatsWindow is the trailing window of the statistics summary (default 15m)
	StatsWindow time.Duration
	// TopThreats is the size of the top list in the summary (default 3)
	TopThreats  int
	Recipients  []string
	JPEGQuality int
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Considered     uint64 `json:"considered"`
	Rejected       uint64 `json:"rejected"`
	Created        uint64 `json:"created"`
	EncodeFailures uint64 `json:"encode_failures"`
	PersistFailed  uint64 `json:"persistence_failures"`
	NotifyFailed   uint64 `json:"notification_failures"`
}

// Pipeline applies the alert policies and runs the acceptance steps.
type Pipeline struct {
	store     Store
	notifier  Notifier
	observers []Observer
	cfg       Config
	now       func() time.Time

	considered     atomic.Uint64
	rejected       atomic.Uint64
	created        atomic.Uint64
	encodeFailures atomic.Uint64
	persistFailed  atomic.Uint64
	notifyFailed   atomic.Uint64
}

// NewPipeline creates a pipeline. The notifier may be nil, in which case
// notifications are skipped.
func NewPipeline(store Store, notifier Notifier, cfg Config, observers ...Observer) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("alert: store is required")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 90
	}
	if cfg.Threshold < 0 || cfg.Threshold > 100 {
		return nil, fmt.Errorf("alert: threshold must be in [0, 100], got %v", cfg.Threshold)
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 15 * time.Minute
	}
	if cfg.TopThreats <= 0 {
		cfg.TopThreats = 3
	}

	return &Pipeline{
		store:     store,
		notifier:  notifier,
		observers: observers,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// Threshold returns the live confidence floor.
func (p *Pipeline) Threshold() float64 {
	return p.cfg.Threshold
}

// Accepts applies the live policy.
func (p *Pipeline) Accepts(pred classify.Prediction) bool {
	return LiveAccepts(pred, p.cfg.Threshold)
}

// Consider raises an alert for d if the policy of mode accepts it. It
// returns nil and no error when the detection is rejected.
//
// An encode or persistence failure aborts the alert and is returned as
// EncodeFailure or PersistenceFailure. Statistics and notification
// failures are logged and do not affect the persisted alert.
func (p *Pipeline) Consider(ctx context.Context, d Detection, mode classify.Mode) (*Alert, error) {
	const op = "alert.Consider"
	p.considered.Add(1)

	if mode == classify.Live && !p.Accepts(d.Prediction) {
		p.rejected.Add(1)
		return nil, nil
	}

	img, err := d.Frame.JPEG(p.cfg.JPEGQuality)
	if err != nil {
		p.encodeFailures.Add(1)
		return nil, fault.New(fault.EncodeFailure, op, err)
	}

	now := p.now()
	a, err := p.store.CreateAlert(ctx, NewAlert{
		ThreatType:     ThreatType(d.Prediction.Label),
		Confidence:     d.Prediction.Confidence,
		VideoTimestamp: d.VideoTimestamp,
		Timestamp:      now,
		Image:          img,
		CameraID:       d.CameraID,
	})
	if err != nil {
		p.persistFailed.Add(1)
		return nil, fault.New(fault.PersistenceFailure, op, err)
	}
	p.created.Add(1)

	slog.Info("alert: created",
		"id", a.ID,
		"threat_type", a.ThreatType,
		"confidence", fmt.Sprintf("%.2f", a.Confidence),
		"mode", mode.String(),
		"frame_number", d.Prediction.FrameNumber,
		"trace_id", d.Frame.TraceID,
	)

	stats, err := p.store.ThreatStats(ctx, now.Add(-p.cfg.StatsWindow), p.cfg.TopThreats)
	if err != nil {
		slog.Warn("alert: threat statistics unavailable", "error", err)
		stats = ThreatStats{Since: now.Add(-p.cfg.StatsWindow)}
	}

	p.notify(ctx, a, stats, now)

	for _, o := range p.observers {
		o.AlertRaised(ctx, a)
	}
	return &a, nil
}

func (p *Pipeline) notify(ctx context.Context, a Alert, stats ThreatStats, now time.Time) {
	if p.notifier == nil || len(p.cfg.Recipients) == 0 {
		slog.Debug("alert: no notifier or recipients configured", "id", a.ID)
		return
	}

	body := FormatNotification(a, stats, p.cfg.StatsWindow, now)
	if err := p.notifier.Send(ctx, p.cfg.Recipients, Subject, body); err != nil {
		p.notifyFailed.Add(1)
		slog.Error("alert: notification failed",
			"id", a.ID,
			"recipients", len(p.cfg.Recipients),
			"error", fault.New(fault.NotificationFailure, "alert.notify", err),
		)
		return
	}
	slog.Debug("alert: notification sent", "id", a.ID, "recipients", len(p.cfg.Recipients))
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Considered:     p.considered.Load(),
		Rejected:       p.rejected.Load(),
		Created:        p.created.Load(),
		EncodeFailures: p.encodeFailures.Load(),
		PersistFailed:  p.persistFailed.Load(),
		NotifyFailed:   p.notifyFailed.Load(),
	}
}
