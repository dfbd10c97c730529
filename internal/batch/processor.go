// Package batch classifies uploaded video files and raises alerts for the
// most confident detections.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/fault"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// ResultsFile is the name WriteResults uses.
const ResultsFile = "analysis_results.json"

// Record is the result for one classified window.
type Record struct {
	FrameNumber      uint64                      `json:"frame_number"`
	Timestamp        string                      `json:"timestamp"`
	ClassName        string                      `json:"class_name"`
	Confidence       float64                     `json:"confidence"`
	TopProbabilities []classify.LabelProbability `json:"top_probabilities"`
	AlertID          *int64                      `json:"alert_id"`
	ImageURL         *string                     `json:"image_url"`
}

// Alerter is satisfied by *alert.Pipeline.
type Alerter interface {
	Consider(ctx context.Context, d alert.Detection, mode classify.Mode) (*alert.Alert, error)
}

// Config configures a Processor.
type Config struct {
	SequenceLength int
	Labels         []string
	// FallbackFPS is used when the file reports fps <= 0 (default: 30)
	FallbackFPS float64
	// TopN is how many detections are promoted to alerts (default: 5)
	TopN int
	// CameraID is attached to every alert, usually nil for uploads.
	CameraID *int64
}

// Processor runs whole files through a batch-mode engine.
type Processor struct {
	decoder Decoder
	model   classify.Model
	alerts  Alerter
	cfg     Config
}

// NewProcessor validates cfg. model may be nil, in which case Process
// returns no records.
func NewProcessor(decoder Decoder, model classify.Model, alerts Alerter, cfg Config) (*Processor, error) {
	if decoder == nil {
		return nil, fmt.Errorf("batch: decoder is required")
	}
	if cfg.SequenceLength < 1 {
		return nil, fmt.Errorf("batch: sequence length must be >= 1")
	}
	if len(cfg.Labels) == 0 {
		return nil, fmt.Errorf("batch: labels are required")
	}
	if cfg.FallbackFPS <= 0 {
		cfg.FallbackFPS = 30
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	return &Processor{decoder: decoder, model: model, alerts: alerts, cfg: cfg}, nil
}

// Process decodes path, classifies every window and alerts on the TopN
// most confident detections. Records are returned in window order.
func (p *Processor) Process(ctx context.Context, path string) ([]Record, error) {
	const op = "batch.Process"
	if p.model == nil {
		slog.Warn("batch: model disabled, skipping file", "path", path)
		return []Record{}, nil
	}

	engine, err := classify.NewEngine(p.model, classify.EngineConfig{
		Name:           "batch:" + filepath.Base(path),
		Mode:           classify.Batch,
		SequenceLength: p.cfg.SequenceLength,
		Labels:         p.cfg.Labels,
	})
	if err != nil {
		return nil, err
	}

	video, err := p.decoder.Open(ctx, path)
	if err != nil {
		return nil, fault.New(fault.DeviceUnavailable, op, err)
	}
	defer video.Close()

	fps := video.FPS()
	if fps <= 0 {
		slog.Warn("batch: frame rate unreadable, using fallback", "path", path, "fallback_fps", p.cfg.FallbackFPS)
		fps = p.cfg.FallbackFPS
	}

	started := time.Now()
	var (
		dets    []alert.Detection
		decoded uint64
		last    frame.Frame
	)
	detect := func(pred classify.Prediction, f frame.Frame) {
		dets = append(dets, alert.Detection{
			Prediction:     pred,
			Frame:          f,
			VideoTimestamp: alert.FormatVideoTime(float64(pred.FrameNumber) / fps),
			CameraID:       p.cfg.CameraID,
		})
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := video.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if decoded == 0 {
				return nil, fault.New(fault.FrameReadFailure, op, err)
			}
			slog.Warn("batch: decode stopped early", "path", path, "frames", decoded, "error", err)
			break
		}
		decoded++
		f.Seq = decoded
		f.TraceID = uuid.New().String()
		last = f

		if pred, ok := engine.Submit(ctx, f); ok {
			detect(pred, f)
		}
	}
	if pred, ok := engine.Flush(ctx); ok {
		detect(pred, last)
	}

	// The flushed window can repeat the last window's frame number, so
	// alerts are keyed by detection index.
	selected := alert.SelectTopIndices(dets, p.cfg.TopN)
	raised := make(map[int]*alert.Alert, len(selected))
	if p.alerts != nil {
		for _, i := range selected {
			d := dets[i]
			a, err := p.alerts.Consider(ctx, d, classify.Batch)
			if err != nil {
				slog.Warn("batch: alert not recorded",
					"path", path,
					"frame_number", d.Prediction.FrameNumber,
					"error", err,
				)
				continue
			}
			raised[i] = a
		}
	}

	records := make([]Record, 0, len(dets))
	for i, d := range dets {
		rec := Record{
			FrameNumber:      d.Prediction.FrameNumber,
			Timestamp:        d.VideoTimestamp,
			ClassName:        d.Prediction.Label,
			Confidence:       d.Prediction.Confidence,
			TopProbabilities: d.Prediction.Top(3),
		}
		if a := raised[i]; a != nil {
			id := a.ID
			rec.AlertID = &id
			if a.ImageURL != "" {
				url := a.ImageURL
				rec.ImageURL = &url
			}
		}
		records = append(records, rec)
	}

	slog.Info("batch: file processed",
		"path", path,
		"fps", fps,
		"frames", decoded,
		"windows", len(dets),
		"alerts", len(raised),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return records, nil
}

// WriteResults writes records to dir/analysis_results.json and returns the
// file path.
func WriteResults(dir string, records []Record) (string, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("batch: failed to encode results: %w", err)
	}
	path := filepath.Join(dir, ResultsFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("batch: failed to write %s: %w", path, err)
	}
	return path, nil
}
