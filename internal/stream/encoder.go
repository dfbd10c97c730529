// Package stream turns a live capture session into an MJPEG byte stream,
// classifying frames and raising alerts as they pass through.
package stream

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/fault"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// Boundary is the multipart boundary used between JPEG parts.
const Boundary = "frame"

// ContentType is the HTTP content type of the stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// pollInterval is how long the encoder waits when the source has not
// produced a new frame since the last pull.
const pollInterval = 10 * time.Millisecond

// Source is satisfied by *capture.Session.
type Source interface {
	GetFrame() (frame.Frame, bool)
}

// Classifier is satisfied by *classify.Engine.
type Classifier interface {
	Submit(ctx context.Context, f frame.Frame) (classify.Prediction, bool)
}

// Alerter is satisfied by *alert.Pipeline.
type Alerter interface {
	Accepts(p classify.Prediction) bool
	Consider(ctx context.Context, d alert.Detection, mode classify.Mode) (*alert.Alert, error)
}

// Options configures an Encoder.
type Options struct {
	// Mirror flips frames horizontally before classification.
	Mirror bool
	// MaxFPS paces the stream. Zero means unpaced.
	MaxFPS float64
	// JPEGQuality is 1-100 (default: 80)
	JPEGQuality int
	// CameraID is attached to alerts raised from this stream.
	CameraID *int64
	// Overlay draws accepted predictions. Nil disables annotation.
	Overlay *Overlay
	// OnPrediction observes every prediction.
	OnPrediction func(classify.Prediction)
}

// Stats contains encoder statistics
type Stats struct {
	Chunks         uint64
	EncodeFailures uint64
	Predictions    uint64
	Alerts         uint64
}

// Encoder produces MJPEG parts from a Source. Classification and alert
// persistence run synchronously in the pulling goroutine.
type Encoder struct {
	src     Source
	engine  Classifier
	alerts  Alerter
	opts    Options
	started atomic.Bool

	chunks         atomic.Uint64
	encodeFailures atomic.Uint64
	predictions    atomic.Uint64
	alertsRaised   atomic.Uint64
}

// NewEncoder creates an encoder. engine and alerts may be nil, which
// streams frames without classification.
func NewEncoder(src Source, engine Classifier, alerts Alerter, opts Options) (*Encoder, error) {
	if src == nil {
		return nil, fmt.Errorf("stream: source is required")
	}
	if opts.MaxFPS < 0 {
		return nil, fmt.Errorf("stream: max fps must be >= 0")
	}
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = 80
	}
	if opts.JPEGQuality < 1 || opts.JPEGQuality > 100 {
		return nil, fmt.Errorf("stream: jpeg quality must be in [1,100], got %d", opts.JPEGQuality)
	}
	return &Encoder{src: src, engine: engine, alerts: alerts, opts: opts}, nil
}

// Chunks returns the stream as a lazy sequence. The sequence ends when the
// source has no frame or ctx is done. Only the first call yields anything.
func (e *Encoder) Chunks(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if !e.started.CompareAndSwap(false, true) {
			slog.Warn("stream: encoder already consumed")
			return
		}

		var interval time.Duration
		if e.opts.MaxFPS > 0 {
			interval = time.Duration(float64(time.Second) / e.opts.MaxFPS)
		}

		start := time.Now()
		var last time.Time
		var lastSeq uint64
		for ctx.Err() == nil {
			f, ok := e.src.GetFrame()
			if !ok {
				slog.Debug("stream: source has no frame, ending", "chunks", e.chunks.Load())
				return
			}
			if f.Seq != 0 && f.Seq == lastSeq {
				if !sleep(ctx, pollInterval) {
					return
				}
				continue
			}
			lastSeq = f.Seq

			if interval > 0 && !last.IsZero() {
				if !sleep(ctx, interval-time.Since(last)) {
					return
				}
			}
			last = time.Now()

			chunk, ok := e.render(ctx, f, start)
			if !ok {
				continue
			}
			e.chunks.Add(1)
			if !yield(chunk) {
				return
			}
		}
	}
}

func (e *Encoder) render(ctx context.Context, f frame.Frame, start time.Time) ([]byte, bool) {
	if e.opts.Mirror {
		f = f.Mirror()
	}

	if e.engine != nil {
		if pred, ok := e.engine.Submit(ctx, f); ok {
			e.predictions.Add(1)
			if e.opts.OnPrediction != nil {
				e.opts.OnPrediction(pred)
			}
			if e.alerts != nil && e.alerts.Accepts(pred) {
				f = e.raise(ctx, f, pred, start)
			}
		}
	}

	data, err := f.JPEG(e.opts.JPEGQuality)
	if err != nil {
		e.encodeFailures.Add(1)
		slog.Warn("stream: frame dropped",
			"seq", f.Seq,
			"error", fault.New(fault.EncodeFailure, "stream.encode", err),
		)
		return nil, false
	}
	return Chunk(data), true
}

// raise annotates f and hands it to the alert pipeline. The annotated frame
// is returned for encoding.
func (e *Encoder) raise(ctx context.Context, f frame.Frame, pred classify.Prediction, start time.Time) frame.Frame {
	if e.opts.Overlay != nil {
		annotated, err := e.opts.Overlay.Annotate(f, pred)
		if err != nil {
			slog.Warn("stream: overlay failed", "seq", f.Seq, "error", err)
		} else {
			f = annotated
		}
	}

	offset := f.Timestamp.Sub(start)
	if f.Timestamp.IsZero() || offset < 0 {
		offset = time.Since(start)
	}
	d := alert.Detection{
		Prediction:     pred,
		Frame:          f,
		VideoTimestamp: alert.FormatVideoTime(offset.Seconds()),
		CameraID:       e.opts.CameraID,
	}
	a, err := e.alerts.Consider(ctx, d, classify.Live)
	if err != nil {
		slog.Warn("stream: alert not recorded", "label", pred.Label, "error", err)
	} else if a != nil {
		e.alertsRaised.Add(1)
	}
	return f
}

// Stats returns encoder statistics
func (e *Encoder) Stats() Stats {
	return Stats{
		Chunks:         e.chunks.Load(),
		EncodeFailures: e.encodeFailures.Load(),
		Predictions:    e.predictions.Load(),
		Alerts:         e.alertsRaised.Load(),
	}
}

// Chunk wraps one JPEG image as a multipart part.
func Chunk(jpeg []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(jpeg) + 64)
	b.WriteString("--" + Boundary + "\r\nContent-Type: image/jpeg\r\n\r\n")
	b.Write(jpeg)
	b.WriteString("\r\n")
	return b.Bytes()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
