// Package classify turns runs of frames into threat predictions.
//
// An Engine buffers submitted frames and, once sequence_length frames are
// buffered, builds a fixed-length window, asks a Model for raw scores and
// returns the arg-max of their softmax as a Prediction. The black-box model
// itself lives behind the Model interface; PythonModel runs it in a worker
// subprocess.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/fault"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// Model scores one window of frames. It returns one raw score (logit) per
// label, in label order.
type Model interface {
	Predict(ctx context.Context, window []frame.Frame) ([]float64, error)
}

// Mode selects how the buffer is reset after a window is classified.
type Mode int

const (
	// Live windows do not overlap: the buffer is cleared.
	Live Mode = iota
	// Batch windows overlap by one frame: the last frame is kept.
	Batch
)

func (m Mode) String() string {
	if m == Batch {
		return "batch"
	}
	return "live"
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Name           string
	Mode           Mode
	SequenceLength int
	Labels         []string
}

// EngineStats is a snapshot of engine counters.
type EngineStats struct {
	Name      string
	Mode      string
	Enabled   bool
	Submitted uint64
	Windows   uint64
	Failures  uint64
	Buffered  int
}

// Engine buffers frames into windows and classifies them.
//
// Engine is safe for concurrent use, though windows only make sense when a
// single producer submits frames in order.
type Engine struct {
	name   string
	model  Model
	mode   Mode
	seqLen int
	labels []string

	mu        sync.Mutex
	buf       []frame.Frame
	submitted uint64

	windows  atomic.Uint64
	failures atomic.Uint64
}

// NewEngine creates an engine. A nil model disables classification: the
// engine accepts frames but never predicts.
func NewEngine(model Model, cfg EngineConfig) (*Engine, error) {
	if cfg.SequenceLength < 1 {
		return nil, fmt.Errorf("classify: sequence length must be positive, got %d", cfg.SequenceLength)
	}
	if len(cfg.Labels) == 0 {
		return nil, fmt.Errorf("classify: label set is empty")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Mode.String()
	}

	e := &Engine{
		name:   cfg.Name,
		model:  model,
		mode:   cfg.Mode,
		seqLen: cfg.SequenceLength,
		labels: append([]string(nil), cfg.Labels...),
		buf:    make([]frame.Frame, 0, cfg.SequenceLength),
	}

	if model == nil {
		slog.Warn("classify: classification disabled",
			"engine", e.name,
			"error", fault.Errorf(fault.ModelUnavailable, "classify.NewEngine", "no model loaded"),
		)
	}
	return e, nil
}

// Enabled reports whether a model is attached.
func (e *Engine) Enabled() bool {
	return e.model != nil
}

// Labels returns the label set predictions are drawn from.
func (e *Engine) Labels() []string {
	return e.labels
}

// Submit appends f to the buffer and classifies the buffer once it holds
// sequence_length frames. The engine keeps a reference to f.Data, so callers
// must not modify it afterwards.
//
// A model failure is logged and absorbed: the buffer is reset as if the
// window had been classified and no prediction is returned.
func (e *Engine) Submit(ctx context.Context, f frame.Frame) (Prediction, bool) {
	if e.model == nil {
		return Prediction{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf = append(e.buf, f)
	e.submitted++
	if len(e.buf) < e.seqLen {
		return Prediction{}, false
	}

	p, ok := e.classifyLocked(ctx)
	e.resetLocked()
	return p, ok
}

// Flush classifies whatever is left in the buffer, padding it to a full
// window, and empties the buffer. A batch engine always holds at least the
// overlap frame after the first window, so the tail is always classified.
func (e *Engine) Flush(ctx context.Context) (Prediction, bool) {
	if e.model == nil {
		return Prediction{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.buf) == 0 {
		return Prediction{}, false
	}
	p, ok := e.classifyLocked(ctx)
	e.buf = e.buf[:0]
	return p, ok
}

// Reset drops buffered frames and the submission counter.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf = e.buf[:0]
	e.submitted = 0
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	submitted, buffered := e.submitted, len(e.buf)
	e.mu.Unlock()

	return EngineStats{
		Name:      e.name,
		Mode:      e.mode.String(),
		Enabled:   e.model != nil,
		Submitted: submitted,
		Windows:   e.windows.Load(),
		Failures:  e.failures.Load(),
		Buffered:  buffered,
	}
}

func (e *Engine) classifyLocked(ctx context.Context) (Prediction, bool) {
	window := BuildWindow(e.buf, e.seqLen)

	scores, err := e.model.Predict(ctx, window)
	if err == nil {
		var p Prediction
		p, err = newPrediction(scores, e.labels, e.submitted)
		if err == nil {
			e.windows.Add(1)
			return p, true
		}
	}

	e.failures.Add(1)
	slog.Warn("classify: window dropped",
		"engine", e.name,
		"frame_number", e.submitted,
		"run", len(e.buf),
		"error", err,
	)
	return Prediction{}, false
}

func (e *Engine) resetLocked() {
	if e.mode == Batch && len(e.buf) > 0 {
		last := e.buf[len(e.buf)-1]
		clear(e.buf)
		e.buf = append(e.buf[:0], last)
		return
	}
	clear(e.buf)
	e.buf = e.buf[:0]
}
