package classify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// Result pairs a prediction with the frame that closed its window.
type Result struct {
	Prediction Prediction
	Frame      frame.Frame
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Offered   uint64
	Dropped   uint64
	Processed uint64
	Depth     int
}

// Queue decouples a frame producer from an engine with a bounded buffer and
// a dedicated worker goroutine. Offer never blocks: when the buffer is full
// the frame is dropped and counted.
type Queue struct {
	engine  *Engine
	in      chan frame.Frame
	results chan Result

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	offered   atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewQueue creates a queue holding at most size frames in front of engine.
func NewQueue(engine *Engine, size int) (*Queue, error) {
	if engine == nil {
		return nil, fmt.Errorf("classify: queue requires an engine")
	}
	if size < 1 {
		return nil, fmt.Errorf("classify: queue size must be positive, got %d", size)
	}
	return &Queue{
		engine:  engine,
		in:      make(chan frame.Frame, size),
		results: make(chan Result, size),
	}, nil
}

// Start launches the worker. It returns an error if called twice.
func (q *Queue) Start(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return fmt.Errorf("classify: queue already started")
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.run(ctx)
	return nil
}

// Offer enqueues f without blocking and reports whether it was accepted.
func (q *Queue) Offer(f frame.Frame) bool {
	if q.closed.Load() {
		q.dropped.Add(1)
		return false
	}
	q.offered.Add(1)
	select {
	case q.in <- f:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Results delivers predictions. It is closed after Close.
func (q *Queue) Results() <-chan Result {
	return q.results
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Offered:   q.offered.Load(),
		Dropped:   q.dropped.Load(),
		Processed: q.processed.Load(),
		Depth:     len(q.in),
	}
}

// Close stops the worker and closes the results channel. Frames still
// buffered are discarded. Close is idempotent.
func (q *Queue) Close() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	close(q.results)
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-q.in:
			p, ok := q.engine.Submit(ctx, f)
			q.processed.Add(1)
			if !ok {
				continue
			}
			select {
			case q.results <- Result{Prediction: p, Frame: f}:
			case <-ctx.Done():
				return
			default:
				slog.Warn("classify: dropping prediction, results channel full",
					"frame_number", p.FrameNumber,
					"label", p.Label,
				)
			}
		}
	}
}
