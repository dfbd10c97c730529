package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/fault"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

const defaultStopTimeout = 3 * time.Second

// SessionConfig configures a local device session.
type SessionConfig struct {
	// Name identifies the session in logs
	Name string
	// Candidates are tried in order on Open and on every reconnect
	Candidates []Candidate
	// Width and Height are the requested frame size
	Width  int
	Height int
	// ReadTimeout bounds a single Read. Zero means no timeout. With the
	// opencv backends the timed out Read keeps running in the driver and
	// the capture is only freed when it returns.
	ReadTimeout time.Duration
	// StopTimeout bounds how long Close waits for the loop before it
	// releases the device to unblock a hung Read (default: 3s). Close
	// waits once more for the same time, then returns without the loop.
	StopTimeout time.Duration
}

// StreamConfig configures a network stream session: one backend, no
// fallback, no reconnect.
type StreamConfig struct {
	Name        string
	Backend     Backend
	Source      NetworkSource
	Width       int
	Height      int
	ReadTimeout time.Duration
	StopTimeout time.Duration
}

// Session owns one capture device and a background goroutine that keeps
// the latest frame in a single slot.
//
// Device sessions fall back across candidates and reconnect immediately
// after a read failure. Stream sessions give up on the first failure.
type Session struct {
	name        string
	candidates  []Candidate
	target      Target
	reconnect   bool
	readTimeout time.Duration
	stopTimeout time.Duration

	slot  Slot
	state atomic.Int32

	// mu guards the fields below
	mu     sync.Mutex
	device Device
	active Candidate
	cancel context.CancelFunc
	opened bool

	started time.Time

	wg sync.WaitGroup
	// closed is set under mu
	closed atomic.Bool

	seq          atomic.Uint64
	readFailures atomic.Uint64
	reconnects   atomic.Uint64
}

// NewSession creates a device session with fail-fast validation.
func NewSession(cfg SessionConfig) (*Session, error) {
	if len(cfg.Candidates) == 0 {
		return nil, fmt.Errorf("capture: at least one candidate is required")
	}
	for i, c := range cfg.Candidates {
		if c.Backend == nil {
			return nil, fmt.Errorf("capture: candidate %d has no backend", i)
		}
	}
	if cfg.Width < 0 || cfg.Height < 0 {
		return nil, fmt.Errorf("capture: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.ReadTimeout < 0 {
		return nil, fmt.Errorf("capture: read timeout must be >= 0")
	}
	if cfg.Name == "" {
		cfg.Name = "device"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	s := &Session{
		name:        cfg.Name,
		candidates:  append([]Candidate(nil), cfg.Candidates...),
		target:      Target{Width: cfg.Width, Height: cfg.Height},
		reconnect:   true,
		readTimeout: cfg.ReadTimeout,
		stopTimeout: cfg.StopTimeout,
	}

	slog.Debug("capture: session created",
		"name", s.name,
		"candidates", len(s.candidates),
		"read_timeout", s.readTimeout,
	)
	return s, nil
}

// NewStreamSession creates a network stream session.
func NewStreamSession(cfg StreamConfig) (*Session, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("capture: backend is required")
	}
	if err := cfg.Source.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout < 0 {
		return nil, fmt.Errorf("capture: read timeout must be >= 0")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Source.Location()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	src := cfg.Source
	s := &Session{
		name:        cfg.Name,
		candidates:  []Candidate{{Backend: cfg.Backend}},
		target:      Target{Source: &src, Width: cfg.Width, Height: cfg.Height},
		reconnect:   false,
		readTimeout: cfg.ReadTimeout,
		stopTimeout: cfg.StopTimeout,
	}

	slog.Debug("capture: stream session created",
		"name", s.name,
		"source", src.Redacted(),
		"backend", cfg.Backend.Name(),
	)
	return s, nil
}

// Open tries every candidate in order. The first one that opens and
// delivers one frame wins and the background loop starts. When every
// candidate fails the session becomes Failed and a DeviceUnavailable
// error is returned.
//
// The loop runs until Close is called or ctx is cancelled.
func (s *Session) Open(ctx context.Context) error {
	// closed is checked under mu so a concurrent Close either sees the
	// cancel func or makes this Open fail.
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return fmt.Errorf("capture: session %s is closed", s.name)
	}
	if s.opened {
		s.mu.Unlock()
		return fmt.Errorf("capture: session %s already opened", s.name)
	}
	s.opened = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	// Close joins a connect in progress as well as the loop.
	s.wg.Add(1)
	s.mu.Unlock()

	s.setState(StateConnecting)
	_, cand, first, err := s.connect(loopCtx)
	if err != nil {
		if loopCtx.Err() != nil {
			s.setState(StateDisconnected)
		} else {
			s.setState(StateFailed)
		}
		s.wg.Done()
		return err
	}
	if loopCtx.Err() != nil {
		s.releaseDevice()
		s.setState(StateDisconnected)
		s.wg.Done()
		return fmt.Errorf("capture: session %s closed while opening", s.name)
	}

	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()
	s.slot.Put(first)
	s.setState(StateStreaming)

	slog.Info("capture: device opened",
		"name", s.name,
		"candidate", cand.String(),
		"resolution", fmt.Sprintf("%dx%d", first.Width, first.Height),
	)

	go s.loop(loopCtx)
	return nil
}

// connect walks the candidate list once.
func (s *Session) connect(ctx context.Context) (Device, Candidate, frame.Frame, error) {
	var lastErr error
	for _, c := range s.candidates {
		if err := ctx.Err(); err != nil {
			return nil, Candidate{}, frame.Frame{}, fault.New(fault.DeviceUnavailable, "capture.open", err)
		}

		t := s.target
		t.Device = c.Device

		dev, err := c.Backend.Open(ctx, t)
		if err != nil {
			slog.Debug("capture: candidate failed to open", "name", s.name, "candidate", c.String(), "error", err)
			lastErr = err
			continue
		}

		// Published before the probe read so Close can unblock it.
		s.setDevice(dev, c)
		f, err := s.read(dev)
		if err != nil {
			slog.Debug("capture: candidate opened but read failed", "name", s.name, "candidate", c.String(), "error", err)
			s.releaseDevice()
			lastErr = err
			continue
		}

		return dev, c, s.stamp(f), nil
	}

	if lastErr == nil {
		lastErr = errors.New("no candidates")
	}
	return nil, Candidate{}, frame.Frame{}, fault.Errorf(fault.DeviceUnavailable, "capture.open",
		"%d candidates failed, last error: %v", len(s.candidates), lastErr)
}

// read performs one Read, bounded by the read timeout when configured.
func (s *Session) read(dev Device) (frame.Frame, error) {
	if s.readTimeout <= 0 {
		f, err := dev.Read()
		if err != nil {
			return frame.Frame{}, fault.New(fault.FrameReadFailure, "capture.read", err)
		}
		return f, nil
	}

	type result struct {
		f   frame.Frame
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := dev.Read()
		done <- result{f, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return frame.Frame{}, fault.New(fault.FrameReadFailure, "capture.read", r.err)
		}
		return r.f, nil
	case <-time.After(s.readTimeout):
		// The pending Read returns once the device is closed.
		return frame.Frame{}, fault.Errorf(fault.FrameReadFailure, "capture.read", "read timed out after %v", s.readTimeout)
	}
}

func (s *Session) stamp(f frame.Frame) frame.Frame {
	f.Seq = s.seq.Add(1)
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	f.TraceID = uuid.New().String()
	return f
}

// loop reads one frame per iteration into the slot.
func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		dev := s.currentDevice()
		if dev == nil {
			return
		}

		f, err := s.read(dev)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.slot.Put(s.stamp(f))
			continue
		}

		s.readFailures.Add(1)
		s.slot.Clear()
		s.releaseDevice()

		if !s.reconnect {
			s.setState(StateFailed)
			slog.Warn("capture: stream read failed, giving up",
				"name", s.name,
				"error", err,
				"frames_captured", s.slot.Writes(),
			)
			return
		}

		s.setState(StateDisconnected)
		slog.Warn("capture: read failed, reconnecting", "name", s.name, "error", err)

		s.setState(StateConnecting)
		_, cand, first, cerr := s.connect(ctx)
		if cerr != nil {
			if ctx.Err() != nil {
				return
			}
			s.setState(StateFailed)
			slog.Error("capture: reconnect failed, session stopped",
				"name", s.name,
				"error", cerr,
				"reconnects", s.reconnects.Load(),
			)
			return
		}
		if ctx.Err() != nil {
			s.releaseDevice()
			return
		}

		s.reconnects.Add(1)
		s.slot.Put(first)
		s.setState(StateStreaming)
		slog.Info("capture: reconnected", "name", s.name, "candidate", cand.String())
	}
}

// GetFrame returns a copy of the latest frame. It never blocks on the loop.
func (s *Session) GetFrame() (frame.Frame, bool) {
	return s.slot.Get()
}

// Close stops the loop, joins it and releases the device.
//
// Idempotent - safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		s.setState(StateDisconnected)
		return nil
	}

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("capture: loop stopped cleanly", "name", s.name)
	case <-time.After(s.stopTimeout):
		slog.Warn("capture: stop timeout exceeded, releasing device to unblock read", "name", s.name)
		s.releaseDevice()
		select {
		case <-done:
		case <-time.After(s.stopTimeout):
			// Some drivers (OpenCV) cannot interrupt a Read. The loop
			// exits on its own once the read returns.
			slog.Error("capture: read still blocked after release, abandoning loop", "name", s.name)
		}
	}

	s.releaseDevice()
	s.slot.Clear()
	if s.State() != StateFailed {
		s.setState(StateDisconnected)
	}

	slog.Info("capture: session closed",
		"name", s.name,
		"frames_captured", s.slot.Writes(),
		"reconnects", s.reconnects.Load(),
	)
	return nil
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Name returns the session name
func (s *Session) Name() string {
	return s.name
}

// Stats returns current session statistics
func (s *Session) Stats() Stats {
	s.mu.Lock()
	active := ""
	if s.device != nil {
		active = s.active.String()
	}
	var uptime time.Duration
	if !s.started.IsZero() {
		uptime = time.Since(s.started)
	}
	s.mu.Unlock()

	return Stats{
		Name:           s.name,
		State:          s.State(),
		Candidate:      active,
		FramesCaptured: s.slot.Writes(),
		FramesDropped:  s.slot.Drops(),
		ReadFailures:   s.readFailures.Load(),
		Reconnects:     s.reconnects.Load(),
		LastFrameAt:    s.slot.LastWrite(),
		Uptime:         uptime,
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) currentDevice() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

func (s *Session) setDevice(d Device, c Candidate) {
	s.mu.Lock()
	s.device = d
	s.active = c
	s.mu.Unlock()
}

func (s *Session) releaseDevice() {
	s.mu.Lock()
	d := s.device
	s.device = nil
	s.mu.Unlock()

	if d == nil {
		return
	}
	if err := d.Close(); err != nil {
		slog.Warn("capture: failed to release device", "name", s.name, "error", err)
	}
}
