package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/capture"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/config"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// MonitorStats contains camera monitor statistics
type MonitorStats struct {
	Camera      string              `json:"camera"`
	CameraID    int64               `json:"camera_id"`
	State       string              `json:"state"`
	Restarts    uint64              `json:"restarts"`
	Predictions uint64              `json:"predictions"`
	Alerts      uint64              `json:"alerts"`
	Queue       classify.QueueStats `json:"queue"`
	Session     *capture.Stats      `json:"session,omitempty"`
}

// Monitor watches one network camera in the background.
//
// Frames flow session -> bounded queue -> live engine -> live policy, so a
// slow model or store never stalls the capture goroutine; frames offered
// while the queue is full are dropped and counted.
type Monitor struct {
	camera    alert.Camera
	source    capture.NetworkSource
	backend   capture.Backend
	model     classify.Model
	pipeline  *alert.Pipeline
	capture   config.CaptureConfig
	cfg       config.MonitorConfig
	seqLen    int
	labels    []string
	onPredict func(source string, p classify.Prediction)

	session atomic.Pointer[capture.Session]
	queue   atomic.Pointer[classify.Queue]

	restarts    atomic.Uint64
	predictions atomic.Uint64
	alerts      atomic.Uint64
}

func newMonitor(s *Service, cam alert.Camera, backend capture.Backend) *Monitor {
	return &Monitor{
		camera: cam,
		source: capture.NetworkSource{
			Host:     cam.Host,
			Port:     cam.Port,
			Username: cam.Username,
			Password: cam.Password,
			Path:     cam.Path,
		},
		backend:   backend,
		model:     s.model,
		pipeline:  s.pipeline,
		capture:   s.cfg.Capture,
		cfg:       s.cfg.Monitor,
		seqLen:    s.cfg.Model.SequenceLength,
		labels:    s.cfg.Model.Labels,
		onPredict: s.hub.PublishPrediction,
	}
}

// Name returns the camera name
func (m *Monitor) Name() string {
	return m.camera.Name
}

// Run watches the camera until ctx is cancelled, restarting the stream
// session with backoff whenever it fails.
func (m *Monitor) Run(ctx context.Context) error {
	return RunWithRestart(ctx, m.camera.Name, m.runOnce, RestartConfig{
		MaxRestarts: m.cfg.MaxRestarts,
		Delay:       m.cfg.RestartDelay(),
		MaxDelay:    m.cfg.MaxRestartDelay(),
	}, &m.restarts)
}

func (m *Monitor) runOnce(ctx context.Context) error {
	session, err := capture.NewStreamSession(capture.StreamConfig{
		Name:        "camera:" + m.camera.Name,
		Backend:     m.backend,
		Source:      m.source,
		Width:       m.capture.Width,
		Height:      m.capture.Height,
		ReadTimeout: m.capture.ReadTimeout(),
		StopTimeout: m.capture.StopTimeout(),
	})
	if err != nil {
		return err
	}
	if err := session.Open(ctx); err != nil {
		return err
	}
	m.session.Store(session)
	defer session.Close()

	engine, err := classify.NewEngine(m.model, classify.EngineConfig{
		Name:           "camera:" + m.camera.Name,
		Mode:           classify.Live,
		SequenceLength: m.seqLen,
		Labels:         m.labels,
	})
	if err != nil {
		return err
	}
	q, err := classify.NewQueue(engine, m.cfg.QueueSize)
	if err != nil {
		return err
	}
	if err := q.Start(ctx); err != nil {
		return err
	}
	m.queue.Store(q)
	defer q.Close()

	slog.Info("core: monitor streaming",
		"camera", m.camera.Name,
		"source", m.source.Redacted(),
		"classification", engine.Enabled(),
	)

	ticker := time.NewTicker(m.cfg.PollInterval())
	defer ticker.Stop()

	start := time.Now()
	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			f, ok := session.GetFrame()
			if !ok {
				if session.State() == capture.StateFailed {
					return fmt.Errorf("core: camera %s stream failed", m.camera.Name)
				}
				continue
			}
			if f.Seq == lastSeq {
				continue
			}
			lastSeq = f.Seq
			if engine.Enabled() {
				q.Offer(f)
			}

		case r, ok := <-q.Results():
			if !ok {
				return nil
			}
			m.handle(ctx, r, start)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, r classify.Result, start time.Time) {
	m.predictions.Add(1)
	if m.onPredict != nil {
		m.onPredict(m.camera.Name, r.Prediction)
	}
	if m.pipeline == nil {
		return
	}

	offset := time.Since(start)
	if !r.Frame.Timestamp.IsZero() && r.Frame.Timestamp.After(start) {
		offset = r.Frame.Timestamp.Sub(start)
	}
	id := m.camera.ID
	var cameraID *int64
	if id != 0 {
		cameraID = &id
	}

	a, err := m.pipeline.Consider(ctx, alert.Detection{
		Prediction:     r.Prediction,
		Frame:          r.Frame,
		VideoTimestamp: alert.FormatVideoTime(offset.Seconds()),
		CameraID:       cameraID,
	}, classify.Live)
	if err != nil {
		slog.Warn("core: monitor alert not recorded", "camera", m.camera.Name, "error", err)
		return
	}
	if a != nil {
		m.alerts.Add(1)
	}
}

// GetFrame returns the latest frame of the current session, so a monitor
// can back a viewer stream without opening the camera twice.
func (m *Monitor) GetFrame() (frame.Frame, bool) {
	s := m.session.Load()
	if s == nil {
		return frame.Frame{}, false
	}
	return s.GetFrame()
}

// Stats returns monitor statistics
func (m *Monitor) Stats() MonitorStats {
	st := MonitorStats{
		Camera:      m.camera.Name,
		CameraID:    m.camera.ID,
		State:       capture.StateDisconnected.String(),
		Restarts:    m.restarts.Load(),
		Predictions: m.predictions.Load(),
		Alerts:      m.alerts.Load(),
	}
	if s := m.session.Load(); s != nil {
		ss := s.Stats()
		st.State = ss.State.String()
		st.Session = &ss
	}
	if q := m.queue.Load(); q != nil {
		st.Queue = q.Stats()
	}
	return st
}
