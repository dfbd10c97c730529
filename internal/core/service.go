// Package core wires the capture, classification and alerting components
// into the surveillance service and exposes them over HTTP.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/batch"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/capture"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/config"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/emitter"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/hub"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/media"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/notify"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/storage/postgres"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/storage/sqlite"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/stream"
)

const cleanupInterval = time.Hour

// AlertStore is the store the service needs: alerts and camera records.
type AlertStore interface {
	alert.Store
	alert.CameraStore
}

// Service is the main surveillance orchestrator
type Service struct {
	cfg *config.Config

	store      AlertStore
	closeStore func()
	media      *media.Library
	model      classify.Model
	closeModel func() error
	pipeline   *alert.Pipeline
	processor  *batch.Processor
	overlay    *stream.Overlay
	hub        *hub.Hub
	emitter    *emitter.MQTTEmitter

	deviceBackends []capture.Backend
	networkBackend capture.Backend
	monitors       []*Monitor
	viewers        sync.WaitGroup
	server         *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancel    context.CancelFunc
}

// New builds the service from a validated configuration. A model that fails
// to start disables classification instead of failing the service.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	var (
		model      classify.Model
		closeModel func() error
	)
	if cfg.Model.Path != "" {
		pm, err := classify.StartPythonModel(classify.PythonConfig{
			PythonBin:      cfg.Model.PythonBin,
			Script:         cfg.Model.WorkerScript,
			ModelPath:      cfg.Model.Path,
			SequenceLength: cfg.Model.SequenceLength,
			ImageSize:      cfg.Model.ImageSize,
			Mean:           cfg.Model.Mean,
			Std:            cfg.Model.Std,
			Labels:         cfg.Model.Labels,
			Timeout:        cfg.Model.InferenceTimeout(),
		})
		if err != nil {
			slog.Error("core: model failed to start, classification disabled", "model", cfg.Model.Path, "error", err)
		} else {
			model, closeModel = pm, pm.Close
		}
	} else {
		slog.Warn("core: model.path not set, classification disabled")
	}

	s, err := newService(ctx, cfg, model)
	if err != nil {
		if closeModel != nil {
			closeModel()
		}
		return nil, err
	}
	s.closeModel = closeModel
	return s, nil
}

// newService builds everything except the model process.
func newService(ctx context.Context, cfg *config.Config, model classify.Model) (*Service, error) {
	lib, err := media.New(cfg.Media.Root, cfg.Media.URLPrefix)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:   cfg,
		media: lib,
		model: model,
		hub:   hub.New(),
	}

	if s.store, s.closeStore, err = openStore(ctx, cfg.Storage, lib); err != nil {
		return nil, err
	}

	if s.overlay, err = stream.NewOverlay(0); err != nil {
		s.closeStore()
		return nil, err
	}

	observers := []alert.Observer{s.hub}
	notifiers := notify.Fanout{notify.LogNotifier{}}
	if cfg.SMTP.Host != "" {
		smtpNotifier, err := notify.NewSMTPNotifier(cfg.SMTP)
		if err != nil {
			s.closeStore()
			return nil, err
		}
		notifiers = append(notifiers, smtpNotifier)
	}
	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(cfg.MQTT, cfg.InstanceID)
		observers = append(observers, s.emitter)
		notifiers = append(notifiers, s.emitter)
	}

	s.pipeline, err = alert.NewPipeline(s.store, notifiers, alert.Config{
		Threshold:   cfg.Alerting.ConfidenceThreshold,
		StatsWindow: cfg.Alerting.StatsWindow(),
		Recipients:  cfg.Alerting.Recipients,
		JPEGQuality: cfg.Stream.JPEGQuality,
	}, observers...)
	if err != nil {
		s.closeStore()
		return nil, err
	}

	decoder, err := batch.NewDecoder(cfg.Batch.Decoder)
	if err != nil {
		s.closeStore()
		return nil, err
	}
	s.processor, err = batch.NewProcessor(decoder, model, s.pipeline, batch.Config{
		SequenceLength: cfg.Model.SequenceLength,
		Labels:         cfg.Model.Labels,
		FallbackFPS:    cfg.Batch.FallbackFPS,
		TopN:           cfg.Alerting.BatchTopN,
	})
	if err != nil {
		s.closeStore()
		return nil, err
	}

	if s.deviceBackends, err = capture.NewBackends(cfg.Capture.Backends); err != nil {
		s.closeStore()
		return nil, err
	}
	if s.networkBackend, err = capture.NewBackend(cfg.Capture.NetworkBackend); err != nil {
		s.closeStore()
		return nil, err
	}

	if err := s.registerCameras(ctx); err != nil {
		s.closeStore()
		return nil, err
	}

	slog.Info("core: service configured",
		"instance_id", cfg.InstanceID,
		"storage", cfg.Storage.Driver,
		"classification", model != nil,
		"cameras", len(s.monitors),
		"mqtt", s.emitter != nil,
		"smtp", cfg.SMTP.Host != "",
	)
	return s, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, images alert.ImageWriter) (AlertStore, func(), error) {
	switch cfg.Driver {
	case "postgres":
		st, err := postgres.New(ctx, cfg.DSN, images)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "sqlite":
		st, err := sqlite.New(cfg.DSN, images)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				slog.Warn("core: failed to close sqlite store", "error", err)
			}
		}, nil
	default:
		return alert.NewMemoryStore(images), func() {}, nil
	}
}

// registerCameras upserts the configured cameras and creates a monitor for
// each active one.
func (s *Service) registerCameras(ctx context.Context) error {
	for _, c := range s.cfg.Cameras {
		cam, err := s.store.UpsertCamera(ctx, alert.Camera{
			Name:     c.Name,
			Location: c.Location,
			Host:     c.Host,
			Port:     c.Port,
			Username: c.Username,
			Password: c.Password,
			Path:     c.Path,
			Active:   c.IsActive(),
		})
		if err != nil {
			return fmt.Errorf("core: failed to register camera %s: %w", c.Name, err)
		}
		if !cam.Active {
			slog.Info("core: camera inactive, not monitored", "camera", cam.Name)
			continue
		}
		s.monitors = append(s.monitors, newMonitor(s, cam, s.networkBackend))
	}
	return nil
}

// Run starts the monitors, the cleanup loop and the HTTP server, and blocks
// until ctx is cancelled or the server fails.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("core: service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	defer s.cancel()

	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			// The client keeps retrying in the background.
			slog.Warn("core: mqtt not connected yet", "error", err)
		}
	}

	for _, m := range s.monitors {
		s.wg.Add(1)
		go func(m *Monitor) {
			defer s.wg.Done()
			if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("core: monitor stopped", "camera", m.Name(), "error", err)
			}
		}(m)
	}

	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	s.mu.Lock()
	s.server = &http.Server{
		Addr:        s.cfg.Server.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	srv := s.server
	s.mu.Unlock()

	slog.Info("core: http server listening", "addr", s.cfg.Server.Addr, "monitors", len(s.monitors))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("core: http server failed: %w", err)
	}
}

func (s *Service) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	clean := func() {
		if _, err := s.media.CleanOld(s.cfg.Media.MaxAge()); err != nil {
			slog.Warn("core: media cleanup incomplete", "error", err)
		}
	}
	clean()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clean()
		}
	}
}

// Shutdown stops the server, the monitors and every open viewer session,
// then releases the model and the store.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		s.release()
		return nil
	}
	s.isRunning = false
	cancel, srv := s.cancel, s.server
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.viewers.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("core: all components stopped")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timeout waiting for components: %w", ctx.Err()))
	}

	if s.emitter != nil {
		s.emitter.Disconnect()
	}
	s.release()
	return errors.Join(errs...)
}

func (s *Service) release() {
	if s.closeModel != nil {
		if err := s.closeModel(); err != nil {
			slog.Warn("core: failed to stop model", "error", err)
		}
		s.closeModel = nil
	}
	if s.closeStore != nil {
		s.closeStore()
		s.closeStore = nil
	}
}

// ShutdownTimeout returns the graceful shutdown budget.
func (s *Service) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}
