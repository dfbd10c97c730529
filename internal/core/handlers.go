package core

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/batch"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/capture"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/fault"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/stream"
)

const maxUploadBytes = 2 << 30

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	Video      string         `json:"video_url"`
	ResultFile string         `json:"result_url"`
	Results    []batch.Record `json:"results"`
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /video_feed", s.handleVideoFeed)
	mux.HandleFunc("POST /cctv_feed", s.handleCCTVFeed)
	mux.HandleFunc("GET /cameras/{name}/feed", s.handleCameraFeed)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("GET /alerts/stats", s.handleAlertStats)
	mux.HandleFunc("GET /cameras", s.handleCameras)
	mux.Handle("GET /ws", s.hub)
	mux.Handle("GET "+s.media.Prefix(), http.StripPrefix(s.media.Prefix(), http.FileServer(http.Dir(s.media.Root()))))

	mux.HandleFunc("GET /health", s.LivenessHandler)
	mux.HandleFunc("GET /readiness", s.ReadinessHandler)
	mux.HandleFunc("GET /metrics", s.MetricsHandler)

	return mux
}

// handleVideoFeed opens the local device for this viewer, classifies the
// mirrored frames and streams them until the viewer leaves.
func (s *Service) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	s.viewers.Add(1)
	defer s.viewers.Done()

	session, err := capture.NewSession(capture.SessionConfig{
		Name:        "video_feed:" + r.RemoteAddr,
		Candidates:  capture.Candidates(s.cfg.Capture.Devices, s.deviceBackends),
		Width:       s.cfg.Capture.Width,
		Height:      s.cfg.Capture.Height,
		ReadTimeout: s.cfg.Capture.ReadTimeout(),
		StopTimeout: s.cfg.Capture.StopTimeout(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := session.Open(r.Context()); err != nil {
		slog.Warn("core: video feed unavailable", "remote", r.RemoteAddr, "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	defer session.Close()

	engine, err := classify.NewEngine(s.model, classify.EngineConfig{
		Name:           session.Name(),
		Mode:           classify.Live,
		SequenceLength: s.cfg.Model.SequenceLength,
		Labels:         s.cfg.Model.Labels,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	enc, err := stream.NewEncoder(session, engine, s.pipeline, stream.Options{
		Mirror:      true,
		MaxFPS:      s.cfg.Stream.MaxFPS,
		JPEGQuality: s.cfg.Stream.JPEGQuality,
		Overlay:     s.overlay,
		OnPrediction: func(p classify.Prediction) {
			s.hub.PublishPrediction("video_feed", p)
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stream.Serve(w, r, enc)
}

// handleCCTVFeed relays a network camera given by form fields. The frames
// are not classified.
func (s *Service) handleCCTVFeed(w http.ResponseWriter, r *http.Request) {
	s.viewers.Add(1)
	defer s.viewers.Done()

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	src := capture.NetworkSource{
		Host:     strings.TrimSpace(r.PostFormValue("ip_address")),
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
		Path:     r.PostFormValue("path"),
	}
	if p := r.PostFormValue("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("port must be a number"))
			return
		}
		src.Port = port
	}

	session, err := capture.NewStreamSession(capture.StreamConfig{
		Name:        "cctv_feed:" + r.RemoteAddr,
		Backend:     s.networkBackend,
		Source:      src,
		Width:       s.cfg.Capture.Width,
		Height:      s.cfg.Capture.Height,
		ReadTimeout: s.cfg.Capture.ReadTimeout(),
		StopTimeout: s.cfg.Capture.StopTimeout(),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := session.Open(r.Context()); err != nil {
		slog.Warn("core: cctv feed unavailable", "source", src.Redacted(), "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	defer session.Close()

	enc, err := stream.NewEncoder(session, nil, nil, stream.Options{
		MaxFPS:      s.cfg.Stream.MaxFPS,
		JPEGQuality: s.cfg.Stream.JPEGQuality,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stream.Serve(w, r, enc)
}

// handleCameraFeed streams the frames of a running monitor without opening
// the camera a second time.
func (s *Service) handleCameraFeed(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var m *Monitor
	for _, candidate := range s.monitors {
		if candidate.Name() == name {
			m = candidate
			break
		}
	}
	if m == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown camera"))
		return
	}
	if _, ok := m.GetFrame(); !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("camera has no frame yet"))
		return
	}

	s.viewers.Add(1)
	defer s.viewers.Done()

	enc, err := stream.NewEncoder(m, nil, nil, stream.Options{
		MaxFPS:      s.cfg.Stream.MaxFPS,
		JPEGQuality: s.cfg.Stream.JPEGQuality,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stream.Serve(w, r, enc)
}

// handleUpload saves the "video" form file, processes it in batch mode and
// returns the per-window results.
func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	upload, err := s.media.SaveUpload(header.Filename, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	slog.Info("core: video uploaded", "name", header.Filename, "stored_as", upload.Name, "size", header.Size)

	records, err := s.processor.Process(r.Context(), upload.Path)
	if err != nil {
		slog.Error("core: video processing failed", "path", upload.Path, "error", err)
		writeError(w, statusFor(err), err)
		return
	}

	dir, err := s.media.ResultDir(upload.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resultPath, err := batch.WriteResults(dir, records)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if records == nil {
		records = []batch.Record{}
	}
	writeJSON(w, http.StatusOK, UploadResponse{
		Video:      upload.URL,
		ResultFile: s.media.URL(relativeTo(s.media.Root(), resultPath)),
		Results:    records,
	})
}

func (s *Service) handleAlerts(w http.ResponseWriter, r *http.Request) {
	f := alert.Filter{ThreatType: r.URL.Query().Get("threat_type"), Limit: 100}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive number"))
			return
		}
		f.Limit = n
	}
	if c := r.URL.Query().Get("camera_id"); c != "" {
		id, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("camera_id must be a number"))
			return
		}
		f.CameraID = &id
	}

	alerts, err := s.store.ListAlerts(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Service) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	window := s.cfg.Alerting.StatsWindow()
	stats, err := s.store.ThreatStats(r.Context(), time.Now().Add(-window), 3)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.store.ListCameras(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if cams == nil {
		cams = []alert.Camera{}
	}
	writeJSON(w, http.StatusOK, cams)
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.DeviceUnavailable, fault.ModelUnavailable:
		return http.StatusServiceUnavailable
	case fault.FrameReadFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("core: failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func relativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}
