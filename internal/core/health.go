package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/capture"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/hub"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status         string         `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds  int64          `json:"uptime_seconds"`
	Classification bool           `json:"classification_enabled"`
	MonitorsUp     int            `json:"monitors_up"`
	MonitorsTotal  int            `json:"monitors_total"`
	MQTTConnected  bool           `json:"mqtt_connected"`
	Monitors       []MonitorStats `json:"monitors,omitempty"`
	Alerts         alert.Stats    `json:"alerts"`
	Hub            hub.Stats      `json:"hub"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running, started := s.isRunning, s.started
	s.mu.RUnlock()

	status := HealthStatus{
		Status:         "healthy",
		Classification: s.model != nil,
		MonitorsTotal:  len(s.monitors),
		Alerts:         s.pipeline.Stats(),
		Hub:            s.hub.Stats(),
	}
	if !started.IsZero() {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	for _, m := range s.monitors {
		st := m.Stats()
		if st.State == capture.StateStreaming.String() {
			status.MonitorsUp++
		}
		status.Monitors = append(status.Monitors, st)
	}

	if s.emitter != nil && s.emitter.Client != nil && s.emitter.Client.IsConnected() {
		status.MQTTConnected = true
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case !status.Classification,
		status.MonitorsUp < status.MonitorsTotal,
		s.emitter != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	var uptime int64
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": uptime,
	})
}

// ReadinessHandler handles /readiness. Degraded is still ready.
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics in the Prometheus text format.
func (s *Service) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()
	id := s.cfg.InstanceID

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	gauge := func(name string, v any, labels string) {
		fmt.Fprintf(w, "surveillance_%s{instance=%q%s} %v\n", name, id, labels, v)
	}
	gauge("uptime_seconds", health.UptimeSeconds, "")
	gauge("alerts_considered_total", health.Alerts.Considered, "")
	gauge("alerts_created_total", health.Alerts.Created, "")
	gauge("alerts_rejected_total", health.Alerts.Rejected, "")
	gauge("alert_persistence_failures_total", health.Alerts.PersistFailed, "")
	gauge("alert_notification_failures_total", health.Alerts.NotifyFailed, "")
	gauge("hub_clients", health.Hub.Clients, "")
	for _, m := range health.Monitors {
		cam := fmt.Sprintf(",camera=%q", m.Camera)
		gauge("monitor_restarts_total", m.Restarts, cam)
		gauge("monitor_predictions_total", m.Predictions, cam)
		gauge("monitor_queue_dropped_total", m.Queue.Dropped, cam)
		if m.Session != nil {
			gauge("capture_frames_total", m.Session.FramesCaptured, cam)
			gauge("capture_frames_dropped_total", m.Session.FramesDropped, cam)
			gauge("capture_read_failures_total", m.Session.ReadFailures, cam)
		}
	}
}
