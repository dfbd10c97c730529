package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// DeviceBackends lists the local capture backends, in the default fallback order
// first, followed by the ones that must be selected explicitly.
var DeviceBackends = []string{
	"opencv-any", "opencv-v4l2", "opencv-dshow", "opencv-msmf", "opencv-gstreamer",
	"opencv-ffmpeg", "gst-v4l2", "ffmpeg-v4l2",
}

// NetworkBackends lists the backends usable for network cameras.
var NetworkBackends = []string{"gst-rtsp", "opencv-url"}

// DefaultLabels is the label set of the bundled classifier.
var DefaultLabels = []string{"Robbery", "Vandalism", "Shoplifting", "normal", "Burglary", "Stealing"}

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}

	if err := validateCapture(&cfg.Capture); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	if cfg.Stream.MaxFPS < 0 {
		return fmt.Errorf("stream.max_fps must be >= 0")
	}
	if cfg.Stream.JPEGQuality == 0 {
		cfg.Stream.JPEGQuality = 80
	}
	if cfg.Stream.JPEGQuality < 1 || cfg.Stream.JPEGQuality > 100 {
		return fmt.Errorf("stream.jpeg_quality must be in [1, 100], got %d", cfg.Stream.JPEGQuality)
	}

	if err := validateModel(&cfg.Model); err != nil {
		return fmt.Errorf("model: %w", err)
	}

	a := &cfg.Alerting
	if a.ConfidenceThreshold == 0 {
		a.ConfidenceThreshold = 90
	}
	if a.ConfidenceThreshold < 0 || a.ConfidenceThreshold > 100 {
		return fmt.Errorf("alerting.confidence_threshold must be in [0, 100], got %v", a.ConfidenceThreshold)
	}
	if a.BatchTopN <= 0 {
		a.BatchTopN = 5
	}
	if a.StatsWindowMinutes <= 0 {
		a.StatsWindowMinutes = 15
	}

	if cfg.Batch.FallbackFPS <= 0 {
		cfg.Batch.FallbackFPS = 30
	}
	switch cfg.Batch.Decoder {
	case "":
		cfg.Batch.Decoder = "ffmpeg"
	case "ffmpeg", "opencv":
	default:
		return fmt.Errorf("batch.decoder must be 'ffmpeg' or 'opencv', got '%s'", cfg.Batch.Decoder)
	}

	switch cfg.Storage.Driver {
	case "":
		cfg.Storage.Driver = "memory"
	case "memory":
	case "postgres", "sqlite":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver '%s'", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver must be memory, postgres or sqlite, got '%s'", cfg.Storage.Driver)
	}

	if cfg.Media.Root == "" {
		cfg.Media.Root = "media"
	}
	if cfg.Media.URLPrefix == "" {
		cfg.Media.URLPrefix = "/media/"
	}
	if !strings.HasSuffix(cfg.Media.URLPrefix, "/") {
		cfg.Media.URLPrefix += "/"
	}
	if cfg.Media.MaxAgeDays <= 0 {
		cfg.Media.MaxAgeDays = 7
	}

	if cfg.MQTT.Broker != "" && cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = fmt.Sprintf("surveillance/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}

	if cfg.SMTP.Host != "" {
		if cfg.SMTP.Port == 0 {
			cfg.SMTP.Port = 587
		}
		if cfg.SMTP.From == "" {
			return fmt.Errorf("smtp.from is required when smtp.host is set")
		}
	}

	if err := validateCameras(cfg.Cameras); err != nil {
		return fmt.Errorf("camera validation failed: %w", err)
	}
	if cfg.Monitor.QueueSize <= 0 {
		cfg.Monitor.QueueSize = 4
	}
	if cfg.Monitor.PollIntervalMs <= 0 {
		cfg.Monitor.PollIntervalMs = 100
	}
	if cfg.Monitor.RestartDelayMs <= 0 {
		cfg.Monitor.RestartDelayMs = 1000
	}
	if cfg.Monitor.MaxRestartDelayMs <= 0 {
		cfg.Monitor.MaxRestartDelayMs = 30000
	}
	if cfg.Monitor.MaxRestartDelayMs < cfg.Monitor.RestartDelayMs {
		return fmt.Errorf("monitor.max_restart_delay_ms must be >= restart_delay_ms")
	}
	if cfg.Monitor.MaxRestarts < 0 {
		return fmt.Errorf("monitor.max_restarts must be >= 0")
	}

	return nil
}

func validateCapture(c *CaptureConfig) error {
	if len(c.Devices) == 0 {
		c.Devices = []int{0, 1}
	}
	for _, d := range c.Devices {
		if d < 0 {
			return fmt.Errorf("device index must be >= 0, got %d", d)
		}
	}
	if len(c.Backends) == 0 {
		c.Backends = append([]string(nil), DeviceBackends[:5]...)
	}
	for _, b := range c.Backends {
		if !slices.Contains(DeviceBackends, b) {
			return fmt.Errorf("unknown backend '%s' (known: %s)", b, strings.Join(DeviceBackends, ", "))
		}
	}
	if c.NetworkBackend == "" {
		c.NetworkBackend = "gst-rtsp"
	}
	if !slices.Contains(NetworkBackends, c.NetworkBackend) {
		return fmt.Errorf("unknown network_backend '%s' (known: %s)", c.NetworkBackend, strings.Join(NetworkBackends, ", "))
	}
	if c.Width == 0 {
		c.Width = 640
	}
	if c.Height == 0 {
		c.Height = 480
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("width and height must be > 0")
	}
	if c.ReadTimeoutMs < 0 {
		return fmt.Errorf("read_timeout_ms must be >= 0")
	}
	if c.StopTimeoutMs <= 0 {
		c.StopTimeoutMs = 3000
	}
	return nil
}

func validateModel(m *ModelConfig) error {
	if m.WorkerScript == "" {
		m.WorkerScript = "models/classifier_worker.py"
	}
	if m.PythonBin == "" {
		m.PythonBin = "python3"
	}
	if m.SequenceLength == 0 {
		m.SequenceLength = 16
	}
	if m.SequenceLength < 2 {
		return fmt.Errorf("sequence_length must be >= 2, got %d", m.SequenceLength)
	}
	if m.ImageSize == 0 {
		m.ImageSize = 128
	}
	if m.ImageSize < 0 {
		return fmt.Errorf("image_size must be > 0")
	}
	if len(m.Mean) == 0 {
		m.Mean = []float64{0.4889, 0.4887, 0.4891}
	}
	if len(m.Std) == 0 {
		m.Std = []float64{0.2074, 0.2074, 0.2074}
	}
	if len(m.Mean) != 3 || len(m.Std) != 3 {
		return fmt.Errorf("mean and std must have 3 channels")
	}
	for _, s := range m.Std {
		if s <= 0 {
			return fmt.Errorf("std values must be > 0")
		}
	}
	if len(m.Labels) == 0 {
		m.Labels = append([]string(nil), DefaultLabels...)
	}
	seen := make(map[string]bool, len(m.Labels))
	for _, l := range m.Labels {
		if l == "" {
			return fmt.Errorf("labels must not be empty")
		}
		if seen[l] {
			return fmt.Errorf("duplicate label '%s'", l)
		}
		seen[l] = true
	}
	if m.InferenceTimeoutMs < 0 {
		return fmt.Errorf("inference_timeout_ms must be >= 0")
	}
	return nil
}

func validateCameras(cams []CameraConfig) error {
	names := make(map[string]bool, len(cams))
	for i := range cams {
		c := &cams[i]
		if c.Name == "" {
			return fmt.Errorf("camera %d: name is required", i)
		}
		if names[c.Name] {
			return fmt.Errorf("camera '%s': duplicate name", c.Name)
		}
		names[c.Name] = true
		if c.Host == "" {
			return fmt.Errorf("camera '%s': host is required", c.Name)
		}
		if c.Port == 0 {
			c.Port = 8080
		}
		if c.Port < 0 || c.Port > 65535 {
			return fmt.Errorf("camera '%s': port out of range: %d", c.Name, c.Port)
		}
	}
	return nil
}
