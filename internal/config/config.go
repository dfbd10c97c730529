package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete surveillance service configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Server           ServerConfig   `yaml:"server"`
	Capture          CaptureConfig  `yaml:"capture"`
	Stream           StreamConfig   `yaml:"stream"`
	Model            ModelConfig    `yaml:"model"`
	Alerting         AlertingConfig `yaml:"alerting"`
	Batch            BatchConfig    `yaml:"batch"`
	Storage          StorageConfig  `yaml:"storage"`
	Media            MediaConfig    `yaml:"media"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	SMTP             SMTPConfig     `yaml:"smtp"`
	Cameras          []CameraConfig `yaml:"cameras"`
	Monitor          MonitorConfig  `yaml:"monitor"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	Addr string `yaml:"addr"` // listen address (default: ":8080")
}

// CaptureConfig contains local capture device settings
type CaptureConfig struct {
	Devices        []int    `yaml:"devices"`         // device indexes tried with each backend (default: [0, 1])
	Backends       []string `yaml:"backends"`        // ordered backend names (default: opencv-any, v4l2, dshow, msmf, gstreamer)
	Width          int      `yaml:"width"`           // requested frame width (default: 640)
	Height         int      `yaml:"height"`          // requested frame height (default: 480)
	ReadTimeoutMs  int      `yaml:"read_timeout_ms"` // 0 disables the read timeout
	StopTimeoutMs  int      `yaml:"stop_timeout_ms"` // how long Close waits for the loop (default: 3000)
	NetworkBackend string   `yaml:"network_backend"` // gst-rtsp or opencv-url (default: gst-rtsp)
}

// StreamConfig contains MJPEG stream settings
type StreamConfig struct {
	MaxFPS      float64 `yaml:"max_fps"`      // 0 = unpaced
	JPEGQuality int     `yaml:"jpeg_quality"` // 1-100 (default: 80)
}

// ModelConfig contains classifier settings
type ModelConfig struct {
	Path               string    `yaml:"path"`          // model weights, passed to the worker; empty disables classification
	WorkerScript       string    `yaml:"worker_script"` // python entrypoint (default: models/classifier_worker.py)
	PythonBin          string    `yaml:"python_bin"`    // interpreter (default: python3)
	SequenceLength     int       `yaml:"sequence_length"`
	ImageSize          int       `yaml:"image_size"`
	Mean               []float64 `yaml:"mean"`
	Std                []float64 `yaml:"std"`
	Labels             []string  `yaml:"labels"`
	InferenceTimeoutMs int       `yaml:"inference_timeout_ms"` // 0 = no timeout
}

// AlertingConfig contains alert policy settings
type AlertingConfig struct {
	ConfidenceThreshold float64  `yaml:"confidence_threshold"` // live policy, strict greater-than (default: 90)
	BatchTopN           int      `yaml:"batch_top_n"`          // detections promoted per uploaded file (default: 5)
	StatsWindowMinutes  int      `yaml:"stats_window_minutes"` // trailing statistics window (default: 15)
	Recipients          []string `yaml:"recipients"`
}

// BatchConfig contains uploaded-file processing settings
type BatchConfig struct {
	FallbackFPS float64 `yaml:"fallback_fps"` // used when the container reports fps <= 0 (default: 30)
	Decoder     string  `yaml:"decoder"`      // ffmpeg or opencv (default: ffmpeg)
}

// StorageConfig selects the alert store
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, postgres, sqlite (default: memory)
	DSN    string `yaml:"dsn"`    // connection string or sqlite file path
}

// MediaConfig contains file bookkeeping settings
type MediaConfig struct {
	Root       string `yaml:"root"`         // base directory (default: "media")
	URLPrefix  string `yaml:"url_prefix"`   // public prefix for saved files (default: "/media/")
	MaxAgeDays int    `yaml:"max_age_days"` // cleanup age (default: 7)
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"` // default: surveillance/<instance_id>
	QoS         byte   `yaml:"qos"`
}

// SMTPConfig contains mail settings. An empty host disables SMTP.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // default: 587
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// CameraConfig describes a network camera watched by a monitor
type CameraConfig struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // default: 8080
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"`
	Active   *bool  `yaml:"active"` // default: true
}

// IsActive reports whether the camera should be monitored.
func (c CameraConfig) IsActive() bool {
	return c.Active == nil || *c.Active
}

// MonitorConfig contains camera monitor settings
type MonitorConfig struct {
	QueueSize         int `yaml:"queue_size"`           // bounded queue capacity (default: 4)
	PollIntervalMs    int `yaml:"poll_interval_ms"`     // how often the latest frame is offered (default: 100)
	RestartDelayMs    int `yaml:"restart_delay_ms"`     // first delay before a failed monitor restarts (default: 1000)
	MaxRestartDelayMs int `yaml:"max_restart_delay_ms"` // backoff cap (default: 30000)
	MaxRestarts       int `yaml:"max_restarts"`         // 0 = restart forever
}

// ReadTimeout returns the capture read timeout, zero when disabled.
func (c CaptureConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// StopTimeout returns how long Close waits for the capture loop.
func (c CaptureConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMs) * time.Millisecond
}

// InferenceTimeout returns the per-window model timeout, zero when disabled.
func (m ModelConfig) InferenceTimeout() time.Duration {
	return time.Duration(m.InferenceTimeoutMs) * time.Millisecond
}

// StatsWindow returns the trailing statistics window.
func (a AlertingConfig) StatsWindow() time.Duration {
	return time.Duration(a.StatsWindowMinutes) * time.Minute
}

// MaxAge returns the media cleanup age.
func (m MediaConfig) MaxAge() time.Duration {
	return time.Duration(m.MaxAgeDays) * 24 * time.Hour
}

// PollInterval returns the monitor polling interval.
func (m MonitorConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

// RestartDelay returns the first monitor restart delay.
func (m MonitorConfig) RestartDelay() time.Duration {
	return time.Duration(m.RestartDelayMs) * time.Millisecond
}

// MaxRestartDelay returns the monitor restart backoff cap.
func (m MonitorConfig) MaxRestartDelay() time.Duration {
	return time.Duration(m.MaxRestartDelayMs) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references from the environment, decodes YAML and
// validates the result. Unset variables expand to "".
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{InstanceID: "surveillance"}
	if err := Validate(cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}
