package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/batch"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/capture"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/config"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/stream"
)

// robberyModel scores every window as a confident Robbery.
type robberyModel struct{ calls atomic.Int64 }

func (m *robberyModel) Predict(context.Context, []frame.Frame) ([]float64, error) {
	m.calls.Add(1)
	return []float64{10, 0, 0, 0, 0, 0}, nil
}

// fakeDevice yields frames every interval until limit is reached, then fails.
type fakeDevice struct {
	interval time.Duration
	limit    int
	read     int
	closed   atomic.Bool
}

func (d *fakeDevice) Read() (frame.Frame, error) {
	if d.closed.Load() {
		return frame.Frame{}, errors.New("device closed")
	}
	if d.limit > 0 && d.read >= d.limit {
		return frame.Frame{}, errors.New("end of stream")
	}
	time.Sleep(d.interval)
	d.read++
	return frame.Frame{Width: 8, Height: 6, Data: make([]byte, 8*6*3)}, nil
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

// fakeBackend opens at most maxOpens devices; later opens fail.
type fakeBackend struct {
	name     string
	maxOpens int
	limit    int
	interval time.Duration

	mu     sync.Mutex
	opens  int
	target capture.Target
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Open(_ context.Context, t capture.Target) (capture.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = t
	if b.opens >= b.maxOpens {
		return nil, errors.New("no such device")
	}
	b.opens++
	return &fakeDevice{interval: b.interval, limit: b.limit}, nil
}

type fakeVideo struct {
	n, read int
}

func (v *fakeVideo) FPS() float64 { return 0 }

func (v *fakeVideo) Next() (frame.Frame, error) {
	if v.read >= v.n {
		return frame.Frame{}, io.EOF
	}
	v.read++
	return frame.Frame{Width: 4, Height: 4, Data: make([]byte, 4*4*3)}, nil
}

func (v *fakeVideo) Close() error { return nil }

type fakeDecoder struct{ frames int }

func (d fakeDecoder) Name() string { return "fake" }

func (d fakeDecoder) Open(context.Context, string) (batch.Video, error) {
	return &fakeVideo{n: d.frames}, nil
}

func testConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	cfg := &config.Config{InstanceID: "test"}
	cfg.Media.Root = t.TempDir()
	cfg.Capture.Backends = []string{"ffmpeg-v4l2"}
	cfg.Capture.StopTimeoutMs = 500
	if mutate != nil {
		mutate(cfg)
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, model *robberyModel) *Service {
	t.Helper()
	var s *Service
	var err error
	if model == nil {
		s, err = newService(context.Background(), cfg, nil)
	} else {
		s, err = newService(context.Background(), cfg, model)
	}
	if err != nil {
		t.Fatalf("newService() failed: %v", err)
	}
	t.Cleanup(s.release)
	return s
}

func TestBackoff(t *testing.T) {
	cfg := RestartConfig{Delay: time.Second, MaxDelay: 30 * time.Second}
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range testCases {
		if got := backoff(tc.attempt, cfg); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRunWithRestartGivesUp(t *testing.T) {
	var runs int
	var restarts atomic.Uint64
	err := RunWithRestart(context.Background(), "door", func(context.Context) error {
		runs++
		return errors.New("stream failed")
	}, RestartConfig{MaxRestarts: 2, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, &restarts)

	if err == nil || !strings.Contains(err.Error(), "exceeded 2 restarts") {
		t.Fatalf("err = %v", err)
	}
	if runs != 3 {
		t.Errorf("runs = %d, want 3", runs)
	}
	if restarts.Load() != 2 {
		t.Errorf("restarts = %d, want 2", restarts.Load())
	}
	t.Log("✅ Monitor restart gives up after max restarts")
}

func TestRunWithRestartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- RunWithRestart(ctx, "door", func(context.Context) error {
			runs.Add(1)
			return errors.New("stream failed")
		}, RestartConfig{Delay: time.Hour, MaxDelay: time.Hour}, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunWithRestart did not stop on cancel")
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}

func TestCamerasRegistered(t *testing.T) {
	inactive := false
	cfg := testConfig(t, func(c *config.Config) {
		c.Cameras = []config.CameraConfig{
			{Name: "gate", Host: "10.0.0.2", Username: "admin", Password: "secret"},
			{Name: "dock", Host: "10.0.0.3", Active: &inactive},
		}
	})
	s := newTestService(t, cfg, nil)

	if len(s.monitors) != 1 || s.monitors[0].Name() != "gate" {
		t.Fatalf("monitors = %v", s.monitors)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cameras", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("camera password leaked in response")
	}
	var cams []alert.Camera
	if err := json.Unmarshal(rec.Body.Bytes(), &cams); err != nil {
		t.Fatal(err)
	}
	if len(cams) != 2 || cams[0].Name != "dock" || cams[0].Active {
		t.Errorf("cameras = %+v", cams)
	}
	t.Log("✅ Cameras registered, inactive camera not monitored")
}

func TestVideoFeedDeviceUnavailable(t *testing.T) {
	s := newTestService(t, testConfig(t, nil), nil)
	b := &fakeBackend{name: "fake", maxOpens: 0}
	s.deviceBackends = []capture.Backend{b}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video_feed", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if b.opens != 0 {
		t.Errorf("opens = %d", b.opens)
	}
}

func TestVideoFeedStreamsUntilSourceEnds(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.Model.SequenceLength = 2
	})
	s := newTestService(t, cfg, &robberyModel{})
	// One device that fails after 40 frames; the reconnect finds nothing.
	b := &fakeBackend{name: "fake", maxOpens: 1, limit: 40, interval: 2 * time.Millisecond}
	s.deviceBackends = []capture.Backend{b}

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/video_feed", nil))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the source failed")
	}

	if ct := rec.Header().Get("Content-Type"); ct != stream.ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "--frame\r\nContent-Type: image/jpeg\r\n\r\n") {
		t.Errorf("body does not start with a multipart part: %q", body[:min(len(body), 40)])
	}
	t.Logf("✅ Stream ended with source (%d bytes)", len(body))
}

func TestUploadRunsBatch(t *testing.T) {
	cfg := testConfig(t, nil)
	s := newTestService(t, cfg, &robberyModel{})

	proc, err := batch.NewProcessor(fakeDecoder{frames: 20}, &robberyModel{}, s.pipeline, batch.Config{
		SequenceLength: cfg.Model.SequenceLength,
		Labels:         cfg.Model.Labels,
		FallbackFPS:    cfg.Batch.FallbackFPS,
		TopN:           cfg.Alerting.BatchTopN,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.processor = proc

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("video", "lobby.MP4")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("not really a video"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	for _, r := range resp.Results {
		if r.AlertID == nil || r.ImageURL == nil {
			t.Errorf("record %d not alerted: %+v", r.FrameNumber, r)
		}
	}
	if resp.Results[0].Timestamp != "00:00:00.533" {
		t.Errorf("timestamp = %q, want 00:00:00.533 (frame 16 at fallback 30fps)", resp.Results[0].Timestamp)
	}
	if !strings.HasPrefix(resp.Video, "/media/uploads/videos/") || !strings.HasSuffix(resp.Video, ".mp4") {
		t.Errorf("video url = %q", resp.Video)
	}

	rel := strings.TrimPrefix(resp.ResultFile, "/media/")
	if _, err := os.Stat(filepath.Join(cfg.Media.Root, filepath.FromSlash(rel))); err != nil {
		t.Errorf("results file missing: %v", err)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts?threat_type=robbery", nil))
	var alerts []alert.Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 {
		t.Errorf("alerts = %d, want 2", len(alerts))
	}
	t.Log("✅ Upload processed and both windows alerted")
}

func TestUploadRequiresVideo(t *testing.T) {
	s := newTestService(t, testConfig(t, nil), nil)
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(""))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCCTVFeedValidatesForm(t *testing.T) {
	s := newTestService(t, testConfig(t, nil), nil)

	testCases := []struct {
		name string
		form url.Values
	}{
		{"missing host", url.Values{"port": {"554"}}},
		{"bad port", url.Values{"ip_address": {"10.0.0.5"}, "port": {"http"}}},
		{"host with credentials", url.Values{"ip_address": {"admin:pw@10.0.0.5"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/cctv_feed", strings.NewReader(tc.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestCCTVFeedPassesStructuredSource(t *testing.T) {
	s := newTestService(t, testConfig(t, nil), nil)
	b := &fakeBackend{name: "fake-rtsp", maxOpens: 1, limit: 3, interval: time.Millisecond}
	s.networkBackend = b

	form := url.Values{
		"ip_address": {"10.0.0.5"},
		"port":       {"554"},
		"username":   {"admin"},
		"password":   {"p@ss/word"},
		"path":       {"h264"},
	}
	req := httptest.NewRequest(http.MethodPost, "/cctv_feed", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	src := b.target.Source
	if src == nil {
		t.Fatal("backend received no network source")
	}
	if src.Host != "10.0.0.5" || src.Port != 554 || src.Password != "p@ss/word" {
		t.Errorf("source = %+v", *src)
	}
	if src.Location() != "rtsp://10.0.0.5:554/h264" {
		t.Errorf("location = %q", src.Location())
	}
}

func TestMonitorRaisesCameraAlerts(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.Model.SequenceLength = 2
		c.Monitor.PollIntervalMs = 1
		c.Cameras = []config.CameraConfig{{Name: "gate", Host: "10.0.0.2"}}
	})
	s := newTestService(t, cfg, &robberyModel{})
	m := s.monitors[0]
	m.backend = &fakeBackend{name: "fake-rtsp", maxOpens: 100, interval: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	var alerts []alert.Alert
	for time.Now().Before(deadline) {
		alerts, _ = s.store.ListAlerts(context.Background(), alert.Filter{})
		if len(alerts) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if len(alerts) == 0 {
		t.Fatalf("no alert raised, stats: %+v", m.Stats())
	}
	a := alerts[0]
	if a.CameraID == nil || *a.CameraID != 1 {
		t.Errorf("camera id = %v, want 1", a.CameraID)
	}
	if a.ThreatType != "Robbery" {
		t.Errorf("threat type = %q", a.ThreatType)
	}
	if m.Stats().Predictions == 0 {
		t.Error("predictions not counted")
	}
	t.Logf("✅ Monitor raised %d alerts", len(alerts))
}

func TestReadinessReflectsLifecycle(t *testing.T) {
	s := newTestService(t, testConfig(t, nil), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before Run = %d, want 503", rec.Code)
	}

	s.mu.Lock()
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	h := s.HealthCheck()
	if h.Status != "degraded" {
		t.Errorf("status = %q, want degraded without a model", h.Status)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `surveillance_alerts_created_total{instance="test"} 0`) {
		t.Errorf("metrics = %s", rec.Body.String())
	}
}
