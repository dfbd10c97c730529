package stream

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// sliceSource hands out frames in order and reports no frame afterwards.
type sliceSource struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *sliceSource) GetFrame() (frame.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return frame.Frame{}, false
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, true
}

func testFrames(n int) []frame.Frame {
	out := make([]frame.Frame, n)
	for i := range out {
		out[i] = frame.Frame{
			Seq:       uint64(i + 1),
			Timestamp: time.Now(),
			Width:     64,
			Height:    48,
			Data:      bytes.Repeat([]byte{byte(i * 10), 0x40, 0x80}, 64*48),
		}
	}
	return out
}

type robberyModel struct{}

func (robberyModel) Predict(context.Context, []frame.Frame) ([]float64, error) {
	return []float64{0, 12}, nil
}

func TestChunkFraming(t *testing.T) {
	got := string(Chunk([]byte("jpegbytes")))
	want := "--frame\r\nContent-Type: image/jpeg\r\n\r\njpegbytes\r\n"
	if got != want {
		t.Errorf("Chunk() = %q, want %q", got, want)
	}
	if ContentType != "multipart/x-mixed-replace; boundary=frame" {
		t.Errorf("ContentType = %q", ContentType)
	}
}

func TestEncoderEndsWhenSourceEmpty(t *testing.T) {
	enc, err := NewEncoder(&sliceSource{frames: testFrames(5)}, nil, nil, Options{Mirror: true})
	if err != nil {
		t.Fatal(err)
	}

	var n int
	for chunk := range enc.Chunks(context.Background()) {
		header := "--frame\r\nContent-Type: image/jpeg\r\n\r\n"
		if !bytes.HasPrefix(chunk, []byte(header)) {
			t.Fatalf("chunk %d has no boundary header", n)
		}
		if body := chunk[len(header):]; body[0] != 0xff || body[1] != 0xd8 {
			t.Errorf("chunk %d is not a JPEG", n)
		}
		n++
	}
	if n != 5 {
		t.Errorf("chunks = %d, want 5", n)
	}

	var again int
	for range enc.Chunks(context.Background()) {
		again++
	}
	if again != 0 {
		t.Errorf("second Chunks() yielded %d chunks", again)
	}
	t.Logf("✅ encoder streamed %d chunks and refused a restart", n)
}

func TestEncoderEncodeFailureDropsFrame(t *testing.T) {
	frames := testFrames(3)
	frames[1].Data = frames[1].Data[:10]
	enc, _ := NewEncoder(&sliceSource{frames: frames}, nil, nil, Options{})

	var n int
	for range enc.Chunks(context.Background()) {
		n++
	}
	if n != 2 {
		t.Errorf("chunks = %d, want 2", n)
	}
	if st := enc.Stats(); st.EncodeFailures != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEncoderRaisesLiveAlerts(t *testing.T) {
	engine, err := classify.NewEngine(robberyModel{}, classify.EngineConfig{
		Name:           "test",
		Mode:           classify.Live,
		SequenceLength: 2,
		Labels:         []string{"Normal", "Robbery"},
	})
	if err != nil {
		t.Fatal(err)
	}
	store := alert.NewMemoryStore(nil)
	pipeline, err := alert.NewPipeline(store, nil, alert.Config{})
	if err != nil {
		t.Fatal(err)
	}
	overlay, err := NewOverlay(0)
	if err != nil {
		t.Fatal(err)
	}

	camID := int64(7)
	var preds []classify.Prediction
	enc, err := NewEncoder(&sliceSource{frames: testFrames(6)}, engine, pipeline, Options{
		CameraID:     &camID,
		Overlay:      overlay,
		OnPrediction: func(p classify.Prediction) { preds = append(preds, p) },
	})
	if err != nil {
		t.Fatal(err)
	}

	var n int
	for range enc.Chunks(context.Background()) {
		n++
	}
	if n != 6 || len(preds) != 3 {
		t.Fatalf("chunks=%d predictions=%d", n, len(preds))
	}

	alerts, _ := store.ListAlerts(context.Background(), alert.Filter{})
	if len(alerts) != 3 {
		t.Fatalf("alerts = %d, want 3", len(alerts))
	}
	for _, a := range alerts {
		if a.ThreatType != "Robbery" || a.CameraID == nil || *a.CameraID != camID {
			t.Errorf("alert = %+v", a)
		}
		if !strings.HasPrefix(a.VideoTimestamp, "00:00:") {
			t.Errorf("video timestamp = %q", a.VideoTimestamp)
		}
	}
	if st := enc.Stats(); st.Alerts != 3 || st.Predictions != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEncoderStopsOnContextCancel(t *testing.T) {
	src := &repeatSource{f: testFrames(1)[0]}
	enc, _ := NewEncoder(src, nil, nil, Options{MaxFPS: 100})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var n int
	for range enc.Chunks(ctx) {
		n++
	}
	if n == 0 || n > 20 {
		t.Errorf("chunks = %d, want a paced handful", n)
	}
}

// repeatSource always has a fresh frame.
type repeatSource struct {
	f   frame.Frame
	seq uint64
}

func (s *repeatSource) GetFrame() (frame.Frame, bool) {
	s.seq++
	f := s.f
	f.Seq = s.seq
	return f, true
}

func TestOverlayAnnotate(t *testing.T) {
	overlay, err := NewOverlay(0)
	if err != nil {
		t.Fatal(err)
	}
	f := frame.Frame{Width: 200, Height: 80, Data: make([]byte, 200*80*3)}
	out, err := overlay.Annotate(f, classify.Prediction{Label: "Robbery", Confidence: 97.5, FrameNumber: 32})
	if err != nil {
		t.Fatalf("Annotate() failed: %v", err)
	}

	var red, white int
	for i := 0; i < len(out.Data); i += 3 {
		r, g, b := out.Data[i], out.Data[i+1], out.Data[i+2]
		switch {
		case r > 200 && g < 50 && b < 50:
			red++
		case r > 200 && g > 200 && b > 200:
			white++
		}
	}
	if red == 0 || white == 0 {
		t.Errorf("red=%d white=%d pixels, want both > 0", red, white)
	}
	if bytes.Count(f.Data, []byte{0}) != len(f.Data) {
		t.Error("Annotate() modified its input")
	}

	if _, err := overlay.Annotate(frame.Frame{}, classify.Prediction{}); err == nil {
		t.Error("expected error for invalid frame")
	}
}

func TestServe(t *testing.T) {
	enc, _ := NewEncoder(&sliceSource{frames: testFrames(3)}, nil, nil, Options{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/video_feed", nil)

	Serve(rec, req, enc)

	if ct := rec.Header().Get("Content-Type"); ct != ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := strings.Count(rec.Body.String(), "--frame\r\n"); got != 3 {
		t.Errorf("parts = %d, want 3", got)
	}
	if !rec.Flushed {
		t.Error("response was never flushed")
	}
}

func TestEncoderSkipsRepeatedFrames(t *testing.T) {
	engine, err := classify.NewEngine(robberyModel{}, classify.EngineConfig{
		Name:           "test",
		Mode:           classify.Live,
		SequenceLength: 2,
		Labels:         []string{"Normal", "Robbery"},
	})
	if err != nil {
		t.Fatal(err)
	}

	fs := testFrames(2)
	src := &sliceSource{frames: []frame.Frame{fs[0], fs[0], fs[0], fs[1], fs[1]}}
	var preds int
	enc, err := NewEncoder(src, engine, nil, Options{
		OnPrediction: func(classify.Prediction) { preds++ },
	})
	if err != nil {
		t.Fatal(err)
	}

	var n int
	for range enc.Chunks(context.Background()) {
		n++
	}
	if n != 2 {
		t.Errorf("chunks = %d, want one per distinct frame", n)
	}
	if preds != 1 || engine.Stats().Submitted != 2 {
		t.Errorf("predictions=%d submitted=%d, want 1 and 2", preds, engine.Stats().Submitted)
	}
	t.Logf("✅ repeated pulls of one frame are neither re-encoded nor re-classified")
}
