package classify

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/fault"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

var testLabels = []string{"Robbery", "Vandalism", "Shoplifting", "normal", "Burglary", "Stealing"}

// TestHelperWorker is not a real test: it is the fake classifier worker
// spawned by the PythonModel tests.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("CLASSIFY_HELPER_WORKER") != "1" {
		return
	}
	os.Exit(runHelperWorker(os.Getenv("CLASSIFY_HELPER_MODE")))
}

func runHelperWorker(mode string) int {
	in := bufio.NewReader(os.Stdin)
	fmt.Fprintln(os.Stderr, "2025-01-01 [INFO] helper worker starting")

	var numClasses, imageSize int
	for {
		var req workerRequest
		if err := readMessage(in, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return 0
			}
			return 2
		}

		resp := workerResponse{Seq: req.Seq}
		switch req.Type {
		case "init":
			numClasses, imageSize = req.NumClasses, req.ImageSize
			resp.Type = "ready"
		case "classify":
			resp.Type = "result"
			if mode == "slow" && req.Seq == 2 {
				time.Sleep(500 * time.Millisecond)
			}
			if mode == "crash" {
				return 3
			}
			if len(req.Frames) == 0 || len(req.Frames[0]) != imageSize*imageSize*3 {
				resp.Error = fmt.Sprintf("bad frames: %d", len(req.Frames))
				break
			}
			// The predicted class is the first pixel's red value.
			resp.Logits = make([]float64, numClasses)
			resp.Logits[int(req.Frames[0][0])%numClasses] = 10
			resp.Timing = map[string]float64{"total_ms": 1}
		default:
			resp.Type = "error"
			resp.Error = "unknown request " + req.Type
		}
		if err := writeMessage(os.Stdout, resp); err != nil {
			return 2
		}
	}
}

func startHelper(t *testing.T, mode string, timeout time.Duration) *PythonModel {
	t.Helper()
	m, err := StartPythonModel(PythonConfig{
		PythonBin:      os.Args[0],
		Script:         "-test.run=^TestHelperWorker$",
		SequenceLength: 4,
		ImageSize:      8,
		Mean:           []float64{0.4889, 0.4887, 0.4891},
		Std:            []float64{0.2074, 0.2074, 0.2074},
		Labels:         testLabels,
		Timeout:        timeout,
		Env:            []string{"CLASSIFY_HELPER_WORKER=1", "CLASSIFY_HELPER_MODE=" + mode},
	})
	if err != nil {
		t.Fatalf("StartPythonModel() failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func solidWindow(n int, red byte) []frame.Frame {
	f := frame.Frame{Width: 16, Height: 16, Data: bytes.Repeat([]byte{red, 10, 20}, 16*16)}
	w := make([]frame.Frame, n)
	for i := range w {
		w[i] = f
	}
	return w
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	req := workerRequest{Type: "classify", Seq: 7, Width: 2, Height: 1, Frames: [][]byte{{1, 2, 3, 4, 5, 6}}}
	if err := writeMessage(&buf, req); err != nil {
		t.Fatalf("writeMessage() failed: %v", err)
	}
	if err := writeMessage(&buf, workerRequest{Type: "init", Seq: 8}); err != nil {
		t.Fatal(err)
	}

	var got workerRequest
	if err := readMessage(&buf, &got); err != nil {
		t.Fatalf("readMessage() failed: %v", err)
	}
	if got.Seq != 7 || got.Type != "classify" || !bytes.Equal(got.Frames[0], req.Frames[0]) {
		t.Errorf("first message = %+v", got)
	}
	if err := readMessage(&buf, &got); err != nil || got.Type != "init" {
		t.Errorf("second message = %+v, %v", got, err)
	}
	if err := readMessage(&buf, &got); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}

	// Length prefix promising more than is available.
	if err := readMessage(bytes.NewReader([]byte{0, 0, 0, 9, 1}), &got); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected truncation error, got %v", err)
	}
}

func TestPythonModelPredict(t *testing.T) {
	m := startHelper(t, "", 5*time.Second)

	for _, red := range []byte{1, 4} {
		logits, err := m.Predict(context.Background(), solidWindow(4, red))
		if err != nil {
			t.Fatalf("Predict() failed: %v", err)
		}
		if len(logits) != len(testLabels) || argmax(logits) != int(red) {
			t.Errorf("logits = %v, want peak at %d", logits, red)
		}
	}
	if st := m.Stats(); st.Requests != 2 || st.Failures != 0 || st.PID == 0 {
		t.Errorf("stats = %+v", st)
	}
	t.Log("✅ worker round trip over length-prefixed MsgPack")
}

func TestPythonModelTimeoutDiscardsStaleResponse(t *testing.T) {
	m := startHelper(t, "slow", 100*time.Millisecond)

	// seq 2 is the first classify request; the helper answers it late.
	if _, err := m.Predict(context.Background(), solidWindow(4, 1)); err == nil {
		t.Fatal("expected timeout")
	}
	time.Sleep(600 * time.Millisecond)

	logits, err := m.Predict(context.Background(), solidWindow(4, 2))
	if err != nil {
		t.Fatalf("Predict() after timeout failed: %v", err)
	}
	if argmax(logits) != 2 {
		t.Errorf("got stale response: %v", logits)
	}
}

func TestPythonModelWorkerExit(t *testing.T) {
	m := startHelper(t, "crash", 5*time.Second)

	_, err := m.Predict(context.Background(), solidWindow(4, 1))
	if !fault.Is(err, fault.ModelUnavailable) {
		t.Fatalf("expected ModelUnavailable, got %v", err)
	}
	if !m.Stats().Exited {
		t.Error("Stats().Exited = false after worker exit")
	}
}

func TestStartPythonModelMissingWeights(t *testing.T) {
	_, err := StartPythonModel(PythonConfig{
		Script:         "worker.py",
		ModelPath:      "/nonexistent/model.pth",
		SequenceLength: 16,
		ImageSize:      128,
		Labels:         testLabels,
	})
	if !fault.Is(err, fault.ModelUnavailable) {
		t.Errorf("expected ModelUnavailable, got %v", err)
	}
}

func TestResize(t *testing.T) {
	f := frame.Frame{Width: 4, Height: 2, Data: bytes.Repeat([]byte{200, 100, 50}, 8)}
	out, err := Resize(f, 3)
	if err != nil {
		t.Fatalf("Resize() failed: %v", err)
	}
	if len(out) != 3*3*3 {
		t.Fatalf("len = %d, want 27", len(out))
	}
	if out[0] != 200 || out[1] != 100 || out[2] != 50 {
		t.Errorf("solid colour not preserved: %v", out[:3])
	}

	if _, err := Resize(frame.Frame{Width: 2, Height: 2}, 3); err == nil {
		t.Error("expected error for invalid frame")
	}

	w := solidWindow(4, 9)
	resized, err := ResizeWindow(w, 8)
	if err != nil {
		t.Fatal(err)
	}
	if &resized[0][0] != &resized[3][0] {
		t.Error("padded frames should be resized once")
	}
}
