package classify

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/fault"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

const (
	maxMessageSize = 64 << 20
	writeTimeout   = 2 * time.Second
	startTimeout   = 60 * time.Second
	stopTimeout    = 2 * time.Second
)

var errModelClosed = errors.New("classify: model worker closed")

// PythonConfig configures the classifier worker subprocess.
type PythonConfig struct {
	// PythonBin is the interpreter (default "python3")
	PythonBin string
	// Script is the worker entry point passed as the first argument
	Script string
	// ModelPath is the weights file loaded by the worker
	ModelPath      string
	SequenceLength int
	ImageSize      int
	Mean           []float64
	Std            []float64
	Labels         []string
	// Timeout bounds one inference; zero means no timeout
	Timeout time.Duration
	// Env is appended to the current environment
	Env []string
}

// PythonModelStats is a snapshot of worker counters.
type PythonModelStats struct {
	PID          int
	Requests     uint64
	Failures     uint64
	AvgLatencyMS float64
	Exited       bool
}

// PythonModel runs the classifier in a Python subprocess.
//
// Requests and responses are MsgPack maps framed by a 4-byte big-endian
// length over the worker's stdin and stdout. The first request is an init
// message carrying the model path, label count and normalization constants;
// the worker answers it with a ready message once the model is loaded.
// Requests are serialized, so one worker can back several engines.
type PythonModel struct {
	cfg PythonConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu        sync.Mutex
	seq       uint64
	responses chan workerResponse
	exited    chan struct{}
	done      chan struct{}
	exitErr   error
	broken    atomic.Bool
	closed    atomic.Bool
	wg        sync.WaitGroup

	requests       atomic.Uint64
	failures       atomic.Uint64
	totalLatencyMS atomic.Uint64
}

type workerRequest struct {
	Type           string    `msgpack:"type"`
	Seq            uint64    `msgpack:"seq"`
	ModelPath      string    `msgpack:"model_path,omitempty"`
	NumClasses     int       `msgpack:"num_classes,omitempty"`
	SequenceLength int       `msgpack:"sequence_length,omitempty"`
	ImageSize      int       `msgpack:"image_size,omitempty"`
	Mean           []float64 `msgpack:"mean,omitempty"`
	Std            []float64 `msgpack:"std,omitempty"`
	Width          int       `msgpack:"width,omitempty"`
	Height         int       `msgpack:"height,omitempty"`
	Frames         [][]byte  `msgpack:"frames,omitempty"`
}

type workerResponse struct {
	Type   string             `msgpack:"type"`
	Seq    uint64             `msgpack:"seq"`
	Logits []float64          `msgpack:"logits"`
	Error  string             `msgpack:"error"`
	Timing map[string]float64 `msgpack:"timing"`
}

// StartPythonModel spawns the worker and waits until it reports the model
// loaded. A missing weights file is reported as ModelUnavailable.
func StartPythonModel(cfg PythonConfig) (*PythonModel, error) {
	const op = "classify.StartPythonModel"

	if cfg.PythonBin == "" {
		cfg.PythonBin = "python3"
	}
	if cfg.Script == "" {
		return nil, fmt.Errorf("classify: worker script is required")
	}
	if cfg.SequenceLength < 1 || cfg.ImageSize < 1 || len(cfg.Labels) == 0 {
		return nil, fmt.Errorf("classify: invalid worker config (sequence=%d, image=%d, labels=%d)",
			cfg.SequenceLength, cfg.ImageSize, len(cfg.Labels))
	}
	if cfg.ModelPath != "" {
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return nil, fault.New(fault.ModelUnavailable, op, err)
		}
	}

	m := &PythonModel{
		cfg:       cfg,
		responses: make(chan workerResponse, 1),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	if err := m.spawn(); err != nil {
		return nil, fault.New(fault.ModelUnavailable, op, err)
	}

	ready, err := m.roundTrip(context.Background(), workerRequest{
		Type:           "init",
		ModelPath:      cfg.ModelPath,
		NumClasses:     len(cfg.Labels),
		SequenceLength: cfg.SequenceLength,
		ImageSize:      cfg.ImageSize,
		Mean:           cfg.Mean,
		Std:            cfg.Std,
	}, startTimeout)
	if err == nil && ready.Type != "ready" {
		err = fmt.Errorf("unexpected %q message during startup", ready.Type)
	}
	if err != nil {
		m.Close()
		return nil, fault.New(fault.ModelUnavailable, op, err)
	}

	slog.Info("classify: python model ready",
		"pid", m.cmd.Process.Pid,
		"model", cfg.ModelPath,
		"labels", len(cfg.Labels),
		"image_size", cfg.ImageSize,
	)
	return m, nil
}

func (m *PythonModel) spawn() error {
	m.cmd = exec.Command(m.cfg.PythonBin, m.cfg.Script)
	if len(m.cfg.Env) > 0 {
		m.cmd.Env = append(os.Environ(), m.cfg.Env...)
	}

	var err error
	if m.stdin, err = m.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if m.stdout, err = m.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if m.stderr, err = m.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start python process: %w", err)
	}

	slog.Debug("classify: python process spawned", "pid", m.cmd.Process.Pid, "script", m.cfg.Script)

	stderrDone := make(chan struct{})
	m.wg.Add(2)
	go m.logStderr(stderrDone)
	go m.readResponses(stderrDone)
	return nil
}

// Predict implements Model.
func (m *PythonModel) Predict(ctx context.Context, window []frame.Frame) ([]float64, error) {
	frames, err := ResizeWindow(window, m.cfg.ImageSize)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := m.roundTrip(ctx, workerRequest{
		Type:   "classify",
		Width:  m.cfg.ImageSize,
		Height: m.cfg.ImageSize,
		Frames: frames,
	}, m.cfg.Timeout)
	m.requests.Add(1)
	if err != nil {
		m.failures.Add(1)
		return nil, err
	}
	if resp.Error != "" {
		m.failures.Add(1)
		return nil, fmt.Errorf("classify: worker error: %s", resp.Error)
	}

	latency := time.Since(start).Milliseconds()
	if ms, ok := resp.Timing["total_ms"]; ok {
		latency = int64(ms)
	}
	m.totalLatencyMS.Add(uint64(max(latency, 0)))
	return resp.Logits, nil
}

// roundTrip sends one request and waits for the response carrying its
// sequence number. Stale responses from timed out requests are discarded.
func (m *PythonModel) roundTrip(ctx context.Context, req workerRequest, timeout time.Duration) (workerResponse, error) {
	if m.closed.Load() || m.broken.Load() {
		return workerResponse{}, fault.New(fault.ModelUnavailable, "classify.Predict", errModelClosed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	req.Seq = m.seq
	if err := m.send(req); err != nil {
		return workerResponse{}, err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		select {
		case resp := <-m.responses:
			if resp.Seq != req.Seq {
				slog.Debug("classify: discarding stale worker response", "seq", resp.Seq, "want", req.Seq)
				continue
			}
			return resp, nil
		case <-deadline:
			return workerResponse{}, fmt.Errorf("classify: inference timed out after %v", timeout)
		case <-ctx.Done():
			return workerResponse{}, ctx.Err()
		case <-m.exited:
			return workerResponse{}, fault.New(fault.ModelUnavailable, "classify.Predict",
				fmt.Errorf("worker exited: %v", m.exitErr))
		}
	}
}

// send writes one framed request, giving up after writeTimeout. A write
// that times out leaves the stream in an unknown state, so the worker is
// marked broken and killed.
func (m *PythonModel) send(req workerRequest) error {
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeMessage(m.stdin, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("classify: failed to write to worker: %w", err)
		}
		return nil
	case <-time.After(writeTimeout):
		m.broken.Store(true)
		if m.cmd.Process != nil {
			_ = m.cmd.Process.Kill()
		}
		return fmt.Errorf("classify: stdin write timeout (python worker may be hung)")
	}
}

func (m *PythonModel) readResponses(stderrDone <-chan struct{}) {
	defer m.wg.Done()

	r := bufio.NewReader(m.stdout)
read:
	for {
		var resp workerResponse
		if err := readMessage(r, &resp); err != nil {
			if !errors.Is(err, io.EOF) && !m.closed.Load() {
				slog.Error("classify: failed to read worker response", "error", err)
			}
			break
		}
		if resp.Type == "log" {
			continue
		}
		select {
		case m.responses <- resp:
		case <-m.done:
			break read
		}
	}

	// Wait only after the last read on the pipes.
	select {
	case <-stderrDone:
	case <-time.After(time.Second):
	}
	m.exitErr = m.cmd.Wait()
	close(m.exited)

	if m.closed.Load() {
		slog.Debug("classify: python process exited (shutdown)", "error", m.exitErr)
		return
	}
	slog.Error("classify: python process exited unexpectedly", "error", m.exitErr)
}

// logStderr maps the worker's Python log levels onto slog.
func (m *PythonModel) logStderr(done chan<- struct{}) {
	defer m.wg.Done()
	defer close(done)

	scanner := bufio.NewScanner(m.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("classify: python worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("classify: python worker warning", "log", line)
		case strings.Contains(line, "[INFO]"):
			slog.Info("classify: python worker", "log", line)
		default:
			slog.Debug("classify: python worker log", "log", line)
		}
	}
}

// Stats returns a snapshot of the worker counters.
func (m *PythonModel) Stats() PythonModelStats {
	s := PythonModelStats{
		Requests: m.requests.Load(),
		Failures: m.failures.Load(),
	}
	if m.cmd != nil && m.cmd.Process != nil {
		s.PID = m.cmd.Process.Pid
	}
	if ok := s.Requests - s.Failures; ok > 0 {
		s.AvgLatencyMS = float64(m.totalLatencyMS.Load()) / float64(ok)
	}
	select {
	case <-m.exited:
		s.Exited = true
	default:
	}
	return s
}

// Close stops the worker. Closing stdin asks it to exit; it is killed if
// it has not exited after a short grace period. Close is idempotent.
func (m *PythonModel) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.done)
	if m.stdin != nil {
		_ = m.stdin.Close()
	}

	select {
	case <-m.exited:
	case <-time.After(stopTimeout):
		slog.Warn("classify: python worker stop timeout, killing process")
		if m.cmd.Process != nil {
			_ = m.cmd.Process.Kill()
		}
	}
	m.wg.Wait()

	slog.Info("classify: python model stopped",
		"requests", m.requests.Load(),
		"failures", m.failures.Load(),
	)
	return nil
}

// writeMessage writes v as a length-prefixed MsgPack message.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err = w.Write(buf)
	return err
}

// readMessage reads one length-prefixed MsgPack message into v.
func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("truncated message: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
