// Package rawvideo runs an external decoder (ffmpeg) that writes packed
// rgb24 frames to stdout and reads them back as frame.Frame values.
package rawvideo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// Process is a running decoder subprocess.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdout io.ReadCloser
	width  int
	height int

	mu      sync.Mutex
	lastErr []string // tail of stderr, for error reports

	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

const stderrTail = 5

// Start launches bin with args. The process must write width*height*3
// bytes per frame to stdout.
func Start(bin string, args []string, width, height int) (*Process, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("rawvideo: invalid frame size %dx%d", width, height)
	}

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("rawvideo: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("rawvideo: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("rawvideo: failed to start %s: %w", bin, err)
	}

	p := &Process{
		name:   bin,
		cmd:    cmd,
		stdout: stdout,
		width:  width,
		height: height,
	}

	go p.consumeStderr(stderr)

	slog.Debug("rawvideo: process started", "bin", bin, "pid", cmd.Process.Pid, "size", fmt.Sprintf("%dx%d", width, height))
	return p, nil
}

// consumeStderr keeps the pipe drained and remembers the last lines.
func (p *Process) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug("rawvideo: stderr", "bin", p.name, "line", line)

		p.mu.Lock()
		p.lastErr = append(p.lastErr, line)
		if len(p.lastErr) > stderrTail {
			p.lastErr = p.lastErr[len(p.lastErr)-stderrTail:]
		}
		p.mu.Unlock()
	}
}

// Next reads one frame. It returns io.EOF once the stream ended cleanly.
func (p *Process) Next() (frame.Frame, error) {
	buf := make([]byte, p.width*p.height*frame.BytesPerPixel)
	_, err := io.ReadFull(p.stdout, buf)
	switch {
	case err == nil:
		return frame.Frame{Timestamp: time.Now(), Width: p.width, Height: p.height, Data: buf}, nil
	case errors.Is(err, io.EOF):
		if werr := p.wait(); werr != nil {
			return frame.Frame{}, p.failure(werr)
		}
		return frame.Frame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		_ = p.wait()
		return frame.Frame{}, p.failure(fmt.Errorf("truncated frame: %w", err))
	default:
		return frame.Frame{}, p.failure(err)
	}
}

func (p *Process) failure(err error) error {
	p.mu.Lock()
	tail := strings.Join(p.lastErr, " | ")
	p.mu.Unlock()
	if tail == "" {
		return fmt.Errorf("rawvideo: %s: %w", p.name, err)
	}
	return fmt.Errorf("rawvideo: %s: %w (stderr: %s)", p.name, err, tail)
}

// wait reaps the process. Wait closes stdout, so it runs only after the
// last read.
func (p *Process) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// Close kills the process and reaps it. Idempotent; unblocks a pending Next.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		// Kill fails harmlessly when the process already exited.
		_ = p.cmd.Process.Kill()

		done := make(chan struct{})
		go func() {
			_ = p.wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			slog.Warn("rawvideo: process did not exit after kill", "bin", p.name)
		}
	})
	return nil
}
