package capture

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/rawvideo"
)

// FFmpegBackend captures a V4L2 device through an ffmpeg subprocess that
// scales to the requested size and writes rgb24 rawvideo to stdout.
type FFmpegBackend struct {
	// Bin is the ffmpeg executable (default "ffmpeg")
	Bin string
}

// NewFFmpegBackend returns the ffmpeg-v4l2 backend.
func NewFFmpegBackend() *FFmpegBackend {
	return &FFmpegBackend{Bin: "ffmpeg"}
}

// Name implements Backend
func (b *FFmpegBackend) Name() string { return "ffmpeg-v4l2" }

// Open implements Backend
func (b *FFmpegBackend) Open(_ context.Context, t Target) (Device, error) {
	if t.Width <= 0 || t.Height <= 0 {
		return nil, fmt.Errorf("capture: ffmpeg-v4l2 requires an explicit frame size")
	}
	if _, err := exec.LookPath(b.Bin); err != nil {
		return nil, fmt.Errorf("capture: %s not found: %w", b.Bin, err)
	}

	p, err := rawvideo.Start(b.Bin, ffmpegDeviceArgs(t), t.Width, t.Height)
	if err != nil {
		return nil, fmt.Errorf("capture: ffmpeg-v4l2: %w", err)
	}
	return &ffmpegDevice{p: p}, nil
}

func ffmpegDeviceArgs(t Target) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-i", fmt.Sprintf("/dev/video%d", t.Device),
		"-vf", fmt.Sprintf("scale=%d:%d", t.Width, t.Height),
		"-pix_fmt", "rgb24",
		"-f", "rawvideo",
		"-",
	}
}

type ffmpegDevice struct {
	p *rawvideo.Process
}

func (d *ffmpegDevice) Read() (frame.Frame, error) {
	return d.p.Next()
}

func (d *ffmpegDevice) Close() error {
	return d.p.Close()
}
