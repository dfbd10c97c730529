package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/rawvideo"
)

const probeTimeout = 10 * time.Second

// Video is an open file. Next returns io.EOF after the last frame.
type Video interface {
	FPS() float64
	Next() (frame.Frame, error)
	Close() error
}

// Decoder opens video files.
type Decoder interface {
	Name() string
	Open(ctx context.Context, path string) (Video, error)
}

// NewDecoder returns the decoder registered under name.
func NewDecoder(name string) (Decoder, error) {
	switch name {
	case "", "ffmpeg":
		return NewFFmpegDecoder(), nil
	case "opencv":
		return OpenCVDecoder{}, nil
	default:
		return nil, fmt.Errorf("batch: unknown decoder %q", name)
	}
}

// FFmpegDecoder probes the file with ffprobe and decodes it through an
// ffmpeg subprocess writing rgb24 rawvideo.
type FFmpegDecoder struct {
	FFmpeg  string
	FFprobe string
}

// NewFFmpegDecoder uses ffmpeg and ffprobe from PATH.
func NewFFmpegDecoder() *FFmpegDecoder {
	return &FFmpegDecoder{FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
}

// Name implements Decoder
func (d *FFmpegDecoder) Name() string { return "ffmpeg" }

// Probe describes the first video stream of a file.
type Probe struct {
	Width  int
	Height int
	FPS    float64
}

// Probe runs ffprobe on path.
func (d *FFmpegDecoder) Probe(ctx context.Context, path string) (Probe, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.FFprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "v:0",
		path,
	).Output()
	if err != nil {
		return Probe{}, fmt.Errorf("batch: ffprobe %s failed: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (Probe, error) {
	var raw struct {
		Streams []struct {
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			CodecType    string `json:"codec_type"`
			AvgFrameRate string `json:"avg_frame_rate"`
			RFrameRate   string `json:"r_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return Probe{}, fmt.Errorf("batch: invalid ffprobe output: %w", err)
	}
	for _, s := range raw.Streams {
		if s.Width == 0 || s.Height == 0 {
			continue
		}
		fps := parseRate(s.AvgFrameRate)
		if fps <= 0 {
			fps = parseRate(s.RFrameRate)
		}
		return Probe{Width: s.Width, Height: s.Height, FPS: fps}, nil
	}
	return Probe{}, fmt.Errorf("batch: no video stream found")
}

// parseRate parses "30000/1001" or "25". Unreadable rates are 0.
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	dv, err := strconv.ParseFloat(den, 64)
	if err != nil || dv == 0 {
		return 0
	}
	return n / dv
}

// Open implements Decoder
func (d *FFmpegDecoder) Open(ctx context.Context, path string) (Video, error) {
	probe, err := d.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	p, err := rawvideo.Start(d.FFmpeg, []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-pix_fmt", "rgb24",
		"-f", "rawvideo",
		"-",
	}, probe.Width, probe.Height)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	return &ffmpegVideo{p: p, fps: probe.FPS}, nil
}

type ffmpegVideo struct {
	p   *rawvideo.Process
	fps float64
}

func (v *ffmpegVideo) FPS() float64               { return v.fps }
func (v *ffmpegVideo) Next() (frame.Frame, error) { return v.p.Next() }
func (v *ffmpegVideo) Close() error               { return v.p.Close() }

// OpenCVDecoder decodes through gocv.VideoCaptureFile.
type OpenCVDecoder struct{}

// Name implements Decoder
func (OpenCVDecoder) Name() string { return "opencv" }

// Open implements Decoder
func (OpenCVDecoder) Open(_ context.Context, path string) (Video, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("batch: opencv failed to open %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("batch: opencv could not open %s", path)
	}
	return &opencvVideo{vc: vc, mat: gocv.NewMat(), fps: vc.Get(gocv.VideoCaptureFPS)}, nil
}

type opencvVideo struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	fps    float64
	closed bool
}

func (v *opencvVideo) FPS() float64 { return v.fps }

func (v *opencvVideo) Next() (frame.Frame, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return frame.Frame{}, io.ErrClosedPipe
	}
	if ok := v.vc.Read(&v.mat); !ok || v.mat.Empty() {
		return frame.Frame{}, io.EOF
	}
	f, err := frame.FromBGR(v.mat.ToBytes(), v.mat.Cols(), v.mat.Rows())
	if err != nil {
		return frame.Frame{}, err
	}
	f.Timestamp = time.Now()
	return f, nil
}

func (v *opencvVideo) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	v.mat.Close()
	return v.vc.Close()
}
