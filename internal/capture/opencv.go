package capture

import (
	"context"
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// OpenCVBackend captures through an OpenCV VideoCapture with a fixed API
// preference (V4L2, DirectShow, ...).
type OpenCVBackend struct {
	name    string
	api     gocv.VideoCaptureAPI
	network bool
}

func newOpenCVBackend(name string, api gocv.VideoCaptureAPI) *OpenCVBackend {
	return &OpenCVBackend{name: name, api: api}
}

// NewOpenCVURLBackend returns the opencv-url network backend, which hands
// the full locator (credentials included) to OpenCV.
func NewOpenCVURLBackend() *OpenCVBackend {
	return &OpenCVBackend{name: "opencv-url", api: gocv.VideoCaptureAny, network: true}
}

// Name implements Backend
func (b *OpenCVBackend) Name() string { return b.name }

// Open implements Backend
func (b *OpenCVBackend) Open(_ context.Context, t Target) (Device, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if b.network {
		if t.Source == nil {
			return nil, fmt.Errorf("capture: %s requires a network source", b.name)
		}
		vc, err = gocv.OpenVideoCaptureWithAPI(t.Source.URL(), b.api)
		if err != nil {
			// gocv echoes the locator in its error, keep credentials out of logs.
			return nil, fmt.Errorf("capture: %s failed to open %s", b.name, t.Source.Redacted())
		}
	} else {
		vc, err = gocv.OpenVideoCaptureWithAPI(t.Device, b.api)
		if err != nil {
			return nil, fmt.Errorf("capture: %s failed to open device %d: %w", b.name, t.Device, err)
		}
	}

	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture: %s device not opened", b.name)
	}

	vc.Set(gocv.VideoCaptureBufferSize, 1)
	if t.Width > 0 && t.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(t.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(t.Height))
	}

	return &opencvDevice{vc: vc, mat: gocv.NewMat()}, nil
}

// videoReader is the part of *gocv.VideoCapture a device uses.
type videoReader interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// opencvDevice wraps a VideoCapture. OpenCV cannot interrupt a Read in
// progress, so Close during a Read only marks the device closed and the
// Read releases the capture when the driver returns.
type opencvDevice struct {
	mu      sync.Mutex
	vc      videoReader
	mat     gocv.Mat
	reading bool
	closed  bool
}

// Read implements Device. OpenCV returns BGR, converted here to RGB.
func (d *opencvDevice) Read() (frame.Frame, error) {
	d.mu.Lock()
	if d.closed || d.reading {
		d.mu.Unlock()
		return frame.Frame{}, errDeviceClosed
	}
	d.reading = true
	d.mu.Unlock()

	ok := d.vc.Read(&d.mat)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.reading = false
	if d.closed {
		d.release()
		return frame.Frame{}, errDeviceClosed
	}
	if !ok || d.mat.Empty() {
		return frame.Frame{}, fmt.Errorf("capture: opencv read returned no frame")
	}
	if d.mat.Channels() != 3 {
		return frame.Frame{}, fmt.Errorf("capture: unexpected channel count %d", d.mat.Channels())
	}

	return frame.FromBGR(d.mat.ToBytes(), d.mat.Cols(), d.mat.Rows())
}

// Close implements Device. Idempotent. It never waits for a pending Read.
func (d *opencvDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.reading {
		return nil
	}
	return d.release()
}

// release frees the capture. Callers hold mu.
func (d *opencvDevice) release() error {
	d.mat.Close()
	return d.vc.Close()
}
