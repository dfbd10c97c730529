package capture

import (
	"fmt"

	"gocv.io/x/gocv"
)

// NewBackend returns the backend registered under name.
//
// Device backends: opencv-any, opencv-v4l2, opencv-dshow, opencv-msmf,
// opencv-gstreamer, opencv-ffmpeg, gst-v4l2, ffmpeg-v4l2.
// Network backends: gst-rtsp, opencv-url.
func NewBackend(name string) (Backend, error) {
	switch name {
	case "opencv-any":
		return newOpenCVBackend(name, gocv.VideoCaptureAny), nil
	case "opencv-v4l2":
		return newOpenCVBackend(name, gocv.VideoCaptureV4L2), nil
	case "opencv-dshow":
		return newOpenCVBackend(name, gocv.VideoCaptureDshow), nil
	case "opencv-msmf":
		return newOpenCVBackend(name, gocv.VideoCaptureMSMF), nil
	case "opencv-gstreamer":
		return newOpenCVBackend(name, gocv.VideoCaptureGstreamer), nil
	case "opencv-ffmpeg":
		return newOpenCVBackend(name, gocv.VideoCaptureFFmpeg), nil
	case "gst-v4l2":
		return NewGstV4L2Backend(), nil
	case "ffmpeg-v4l2":
		return NewFFmpegBackend(), nil
	case "gst-rtsp":
		return NewGstRTSPBackend(), nil
	case "opencv-url":
		return NewOpenCVURLBackend(), nil
	default:
		return nil, fmt.Errorf("capture: unknown backend %q", name)
	}
}

// NewBackends resolves an ordered list of backend names.
func NewBackends(names []string) ([]Backend, error) {
	out := make([]Backend, 0, len(names))
	for _, n := range names {
		b, err := NewBackend(n)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
