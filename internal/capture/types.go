package capture

import (
	"context"
	"strconv"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// Target describes what a backend should open.
type Target struct {
	// Device is the local device index (/dev/videoN, DirectShow index, ...)
	Device int
	// Source is the network camera for network backends (nil for devices)
	Source *NetworkSource
	// Width and Height are the requested frame size. Backends that cannot
	// scale report the native size in the frames they return.
	Width  int
	Height int
}

// Backend opens capture devices. Implementations must be safe for
// sequential reuse: a session calls Open again after a failure.
type Backend interface {
	Name() string
	Open(ctx context.Context, t Target) (Device, error)
}

// Device is an open capture handle.
//
// Read blocks until the next frame is available and returns a frame whose
// buffer is owned by the caller. Close must unblock a pending Read.
type Device interface {
	Read() (frame.Frame, error)
	Close() error
}

// Candidate is one (backend, device index) pair tried by a session.
type Candidate struct {
	Backend Backend
	Device  int
}

// String returns "backend:device" for logging
func (c Candidate) String() string {
	if c.Backend == nil {
		return "<nil>"
	}
	return c.Backend.Name() + ":" + strconv.Itoa(c.Device)
}

// Candidates expands device indexes and backends into the ordered fallback
// list: every backend is tried on the first device before moving to the next.
func Candidates(devices []int, backends []Backend) []Candidate {
	out := make([]Candidate, 0, len(devices)*len(backends))
	for _, d := range devices {
		for _, b := range backends {
			out = append(out, Candidate{Backend: b, Device: d})
		}
	}
	return out
}

// State represents the lifecycle state of a session
type State int32

const (
	// StateDisconnected means no device is open
	StateDisconnected State = iota
	// StateConnecting means candidates are being tried
	StateConnecting
	// StateStreaming means a device is open and the read loop is running
	StateStreaming
	// StateFailed is terminal: every candidate failed
	StateFailed
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stats contains session statistics
type Stats struct {
	Name      string
	State     State
	Candidate string // active backend:device, empty when disconnected

	FramesCaptured uint64 // frames written to the slot
	FramesDropped  uint64 // frames overwritten before anyone read them
	ReadFailures   uint64
	Reconnects     uint64

	LastFrameAt time.Time
	Uptime      time.Duration
}
