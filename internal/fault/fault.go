// Package fault defines the error kinds shared by the capture, classification
// and alerting components.
//
// Components return a *Error tagged with a Kind instead of ad hoc error
// strings so that callers can decide, per kind, whether a failure is fatal
// (DeviceUnavailable), aborts a single operation (PersistenceFailure) or is
// absorbed at the component boundary (everything else).
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is returned by KindOf for errors that carry no kind.
	Unknown Kind = iota
	// DeviceUnavailable means no backend candidate could open the source.
	DeviceUnavailable
	// FrameReadFailure is a transient read error on an open device.
	FrameReadFailure
	// EncodeFailure means a frame could not be encoded to the wire format.
	EncodeFailure
	// ModelUnavailable means classification is disabled.
	ModelUnavailable
	// PersistenceFailure means an alert could not be saved.
	PersistenceFailure
	// NotificationFailure means a notification could not be delivered.
	NotificationFailure
)

// String returns a human-readable representation of the kind
func (k Kind) String() string {
	switch k {
	case DeviceUnavailable:
		return "device_unavailable"
	case FrameReadFailure:
		return "frame_read_failure"
	case EncodeFailure:
		return "encode_failure"
	case ModelUnavailable:
		return "model_unavailable"
	case PersistenceFailure:
		return "persistence_failure"
	case NotificationFailure:
		return "notification_failure"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with a Kind.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "capture.open".
	Op  string
	Err error
}

// New tags err with kind. err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a tagged error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same Kind, so that
// errors.Is(err, &fault.Error{Kind: fault.EncodeFailure}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
