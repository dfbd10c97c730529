package fault_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/fault"
)

func TestKindOf(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"nil", nil, fault.Unknown},
		{"plain", io.EOF, fault.Unknown},
		{"direct", fault.New(fault.DeviceUnavailable, "capture.open", nil), fault.DeviceUnavailable},
		{"wrapped", fmt.Errorf("outer: %w", fault.New(fault.PersistenceFailure, "alert.create", io.ErrUnexpectedEOF)), fault.PersistenceFailure},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fault.KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestErrorUnwrapAndIs(t *testing.T) {
	err := fmt.Errorf("batch: %w", fault.New(fault.EncodeFailure, "stream.encode", io.ErrShortWrite))

	if !errors.Is(err, io.ErrShortWrite) {
		t.Error("errors.Is should reach the underlying error")
	}
	if !errors.Is(err, &fault.Error{Kind: fault.EncodeFailure}) {
		t.Error("errors.Is should match on kind")
	}
	if errors.Is(err, &fault.Error{Kind: fault.DeviceUnavailable}) {
		t.Error("errors.Is matched the wrong kind")
	}
	if !fault.Is(err, fault.EncodeFailure) {
		t.Error("fault.Is should match on kind")
	}
	if fault.Is(nil, fault.Unknown) {
		t.Error("fault.Is(nil) must be false")
	}
}

func TestErrorMessage(t *testing.T) {
	err := fault.Errorf(fault.DeviceUnavailable, "capture.open", "%d candidates failed", 3)
	want := "capture.open: device_unavailable: 3 candidates failed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := fault.New(fault.ModelUnavailable, "classify.engine", nil)
	if bare.Error() != "classify.engine: model_unavailable" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
