package rawvideo

import (
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("Skipping test: sh not available: %v", err)
	}
}

func TestNextReadsWholeFrames(t *testing.T) {
	requireShell(t)

	p, err := Start("sh", []string{"-c", "printf 'abcdefghijkl'"}, 2, 1)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer p.Close()

	for i, want := range []string{"abcdef", "ghijkl"} {
		f, err := p.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if string(f.Data) != want || f.Width != 2 || f.Height != 1 {
			t.Errorf("frame %d = %q (%dx%d)", i, f.Data, f.Width, f.Height)
		}
	}

	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
	t.Log("✅ Frames read, clean EOF")
}

func TestNextReportsTruncationAndExitStatus(t *testing.T) {
	requireShell(t)

	testCases := []struct {
		name   string
		script string
		want   string
	}{
		{"truncated", "printf 'abcd'", "truncated frame"},
		{"exit status", "echo 'device busy' >&2; exit 3", "exit status 3"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Start("sh", []string{"-c", tc.script}, 2, 1)
			if err != nil {
				t.Fatalf("Start() failed: %v", err)
			}
			defer p.Close()

			_, err = p.Next()
			if err == nil || errors.Is(err, io.EOF) {
				t.Fatalf("expected failure, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestCloseUnblocksPendingRead(t *testing.T) {
	requireShell(t)

	p, err := Start("sh", []string{"-c", "exec sleep 30"}, 4, 4)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Next()
		done <- err
	}()

	p.Close()
	p.Close() // idempotent

	if err := <-done; err == nil {
		t.Error("Next() should fail after Close()")
	}
}

func TestStartValidatesSize(t *testing.T) {
	if _, err := Start("ffmpeg", nil, 0, 10); err == nil {
		t.Error("expected error for zero width")
	}
}
