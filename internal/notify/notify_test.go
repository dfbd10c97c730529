package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/config"
)

func TestNewSMTPNotifierValidation(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     config.SMTPConfig
		wantErr bool
	}{
		{"missing host", config.SMTPConfig{From: "cctv@example.com"}, true},
		{"missing from", config.SMTPConfig{Host: "mail.example.com"}, true},
		{"default port", config.SMTPConfig{Host: "mail.example.com", From: "cctv@example.com"}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := NewSMTPNotifier(tc.cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil && n.addr != "mail.example.com:587" {
				t.Errorf("addr = %q", n.addr)
			}
		})
	}
}

func TestSMTPSend(t *testing.T) {
	n, err := NewSMTPNotifier(config.SMTPConfig{Host: "mail.example.com", Port: 25, From: "cctv@example.com", Username: "cctv", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	var gotAddr string
	var gotMsg []byte
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotMsg = addr, msg
		if a == nil || from != "cctv@example.com" || len(to) != 2 {
			t.Errorf("auth=%v from=%q to=%v", a, from, to)
		}
		return nil
	}

	err = n.Send(context.Background(), []string{"a@example.com", "b@example.com"}, alert.Subject, "line one\nline two")
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if gotAddr != "mail.example.com:25" {
		t.Errorf("addr = %q", gotAddr)
	}
	msg := string(gotMsg)
	for _, want := range []string{
		"To: a@example.com, b@example.com\r\n",
		"Subject: Security Alert Notification\r\n",
		"\r\n\r\nline one\r\nline two",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestSMTPSendHonoursContext(t *testing.T) {
	n, _ := NewSMTPNotifier(config.SMTPConfig{Host: "mail.example.com", From: "cctv@example.com"})
	release := make(chan struct{})
	defer close(release)
	n.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.Send(ctx, []string{"a@example.com"}, "s", "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Send(context.Context, []string, string, string) error {
	f.calls++
	return errors.New("relay down")
}

func TestFanoutJoinsErrors(t *testing.T) {
	bad := &failingNotifier{}
	f := Fanout{LogNotifier{}, bad, bad}

	err := f.Send(context.Background(), []string{"a@example.com"}, "s", "b")
	if err == nil || bad.calls != 2 {
		t.Fatalf("err=%v calls=%d", err, bad.calls)
	}
	if strings.Count(err.Error(), "relay down") != 2 {
		t.Errorf("joined error = %q", err)
	}
}
