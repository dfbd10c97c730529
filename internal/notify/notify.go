// Package notify delivers alert notifications over SMTP and to the log.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/config"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends plain-text mail through a relay.
type SMTPNotifier struct {
	addr string
	from string
	auth smtp.Auth
	send sendFunc
}

// NewSMTPNotifier validates cfg and returns a notifier. Authentication is
// used only when a username is configured.
func NewSMTPNotifier(cfg config.SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("notify: smtp host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("notify: smtp from address is required")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}

	n := &SMTPNotifier{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		from: cfg.From,
		send: smtp.SendMail,
	}
	if cfg.Username != "" {
		n.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return n, nil
}

// Send implements alert.Notifier.
func (n *SMTPNotifier) Send(ctx context.Context, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return nil
	}
	msg := buildMessage(n.from, recipients, subject, body, time.Now())

	// net/smtp has no context support; the result is abandoned on cancel.
	errc := make(chan error, 1)
	go func() { errc <- n.send(n.addr, n.auth, n.from, recipients, msg) }()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("notify: smtp send via %s failed: %w", n.addr, err)
		}
		slog.Info("notify: mail sent", "recipients", len(recipients), "subject", subject)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from string, to []string, subject, body string, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

// Send implements alert.Notifier.
func (LogNotifier) Send(_ context.Context, recipients []string, subject, body string) error {
	slog.Info("notify: notification", "recipients", recipients, "subject", subject, "body", body)
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []alert.Notifier

// Send implements alert.Notifier.
func (f Fanout) Send(ctx context.Context, recipients []string, subject, body string) error {
	var errs []error
	for _, n := range f {
		if err := n.Send(ctx, recipients, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
