package capture

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// NetworkSource describes a network camera without exposing a credential
// carrying URL to callers.
type NetworkSource struct {
	Scheme   string // default "rtsp"
	Host     string
	Port     int
	Username string
	Password string
	Path     string
}

// Validate checks the descriptor
func (s NetworkSource) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("capture: network source host is required")
	}
	if strings.ContainsAny(s.Host, "/@?#") {
		return fmt.Errorf("capture: invalid host %q", s.Host)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("capture: port out of range: %d", s.Port)
	}
	return nil
}

// Location returns the URL without credentials, e.g. rtsp://10.0.0.5:8080/h264.
func (s NetworkSource) Location() string {
	return s.build(nil).String()
}

// URL returns the full locator including escaped credentials. It must only
// be handed to a backend, never logged.
func (s NetworkSource) URL() string {
	if s.Username == "" && s.Password == "" {
		return s.Location()
	}
	return s.build(url.UserPassword(s.Username, s.Password)).String()
}

// Redacted returns the locator with the password masked, for logs.
func (s NetworkSource) Redacted() string {
	if s.Username == "" && s.Password == "" {
		return s.Location()
	}
	return s.build(url.UserPassword(s.Username, "xxxxx")).String()
}

// String implements fmt.Stringer with the redacted form.
func (s NetworkSource) String() string {
	return s.Redacted()
}

func (s NetworkSource) build(user *url.Userinfo) *url.URL {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "rtsp"
	}
	host := s.Host
	if s.Port > 0 {
		host = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	}
	path := s.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &url.URL{Scheme: scheme, User: user, Host: host, Path: path}
}
