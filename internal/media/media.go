// Package media manages files under the media root: uploaded videos,
// per-run result directories and alert evidence images.
package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	uploadsDir = "uploads/videos"
	resultsDir = "results"
	imagesDir  = "alerts/images"

	stampLayout = "20060102_150405"
)

// Library stores media files below a root directory and maps them to URLs.
type Library struct {
	root   string
	prefix string
	now    func() time.Time
}

// New creates the library and its directory layout.
func New(root, urlPrefix string) (*Library, error) {
	if root == "" {
		return nil, fmt.Errorf("media: root is required")
	}
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	for _, dir := range []string{uploadsDir, resultsDir, imagesDir} {
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(dir)), 0o755); err != nil {
			return nil, fmt.Errorf("media: failed to create %s: %w", dir, err)
		}
	}
	return &Library{root: root, prefix: urlPrefix, now: time.Now}, nil
}

// Root returns the media root directory.
func (l *Library) Root() string { return l.root }

// Prefix returns the URL prefix media files are served under.
func (l *Library) Prefix() string { return l.prefix }

// Upload describes a saved upload.
type Upload struct {
	Name string
	Path string
	URL  string
}

// SaveUpload copies r into uploads/videos under a random name that keeps
// the extension of originalName.
func (l *Library) SaveUpload(originalName string, r io.Reader) (Upload, error) {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(originalName))
	rel := path.Join(uploadsDir, name)
	full := l.abs(rel)

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Upload{}, fmt.Errorf("media: failed to create upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(full)
		return Upload{}, fmt.Errorf("media: failed to write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(full)
		return Upload{}, fmt.Errorf("media: failed to write upload: %w", err)
	}
	return Upload{Name: name, Path: full, URL: l.URL(rel)}, nil
}

// ResultDir creates results/<stem>_<YYYYmmdd_HHMMSS> for a video file.
func (l *Library) ResultDir(videoName string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(videoName), filepath.Ext(videoName))
	dir := l.abs(path.Join(resultsDir, stem+"_"+l.now().Format(stampLayout)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("media: failed to create result dir: %w", err)
	}
	return dir, nil
}

// WriteAlertImage stores a JPEG as alerts/images/alert_<YYYYmmdd_HHMMSS>.jpg.
// A name already taken in the same second gets a short random suffix.
func (l *Library) WriteAlertImage(ts time.Time, data []byte) (string, string, error) {
	base := "alert_" + ts.Format(stampLayout)
	for attempt := 0; attempt < 5; attempt++ {
		name := base + ".jpg"
		if attempt > 0 {
			name = base + "_" + uuid.NewString()[:8] + ".jpg"
		}
		rel := path.Join(imagesDir, name)

		f, err := os.OpenFile(l.abs(rel), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("media: failed to create image: %w", err)
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			os.Remove(l.abs(rel))
			return "", "", fmt.Errorf("media: failed to write image: %w", err)
		}
		return rel, l.URL(rel), nil
	}
	return "", "", fmt.Errorf("media: no free name for %s", base)
}

// Remove deletes a file given by its path relative to the root. Missing
// files are not an error.
func (l *Library) Remove(rel string) error {
	if rel == "" {
		return nil
	}
	err := os.Remove(l.abs(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// URL maps a root-relative path to its public URL.
func (l *Library) URL(rel string) string {
	return l.prefix + strings.TrimPrefix(filepath.ToSlash(rel), "/")
}

// CleanOld removes uploads and result directories older than maxAge and
// returns how many entries were removed.
func (l *Library) CleanOld(maxAge time.Duration) (int, error) {
	cutoff := l.now().Add(-maxAge)
	removed := 0
	var errs []error

	for _, dir := range []string{uploadsDir, resultsDir} {
		entries, err := os.ReadDir(l.abs(dir))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			// uploads holds files, results holds directories
			if e.IsDir() != (dir == resultsDir) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(l.abs(dir), e.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		slog.Info("media: removed old files", "count", removed, "max_age", maxAge.String())
	}
	return removed, errors.Join(errs...)
}

func (l *Library) abs(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(rel))
}
