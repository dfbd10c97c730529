package alert

import (
	"fmt"
	"log/slog"
)

// InsertFunc creates the alert row once its image has been stored.
type InsertFunc func(imagePath, imageURL string) (Alert, error)

// WithImage stores the evidence image of a through w, then runs insert.
// If insert fails the image is removed so that no orphan file is left
// behind. Stores call it from CreateAlert.
func WithImage(w ImageWriter, a NewAlert, insert InsertFunc) (Alert, error) {
	if w == nil {
		return insert("", "")
	}

	path, url, err := w.WriteAlertImage(a.Timestamp, a.Image)
	if err != nil {
		return Alert{}, fmt.Errorf("alert: failed to store image: %w", err)
	}

	created, err := insert(path, url)
	if err != nil {
		if rmErr := w.Remove(path); rmErr != nil {
			slog.Warn("alert: failed to remove orphan image", "path", path, "error", rmErr)
		}
		return Alert{}, err
	}
	return created, nil
}
