package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps alerts and cameras in process memory.
type MemoryStore struct {
	images ImageWriter

	mu      sync.RWMutex
	alerts  []Alert
	cameras []Camera
	nextID  int64
	nextCam int64
}

// NewMemoryStore creates an empty store. images may be nil, in which case
// alert images are not written anywhere.
func NewMemoryStore(images ImageWriter) *MemoryStore {
	return &MemoryStore{images: images}
}

// CreateAlert implements Store.
func (s *MemoryStore) CreateAlert(_ context.Context, na NewAlert) (Alert, error) {
	return WithImage(s.images, na, func(path, url string) (Alert, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.nextID++
		a := Alert{
			ID:             s.nextID,
			ThreatType:     na.ThreatType,
			Confidence:     na.Confidence,
			VideoTimestamp: na.VideoTimestamp,
			Timestamp:      na.Timestamp,
			ImagePath:      path,
			ImageURL:       url,
			CameraID:       na.CameraID,
		}
		s.alerts = append(s.alerts, a)
		return a, nil
	})
}

// ThreatStats implements Store.
func (s *MemoryStore) ThreatStats(_ context.Context, since time.Time, top int) (ThreatStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := ThreatStats{Since: since}
	counts := map[string]int{}
	var recent []Alert
	for _, a := range s.alerts {
		if a.Timestamp.Before(since) {
			continue
		}
		recent = append(recent, a)
		counts[a.ThreatType]++
	}

	stats.Total = len(recent)
	for t, n := range counts {
		stats.Counts = append(stats.Counts, ThreatCount{ThreatType: t, Count: n})
	}
	sort.Slice(stats.Counts, func(i, j int) bool {
		if stats.Counts[i].Count != stats.Counts[j].Count {
			return stats.Counts[i].Count > stats.Counts[j].Count
		}
		return stats.Counts[i].ThreatType < stats.Counts[j].ThreatType
	})

	sort.SliceStable(recent, func(i, j int) bool { return recent[i].Confidence > recent[j].Confidence })
	stats.Top = recent[:min(top, len(recent))]
	return stats, nil
}

// ListAlerts implements Store. Alerts are returned newest first.
func (s *MemoryStore) ListAlerts(_ context.Context, f Filter) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Alert{}
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if f.ThreatType != "" && !strings.EqualFold(a.ThreatType, f.ThreatType) {
			continue
		}
		if f.CameraID != nil && (a.CameraID == nil || *a.CameraID != *f.CameraID) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// UpsertCamera implements CameraStore.
func (s *MemoryStore) UpsertCamera(_ context.Context, c Camera) (Camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.cameras {
		if existing.Name == c.Name {
			c.ID = existing.ID
			s.cameras[i] = c
			return c, nil
		}
	}
	s.nextCam++
	c.ID = s.nextCam
	s.cameras = append(s.cameras, c)
	return c, nil
}

// ListCameras implements CameraStore. Cameras are ordered by name.
func (s *MemoryStore) ListCameras(_ context.Context) ([]Camera, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]Camera{}, s.cameras...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
