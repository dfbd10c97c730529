package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

// Slot holds the latest captured frame.
//
// Put overwrites the previous frame (new replaces old) and counts a drop
// when the previous frame was never read. Get returns a copy, so readers
// never share a buffer with the writer. One writer, any number of readers.
type Slot struct {
	mu     sync.Mutex
	frame  *frame.Frame
	unread bool
	at     time.Time

	writes atomic.Uint64
	drops  atomic.Uint64
}

// Put stores f as the latest frame. The slot takes ownership of f.Data.
func (s *Slot) Put(f frame.Frame) {
	s.mu.Lock()
	if s.frame != nil && s.unread {
		s.drops.Add(1)
	}
	s.frame = &f
	s.unread = true
	s.at = time.Now()
	s.mu.Unlock()

	s.writes.Add(1)
}

// Get returns a copy of the latest frame, or false when empty.
func (s *Slot) Get() (frame.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame == nil {
		return frame.Frame{}, false
	}
	s.unread = false
	return s.frame.Clone(), true
}

// Clear empties the slot.
func (s *Slot) Clear() {
	s.mu.Lock()
	s.frame = nil
	s.unread = false
	s.mu.Unlock()
}

// LastWrite returns when Put was last called.
func (s *Slot) LastWrite() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at
}

// Writes returns the number of frames written
func (s *Slot) Writes() uint64 { return s.writes.Load() }

// Drops returns the number of unread frames that were overwritten
func (s *Slot) Drops() uint64 { return s.drops.Load() }
