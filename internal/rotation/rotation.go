// Package rotation holds the presenter state that cycles through the
// current timeline one occurrence at a time.
package rotation

import (
	"context"
	"sync"
	"time"

	"eventrotator/internal/model"
)

// DefaultInterval is the dwell time per occurrence.
const DefaultInterval = 6 * time.Second

// View is a point-in-time copy of the rotation state.
type View struct {
	Index   int               `json:"index"`
	Playing bool              `json:"playing"`
	Total   int               `json:"total"`
	Err     string            `json:"error,omitempty"`
	Current *model.Occurrence `json:"-"`
}

// State is safe for concurrent use. It starts playing with nothing loaded.
type State struct {
	mu      sync.RWMutex
	items   []model.Occurrence
	index   int
	playing bool
	err     string
}

func New() *State {
	return &State{playing: true}
}

// Replace installs a new timeline and resets the position to the start.
// Playback state is kept.
func (s *State) Replace(snap model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = snap.Occurrences
	s.err = snap.Err
	s.index = 0
}

// Advance moves to the next occurrence, wrapping. It does nothing while
// paused or with fewer than two items.
func (s *State) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing || len(s.items) < 2 {
		return
	}
	s.index = (s.index + 1) % len(s.items)
}

// Next moves forward one step regardless of playback state.
func (s *State) Next() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return
	}
	s.index = (s.index + 1) % len(s.items)
}

// Toggle flips playback and returns the new value.
func (s *State) Toggle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = !s.playing
	return s.playing
}

// Select jumps to index i. Out-of-range values are rejected.
func (s *State) Select(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.items) {
		return false
	}
	s.index = i
	return true
}

func (s *State) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := View{Index: s.index, Playing: s.playing, Total: len(s.items), Err: s.err}
	if s.index < len(s.items) {
		cur := s.items[s.index]
		v.Current = &cur
	}
	return v
}

// Run calls Advance every interval until ctx is done.
func (s *State) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Advance()
		}
	}
}
