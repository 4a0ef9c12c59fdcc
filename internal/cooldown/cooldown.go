// Package cooldown implements the anti-loop suppression map (spec §3
// "Cooldown Set"): after a successful apply to a field on a target, writes
// to that same tuple are suppressed for a short window so an echo from the
// target node does not bounce the change back.
package cooldown

import (
	"sync"
	"time"
)

// Key identifies one (target, user, item, field) tuple.
type Key struct {
	TargetNode string
	UserID     string
	ItemID     string
	Field      string
}

// Default is the cooldown window applied after a successful apply (§3, §4.6).
const Default = 30 * time.Second

// Set is a thread-safe cooldown map, owned by the Sync Worker (§5: "owned
// only by the Worker's task").
type Set struct {
	mu       sync.Mutex
	deadline map[Key]time.Time
	now      func() time.Time
}

// New creates an empty cooldown set using the monotonic wall clock.
func New() *Set {
	return &Set{deadline: make(map[Key]time.Time), now: time.Now}
}

// Active reports whether key is still within its cooldown window.
func (s *Set) Active(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.deadline[key]
	if !ok {
		return false
	}
	if s.now().After(deadline) {
		delete(s.deadline, key)
		return false
	}
	return true
}

// Set starts (or restarts) the cooldown window for key, defaulting to the
// standard 30-second window.
func (s *Set) Set(key Key) {
	s.SetFor(key, Default)
}

// SetFor starts the cooldown window for key with a custom duration.
func (s *Set) SetFor(key Key, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline[key] = s.now().Add(window)
}

// Len reports how many keys are currently tracked (including expired ones
// not yet swept).
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadline)
}
