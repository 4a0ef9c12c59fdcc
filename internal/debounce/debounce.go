// Package debounce implements the ingest-side Debounce Buffer (spec §3):
// an in-memory record of the last Progress value seen for a
// (source_node, source_user, item, target_node) tuple. The Event Ingestor
// records every Progress notification here; Observe's result does not gate
// the enqueue, which coalesces through the Store's dedup_key upsert.
package debounce

import (
	"sync"
	"time"
)

// Key identifies one progress-tracking tuple.
type Key struct {
	SourceNode string
	SourceUser string
	ItemKey    string
	TargetNode string
}

// Default is the debounce window (§3, §6 sync.progress_debounce_seconds
// default).
const Default = 30 * time.Second

type entry struct {
	lastPosition int64
	deadline     time.Time
}

// Buffer is a thread-safe debounce tracker. The Ingestor consults it on
// every Progress notification; it does not itself enqueue or drop events —
// it only tells the caller whether the new value falls inside an existing
// window.
type Buffer struct {
	mu      sync.Mutex
	entries map[Key]entry
	window  time.Duration
	now     func() time.Time
}

// New creates a Buffer with the given debounce window.
func New(window time.Duration) *Buffer {
	if window <= 0 {
		window = Default
	}
	return &Buffer{entries: make(map[Key]entry), window: window, now: time.Now}
}

// Observe records a new Progress value for key and reports whether it falls
// within an existing, unexpired debounce window (i.e. should coalesce
// rather than start a fresh window).
func (b *Buffer) Observe(key Key, position int64) (withinWindow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	e, ok := b.entries[key]
	withinWindow = ok && now.Before(e.deadline)

	if !withinWindow {
		b.entries[key] = entry{lastPosition: position, deadline: now.Add(b.window)}
	} else {
		e.lastPosition = position
		b.entries[key] = e
	}
	return withinWindow
}

// Reset clears a tuple's window, so the next Observe for it starts a fresh
// one.
func (b *Buffer) Reset(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}
