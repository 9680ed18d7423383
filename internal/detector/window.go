package detector

import (
	"sync"
	"time"

	"security-monitor/internal/model"
)

// keyedWindow keeps a bounded, time-limited slice of recent events per key
// (IP, user or session). Entries are pruned on insert and on the periodic sweep.
// The cutoff per key never moves backwards, so evaluation within one key stays
// consistent even when arrivals interleave across keys.
type keyedWindow struct {
	retention time.Duration
	maxPerKey int

	mu      sync.Mutex
	entries map[string][]model.Event
	cutoffs map[string]time.Time
}

func newKeyedWindow(retention time.Duration, maxPerKey int) *keyedWindow {
	return &keyedWindow{
		retention: retention,
		maxPerKey: maxPerKey,
		entries:   make(map[string][]model.Event),
		cutoffs:   make(map[string]time.Time),
	}
}

// Add records an event under key and returns how many events remain inside the
// window after pruning.
func (w *keyedWindow) Add(key string, ev model.Event, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	events := append(w.entries[key], ev)
	events = w.pruneLocked(key, events, now)

	if len(events) > w.maxPerKey {
		events = events[len(events)-w.maxPerKey:]
	}
	w.entries[key] = events
	return len(events)
}

// Count returns the number of in-window events for key without recording anything.
func (w *keyedWindow) Count(key string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := w.pruneLocked(key, w.entries[key], now)
	w.entries[key] = events
	return len(events)
}

// Events returns a copy of the in-window events for key.
func (w *keyedWindow) Events(key string, now time.Time) []model.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := w.pruneLocked(key, w.entries[key], now)
	w.entries[key] = events
	out := make([]model.Event, len(events))
	copy(out, events)
	return out
}

// pruneLocked drops entries older than the retention cutoff. The cutoff is
// monotonically non-decreasing per key.
func (w *keyedWindow) pruneLocked(key string, events []model.Event, now time.Time) []model.Event {
	cutoff := now.Add(-w.retention)
	if prev, ok := w.cutoffs[key]; ok && prev.After(cutoff) {
		cutoff = prev
	}
	w.cutoffs[key] = cutoff

	idx := 0
	for idx < len(events) && !events[idx].Timestamp.After(cutoff) {
		idx++
	}
	if idx == 0 {
		return events
	}
	return append(events[:0:0], events[idx:]...)
}

// Sweep walks every key, prunes expired entries and deletes empty keys. Called
// from the periodic window-pruning task to keep memory bounded for idle keys.
func (w *keyedWindow) Sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for key, events := range w.entries {
		pruned := w.pruneLocked(key, events, now)
		removed += len(events) - len(pruned)
		if len(pruned) == 0 {
			delete(w.entries, key)
			delete(w.cutoffs, key)
			continue
		}
		w.entries[key] = pruned
	}
	return removed
}

// Keys returns the number of tracked keys, for statistics.
func (w *keyedWindow) Keys() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
