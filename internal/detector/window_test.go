package detector

import (
	"fmt"
	"testing"
	"time"

	"security-monitor/internal/model"
)

func windowEvent(at time.Time) model.Event {
	return model.Event{
		ID:        fmt.Sprintf("w-%d", at.UnixNano()),
		Type:      model.EventDataAccess,
		Timestamp: at,
	}
}

func TestKeyedWindowAdd(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	t.Run("counts events inside retention", func(t *testing.T) {
		w := newKeyedWindow(10*time.Minute, 100)
		for i := 0; i < 4; i++ {
			at := base.Add(time.Duration(i) * time.Minute)
			if got := w.Add("k", windowEvent(at), at); got != i+1 {
				t.Fatalf("Add #%d: got count %d, want %d", i, got, i+1)
			}
		}
	})

	t.Run("prunes expired events on insert", func(t *testing.T) {
		w := newKeyedWindow(10*time.Minute, 100)
		w.Add("k", windowEvent(base), base)
		w.Add("k", windowEvent(base.Add(time.Minute)), base.Add(time.Minute))

		late := base.Add(30 * time.Minute)
		if got := w.Add("k", windowEvent(late), late); got != 1 {
			t.Fatalf("expected only the fresh event to remain, got %d", got)
		}
	})

	t.Run("caps events per key", func(t *testing.T) {
		w := newKeyedWindow(time.Hour, 5)
		for i := 0; i < 20; i++ {
			at := base.Add(time.Duration(i) * time.Second)
			w.Add("k", windowEvent(at), at)
		}
		if got := w.Count("k", base.Add(20*time.Second)); got != 5 {
			t.Fatalf("expected cap of 5, got %d", got)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		w := newKeyedWindow(time.Hour, 100)
		w.Add("a", windowEvent(base), base)
		w.Add("a", windowEvent(base), base)
		w.Add("b", windowEvent(base), base)
		if got := w.Count("a", base); got != 2 {
			t.Fatalf("key a: got %d, want 2", got)
		}
		if got := w.Count("b", base); got != 1 {
			t.Fatalf("key b: got %d, want 1", got)
		}
	})
}

func TestKeyedWindowMonotonicCutoff(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	w := newKeyedWindow(10*time.Minute, 100)

	// Advance the cutoff with a late observation, then present an earlier
	// "now": the cutoff must not move backwards and re-admit pruned time.
	w.Add("k", windowEvent(base), base)
	w.Count("k", base.Add(30*time.Minute))

	stale := windowEvent(base.Add(5 * time.Minute))
	if got := w.Add("k", stale, base.Add(5*time.Minute)); got != 0 {
		t.Fatalf("event behind the advanced cutoff must be dropped, got count %d", got)
	}
}

func TestKeyedWindowEvents(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	w := newKeyedWindow(time.Hour, 100)

	first := windowEvent(base)
	second := windowEvent(base.Add(time.Minute))
	w.Add("k", first, base)
	w.Add("k", second, base.Add(time.Minute))

	events := w.Events("k", base.Add(2*time.Minute))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != first.ID || events[1].ID != second.ID {
		t.Fatal("events must come back in arrival order")
	}

	// Returned slice is a copy.
	events[0].ID = "mutated"
	if again := w.Events("k", base.Add(2*time.Minute)); again[0].ID != first.ID {
		t.Fatal("Events must return a copy, not the backing slice")
	}
}

func TestKeyedWindowSweep(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	w := newKeyedWindow(10*time.Minute, 100)

	w.Add("idle", windowEvent(base), base)
	w.Add("busy", windowEvent(base), base)
	// The busy key's stale event is pruned by this insert, not by the sweep.
	w.Add("busy", windowEvent(base.Add(15*time.Minute)), base.Add(15*time.Minute))

	removed := w.Sweep(base.Add(20 * time.Minute))
	if removed != 1 {
		t.Fatalf("expected 1 removed entry, got %d", removed)
	}
	if got := w.Keys(); got != 1 {
		t.Fatalf("expected the idle key to be dropped, got %d keys", got)
	}
	if got := w.Count("busy", base.Add(20*time.Minute)); got != 1 {
		t.Fatalf("busy key must keep its fresh event, got %d", got)
	}
}
