package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mattjh/verba/event"
	"github.com/mattjh/verba/store"
)

// OpenStore opens a fresh store in a per-test temp directory and closes it
// when the test ends.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "verba.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// CreateProject creates a project with a supported audio source.
func CreateProject(t *testing.T, st *store.Store, name string) store.Project {
	t.Helper()

	p, err := st.CreateProject(context.Background(), name, store.AudioSource{
		Path:     "/audio/" + name + ".mp3",
		Format:   ".mp3",
		Duration: 60,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

// EventRecorder subscribes to a bus and records everything delivered to it.
type EventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

// Record attaches a recorder to the bus.
func Record(t *testing.T, bus *event.Bus) *EventRecorder {
	t.Helper()

	r := &EventRecorder{}
	if _, err := bus.Subscribe(func(ev event.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return r
}

// Events returns a copy of everything recorded so far.
func (r *EventRecorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *EventRecorder) OfType(t event.Type) []event.Event {
	var out []event.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
