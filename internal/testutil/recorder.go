package testutil

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/roach88/dashflow/internal/event"
)

// WaitTimeout bounds every Recorder wait.
const WaitTimeout = 5 * time.Second

// Recorder collects the events published on a bus.
//
// Thread-safety: all methods are safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
	stop   func()
}

// Record subscribes a new Recorder to every event on b.
func Record(b *event.Bus) *Recorder {
	r := &Recorder{}
	r.stop = b.Subscribe(nil, func(ev event.Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

// Stop unsubscribes the recorder. Recorded events are kept.
func (r *Recorder) Stop() { r.stop() }

// Events returns a copy of every recorded event in publication order.
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types returns the types of the recorded events matching keep, in order.
// A nil keep matches everything.
func (r *Recorder) Types(keep event.Predicate) []event.Type {
	var out []event.Type
	for _, ev := range r.Events() {
		if keep == nil || keep(ev) {
			out = append(out, ev.Type())
		}
	}
	return out
}

// OfType returns the recorded events of the given types.
func (r *Recorder) OfType(types ...event.Type) []event.Event {
	return r.Where(event.OfType(types...))
}

// Where returns the recorded events matching keep.
func (r *Recorder) Where(keep event.Predicate) []event.Event {
	var out []event.Event
	for _, ev := range r.Events() {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// WaitFor waits until an event matching keep has been recorded and returns
// the first one. The test fails on timeout.
func (r *Recorder) WaitFor(t testing.TB, keep event.Predicate) event.Event {
	t.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for {
		if evs := r.Where(keep); len(evs) > 0 {
			return evs[0]
		}
		if time.Now().After(deadline) {
			t.Fatalf("no matching event within %s; recorded %v", WaitTimeout, r.Types(nil))
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

// Only returns the recorded events of type T.
func Only[T event.Event](r *Recorder) []T {
	var out []T
	for _, ev := range r.Events() {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
