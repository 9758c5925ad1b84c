// Package event implements the dashflow event bus.
//
// Events are facts: something happened (an element page loaded, a save
// failed, a store record changed). They are published by workflows, the
// dispatcher and the normalized store, and delivered to subscribers in
// publication order.
//
// DELIVERY MODEL:
//
// Publish is breadth-first. An event published from inside a handler is
// queued and delivered only after every subscriber selected for the current
// event has run. This removes reentrancy hazards: a handler never observes
// a "newer" event before its siblings have seen the older one.
//
// Subscribers are selected when delivery of an event begins. A subscriber
// removed mid-delivery still receives the event in flight, but nothing after.
//
// Handler faults are recovered, logged as ObserverError and counted. They
// never reach the publisher or other subscribers.
package event

import (
	"fmt"
	"slices"
)

// Type identifies an event variant, e.g. "elements.page_loaded".
type Type string

// Event is implemented by every published fact.
//
// Correlation returns the correlation id of the command that caused the
// event, or "" when the event is not command-bound (e.g. a store change made
// outside a workflow).
type Event interface {
	Type() Type
	Correlation() string
}

// Meta carries the fields shared by all events. Embed it in event structs.
type Meta struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Correlation implements Event.
func (m Meta) Correlation() string {
	return m.CorrelationID
}

// Predicate selects the events a subscriber is interested in.
type Predicate func(Event) bool

// Handler receives events. Handlers run on the publishing goroutine and
// must not block.
type Handler func(Event)

// All matches every event.
func All(Event) bool { return true }

// OfType matches events whose type is one of types.
func OfType(types ...Type) Predicate {
	return func(ev Event) bool {
		return slices.Contains(types, ev.Type())
	}
}

// ForCorrelation matches events bound to the given correlation id.
func ForCorrelation(id string) Predicate {
	return func(ev Event) bool {
		return ev.Correlation() == id
	}
}

// And matches when every predicate matches.
func And(preds ...Predicate) Predicate {
	return func(ev Event) bool {
		for _, p := range preds {
			if !p(ev) {
				return false
			}
		}
		return true
	}
}

// ObserverError describes a subscriber fault recovered during delivery.
type ObserverError struct {
	Subscription uint64
	EventType    Type
	Cause        any
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("OBSERVER: subscriber %d faulted on %s: %v", e.Subscription, e.EventType, e.Cause)
}

// Unwrap returns the recovered value when it is an error.
func (e *ObserverError) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}
