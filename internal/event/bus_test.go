package event

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Meta
	typ  Type
	Name string
}

func (e testEvent) Type() Type { return e.typ }

func ev(typ Type, name string) testEvent {
	return testEvent{typ: typ, Name: name}
}

func names(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.(testEvent).Name)
	}
	return out
}

func TestBus_FIFOToAllSubscribers(t *testing.T) {
	bus := NewBus()

	var a, b []Event
	bus.Subscribe(nil, func(e Event) { a = append(a, e) })
	bus.Subscribe(All, func(e Event) { b = append(b, e) })

	bus.Publish(ev("t", "e1"))
	bus.Publish(ev("t", "e2"))
	bus.Publish(ev("t", "e3"))

	assert.Equal(t, []string{"e1", "e2", "e3"}, names(a))
	assert.Equal(t, []string{"e1", "e2", "e3"}, names(b))
}

func TestBus_PredicateFiltering(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(OfType("keep"), func(e Event) { got = append(got, e) })

	bus.Publish(ev("drop", "x"))
	bus.Publish(ev("keep", "y"))

	assert.Equal(t, []string{"y"}, names(got))
}

func TestBus_ForCorrelation(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(And(ForCorrelation("c-1"), OfType("t")), func(e Event) { got = append(got, e) })

	bus.Publish(testEvent{Meta: Meta{CorrelationID: "c-2"}, typ: "t", Name: "other"})
	bus.Publish(testEvent{Meta: Meta{CorrelationID: "c-1"}, typ: "t", Name: "mine"})
	bus.Publish(testEvent{Meta: Meta{CorrelationID: "c-1"}, typ: "u", Name: "wrong-type"})

	assert.Equal(t, []string{"mine"}, names(got))
}

func TestBus_BreadthFirstDelivery(t *testing.T) {
	bus := NewBus()

	var log []string
	bus.Subscribe(nil, func(e Event) {
		te := e.(testEvent)
		log = append(log, "A:"+te.Name)
		if te.Name == "outer" {
			bus.Publish(ev("t", "inner"))
		}
	})
	bus.Subscribe(nil, func(e Event) {
		log = append(log, "B:"+e.(testEvent).Name)
	})

	bus.Publish(ev("t", "outer"))

	// B sees "outer" before anyone sees "inner".
	assert.Equal(t, []string{"A:outer", "B:outer", "A:inner", "B:inner"}, log)
}

func TestBus_UnsubscribeMidDelivery(t *testing.T) {
	bus := NewBus()

	var got []string
	var unsubB func()
	bus.Subscribe(nil, func(e Event) {
		if e.(testEvent).Name == "e1" {
			unsubB()
		}
	})
	unsubB = bus.Subscribe(nil, func(e Event) {
		got = append(got, e.(testEvent).Name)
	})

	bus.Publish(ev("t", "e1"))
	bus.Publish(ev("t", "e2"))

	// B was selected for e1 before it was removed, so it still receives it.
	assert.Equal(t, []string{"e1"}, got)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestBus_SubscribeMidDeliveryMissesInFlightEvent(t *testing.T) {
	bus := NewBus()

	var late []string
	subscribed := false
	bus.Subscribe(nil, func(e Event) {
		if !subscribed {
			subscribed = true
			bus.Subscribe(nil, func(e Event) { late = append(late, e.(testEvent).Name) })
		}
	})

	bus.Publish(ev("t", "e1"))
	bus.Publish(ev("t", "e2"))

	assert.Equal(t, []string{"e2"}, late)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()

	unsub := bus.Subscribe(nil, func(Event) {})
	bus.Subscribe(nil, func(Event) {})

	unsub()
	unsub()

	assert.Equal(t, 1, bus.Subscribers())
}

func TestBus_HandlerFaultIsIsolated(t *testing.T) {
	bus := NewBus()

	var faults []*ObserverError
	bus.OnFault = func(oe *ObserverError) { faults = append(faults, oe) }

	before := testutil.ToFloat64(observerFaults)

	var got []string
	bus.Subscribe(nil, func(Event) { panic(errors.New("boom")) })
	bus.Subscribe(nil, func(e Event) { got = append(got, e.(testEvent).Name) })

	require.NotPanics(t, func() {
		bus.Publish(ev("t", "e1"))
		bus.Publish(ev("t", "e2"))
	})

	assert.Equal(t, []string{"e1", "e2"}, got, "healthy subscriber keeps receiving")
	require.Len(t, faults, 2)
	assert.Equal(t, Type("t"), faults[0].EventType)
	assert.EqualError(t, errors.Unwrap(faults[0]), "boom")
	assert.Contains(t, faults[0].Error(), "OBSERVER")
	assert.Equal(t, before+2, testutil.ToFloat64(observerFaults))
}

func TestBus_ConcurrentPublishersNeverOverlap(t *testing.T) {
	bus := NewBus()

	var (
		mu       sync.Mutex
		inFlight int
		overlap  bool
		count    int
	)
	bus.Subscribe(nil, func(Event) {
		mu.Lock()
		inFlight++
		if inFlight > 1 {
			overlap = true
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(ev("t", "x"))
			}
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Equal(t, 400, count)
}

func TestBus_NilEventIgnored(t *testing.T) {
	bus := NewBus()

	called := false
	bus.Subscribe(nil, func(Event) { called = true })
	bus.Publish(nil)

	assert.False(t, called)
}
