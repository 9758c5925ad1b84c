package event

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashflow",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Total events published on the bus, by event type",
	}, []string{"type"})

	observerFaults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dashflow",
		Subsystem: "bus",
		Name:      "observer_errors_total",
		Help:      "Total subscriber faults recovered during delivery",
	})
)

// Bus is an ordered, multi-subscriber broadcast.
//
// Thread-safety model:
//   - Publish(): safe from any goroutine; whichever goroutine finds the bus
//     idle drains the pending queue, so delivery is never concurrent
//   - Subscribe()/unsubscribe: safe from any goroutine, including handlers
type Bus struct {
	mu         sync.Mutex
	subs       []*subscription
	pending    []Event
	delivering bool
	nextID     uint64

	// OnFault, when set, is called for every recovered subscriber fault
	// after it has been logged.
	OnFault func(*ObserverError)
}

type subscription struct {
	id      uint64
	pred    Predicate
	handler Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler for events matching pred. A nil pred matches
// every event. The returned function removes the subscription; calling it
// more than once is harmless.
func (b *Bus) Subscribe(pred Predicate, handler Handler) (unsubscribe func()) {
	if pred == nil {
		pred = All
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, pred: pred, handler: handler}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			// Copy so snapshots held by in-flight deliveries stay intact.
			next := make([]*subscription, 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			next = append(next, b.subs[i+1:]...)
			b.subs = next
			return
		}
	}
}

// Publish queues ev and, unless a delivery is already running, delivers
// queued events until the queue is empty.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	eventsPublished.WithLabelValues(string(ev.Type())).Inc()

	b.mu.Lock()
	b.pending = append(b.pending, ev)
	if b.delivering {
		// Breadth-first: the active delivery loop picks it up.
		b.mu.Unlock()
		return
	}
	b.delivering = true

	for len(b.pending) > 0 {
		next := b.pending[0]
		b.pending[0] = nil
		b.pending = b.pending[1:]
		selected := b.subs
		b.mu.Unlock()

		b.deliver(next, selected)

		b.mu.Lock()
	}
	b.pending = nil
	b.delivering = false
	b.mu.Unlock()
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) deliver(ev Event, selected []*subscription) {
	for _, s := range selected {
		b.invoke(s, ev)
	}
}

func (b *Bus) invoke(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			oe := &ObserverError{Subscription: s.id, EventType: ev.Type(), Cause: r}
			observerFaults.Inc()
			slog.Error("observer fault",
				"error", oe,
				"subscription", s.id,
				"event_type", ev.Type(),
				"correlation_id", ev.Correlation(),
			)
			if b.OnFault != nil {
				b.OnFault(oe)
			}
		}
	}()

	if s.pred(ev) {
		s.handler(ev)
	}
}
