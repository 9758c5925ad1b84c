package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/dashflow/internal/engine"
	"github.com/roach88/dashflow/internal/event"
)

var (
	entriesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashflow",
		Subsystem: "journal",
		Name:      "entries_written_total",
		Help:      "Total journal entries committed, by kind",
	}, []string{"kind"})

	writeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dashflow",
		Subsystem: "journal",
		Name:      "write_errors_total",
		Help:      "Total failed journal batches",
	})
)

const (
	defaultBuffer = 1024
	maxBatch      = 256
)

// Recorder streams an engine's commands and events into a journal session.
//
// Commands are captured by a before-interceptor, so only admitted commands
// get a command entry. A command rejected before interceptors run (unknown
// type, failed validation) or vetoed by an earlier interceptor leaves only
// its CommandRejected event, which is journaled whatever the event filter.
//
// Entries are captured on the engine's run loop and handed to a single
// writer goroutine, so a slow disk delays the journal, not the session.
// Write failures are logged and counted; they never reach the engine.
type Recorder struct {
	j         *Journal
	sessionID string
	filter    event.Predicate
	now       func() time.Time
	buffer    int

	mu        sync.Mutex
	closed    bool
	entries   chan Entry
	done      chan struct{}
	closeOnce sync.Once

	unsubscribe func()
	uninstall   func()
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithEventFilter journals only the events matching pred. Admitted
// commands and CommandRejected events are always journaled.
func WithEventFilter(pred event.Predicate) RecorderOption {
	return func(r *Recorder) {
		r.filter = pred
	}
}

// WithNow sets the wall clock stamped on entries.
func WithNow(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithBuffer sets how many entries may wait for the writer before the run
// loop blocks.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		r.buffer = n
	}
}

// Attach starts a new journal session labelled label and records e into it
// until Close.
func Attach(ctx context.Context, j *Journal, e *engine.Engine, label string, opts ...RecorderOption) (*Recorder, error) {
	r := &Recorder{
		j:      j,
		filter: event.All,
		now:    time.Now,
		buffer: defaultBuffer,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.entries = make(chan Entry, r.buffer)

	id, err := j.BeginSession(ctx, label, r.now())
	if err != nil {
		return nil, err
	}
	r.sessionID = id

	uninstall, err := e.RegisterInterceptor(engine.PhaseBefore, func(engine.Envelope) bool { return true }, r.command)
	if err != nil {
		return nil, fmt.Errorf("attach journal: %w", err)
	}
	r.uninstall = uninstall
	r.unsubscribe = e.Subscribe(r.keep, r.event)

	go r.write()
	return r, nil
}

// SessionID returns the journal session being written.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Close detaches from the engine and waits until every captured entry has
// been written.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.unsubscribe()
		r.uninstall()

		r.mu.Lock()
		r.closed = true
		close(r.entries)
		r.mu.Unlock()
	})
	<-r.done
}

func (r *Recorder) command(env engine.Envelope, _ *engine.Outcome) error {
	entry, err := CommandEntry(r.sessionID, env)
	if err != nil {
		slog.Error("journal: encode command", "command", env.Type, "correlation_id", env.CorrelationID, "error", err)
		return nil
	}
	r.enqueue(entry)
	return nil
}

// keep applies the event filter. Rejections stand in for the command
// entries rejected commands never get.
func (r *Recorder) keep(ev event.Event) bool {
	return ev.Type() == engine.TypeCommandRejected || r.filter(ev)
}

func (r *Recorder) event(ev event.Event) {
	entry, err := EventEntry(r.sessionID, ev)
	if err != nil {
		slog.Error("journal: encode event", "event", ev.Type(), "correlation_id", ev.Correlation(), "error", err)
		return
	}
	r.enqueue(entry)
}

func (r *Recorder) enqueue(entry Entry) {
	entry.RecordedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.entries <- entry
}

// write drains the entry channel in batches until it is closed.
func (r *Recorder) write() {
	defer close(r.done)

	batch := make([]Entry, 0, maxBatch)
	for entry := range r.entries {
		batch = append(batch[:0], entry)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-r.entries:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		r.flush(batch)
	}
}

func (r *Recorder) flush(batch []Entry) {
	if _, err := r.j.Append(context.Background(), batch...); err != nil {
		writeErrors.Inc()
		slog.Error("journal write failed",
			"session_id", r.sessionID,
			"entries", len(batch),
			"error", err,
		)
		return
	}
	for _, e := range batch {
		entriesWritten.WithLabelValues(string(e.Kind)).Inc()
	}
}
