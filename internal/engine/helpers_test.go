package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dashflow/internal/event"
)

type testCmd struct {
	Name    string `json:"name"`
	Key     string `json:"key,omitempty"`
	Invalid bool   `json:"invalid,omitempty"`
}

func (testCmd) CommandType() CommandType { return "test.cmd" }

func (c testCmd) ResourceKey() string { return c.Key }

func (c testCmd) Validate() error {
	if c.Invalid {
		return NewValidationError("name %q is not allowed", c.Name)
	}
	return nil
}

type otherCmd struct{}

func (otherCmd) CommandType() CommandType { return "test.other" }

// backendErr mimics a gateway error.
type backendErr struct {
	kind  string
	retry bool
}

func (e backendErr) Error() string       { return "backend " + e.kind }
func (e backendErr) BackendKind() string { return e.kind }
func (e backendErr) Retryable() bool     { return e.retry }

type seqGen struct{ n atomic.Int64 }

func (g *seqGen) Generate() string { return fmt.Sprintf("cmd-%d", g.n.Add(1)) }

// startEngine runs an engine for the duration of the test.
func startEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(append([]Option{WithCorrelationGenerator(&seqGen{})}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-e.Stopped():
		case <-time.After(5 * time.Second):
			t.Errorf("engine did not stop")
		}
	})
	return e
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.WaitIdle(ctx), "engine did not become idle")
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func record(e *Engine) *eventLog {
	l := &eventLog{}
	e.Subscribe(nil, func(ev event.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) all() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Event(nil), l.events...)
}

func (l *eventLog) ofType(typ event.Type) []event.Event {
	var out []event.Event
	for _, ev := range l.all() {
		if ev.Type() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) terminal(correlationID string) []event.Event {
	var out []event.Event
	for _, ev := range l.all() {
		if IsTerminal(ev) && ev.Correlation() == correlationID {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) waitTerminal(t *testing.T, correlationID string) event.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(l.terminal(correlationID)) > 0
	}, 5*time.Second, time.Millisecond, "no terminal event for %s", correlationID)
	return l.terminal(correlationID)[0]
}

// blockUntil returns an awaitable that reports on started and then waits
// for gate or cancellation.
func blockUntil(started chan<- string, name string, gate <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		started <- name
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for workflow")
		return ""
	}
}
