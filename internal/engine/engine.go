package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/store"
)

// DefaultMaxChildren is the default limit of descendant spawns per root
// workflow.
const DefaultMaxChildren = 256

// Engine owns the store, bus, registry, tracker and scheduler of one
// dashboard session.
//
// CRITICAL: All store mutation and event publication happen on ticks of the
// single Run loop. A workflow goroutine runs only while the loop has handed
// it the baton and is blocked waiting for it back.
//
// Thread-safety model:
//   - Dispatch(), DispatchAndWait(), Cancel(), CancelResource(), WaitIdle(),
//     Close(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Instance methods: only from the instance's own workflow function
//
// INVARIANTS:
//   - Ticks run one at a time in FIFO order
//   - Every spawned root publishes exactly one terminal event, unless it
//     was cancelled with ReasonSessionClosed
//   - Generations are issued on the dispatch tick, before the workflow runs
type Engine struct {
	bus      *event.Bus
	store    *store.Store
	registry *Registry
	tracker  *Tracker
	clock    *Clock
	queue    *tickQueue
	idGen    CorrelationGenerator
	tracer   trace.Tracer

	defaultTimeout time.Duration
	maxChildren    int

	// Loop-owned state: touched only on ticks or by the baton holder.
	live     map[string]*Instance // instance id -> instance
	roots    map[string]*Instance // correlation id -> root instance
	current  map[string]*Instance // resource key -> latest latest-wins instance
	draining bool

	liveCount atomic.Int64

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	// Idle accounting: queued ticks plus live instances.
	idleMu sync.Mutex
	busy   int
	idle   chan struct{}

	closeOnce sync.Once
	closing   chan struct{}
	stopped   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus uses b instead of a fresh bus.
func WithBus(b *event.Bus) Option {
	return func(e *Engine) {
		e.bus = b
	}
}

// WithStore uses s instead of a fresh store on the engine's bus. The store
// must publish to the engine's bus for change events to be ordered.
func WithStore(s *store.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithRegistry uses r instead of a fresh registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithCorrelationGenerator sets the id generator for commands dispatched
// without a correlation id. Default: UUIDv7Generator.
func WithCorrelationGenerator(g CorrelationGenerator) Option {
	return func(e *Engine) {
		e.idGen = g
	}
}

// WithClock sets the logical clock used to stamp envelopes.
// Used by replay to continue after the last journaled seq.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithDefaultTimeout applies d to every root workflow whose handler and
// dispatch set no timeout. 0 means no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.defaultTimeout = d
	}
}

// WithMaxChildren sets the descendant spawn quota per root workflow.
//
// Default: 256 (DefaultMaxChildren). 0 disables the quota.
func WithMaxChildren(n int) Option {
	return func(e *Engine) {
		e.maxChildren = n
	}
}

// New creates an Engine. Run must be started before dispatched commands
// make progress.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock:       NewClock(),
		tracker:     NewTracker(),
		queue:       newTickQueue(),
		idGen:       UUIDv7Generator{},
		tracer:      otel.Tracer("github.com/roach88/dashflow/internal/engine"),
		maxChildren: DefaultMaxChildren,
		live:        make(map[string]*Instance),
		roots:       make(map[string]*Instance),
		current:     make(map[string]*Instance),
		idle:        make(chan struct{}),
		closing:     make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	close(e.idle)

	for _, opt := range opts {
		opt(e)
	}

	if e.bus == nil {
		e.bus = event.NewBus()
	}
	if e.store == nil {
		e.store = store.New(e.bus)
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	e.baseCtx, e.baseCancel = context.WithCancelCause(context.Background())

	return e
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Store returns the engine's normalized store.
func (e *Engine) Store() *store.Store { return e.store }

// Registry returns the engine's handler registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Tracker returns the engine's correlation tracker.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock { return e.clock }

// Register is shorthand for Registry().Register.
func (e *Engine) Register(typ CommandType, factory Factory, opts ...HandlerOption) error {
	return e.registry.Register(typ, factory, opts...)
}

// RegisterInterceptor is shorthand for Registry().RegisterInterceptor.
func (e *Engine) RegisterInterceptor(phase Phase, pred CommandPredicate, fn Interceptor) (func(), error) {
	return e.registry.RegisterInterceptor(phase, pred, fn)
}

// Subscribe is shorthand for Bus().Subscribe.
func (e *Engine) Subscribe(pred event.Predicate, handler event.Handler) func() {
	return e.bus.Subscribe(pred, handler)
}

// Run starts the single-writer loop.
// Blocks until ctx is cancelled or Close() is called, and every live
// workflow has unwound.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting")
	defer close(e.stopped)

	var runErr error
	done := ctx.Done()
	closing := e.closing
	for {
		if t, ok := e.queue.TryDequeue(); ok {
			e.runTick(t)
			continue
		}

		if e.draining && len(e.live) == 0 {
			e.queue.Close()
			// Ticks enqueued between the dequeue and Close still count.
			for {
				t, ok := e.queue.TryDequeue()
				if !ok {
					break
				}
				e.runTick(t)
			}
			slog.Info("engine stopped")
			return runErr
		}

		select {
		case <-done:
			slog.Info("engine stopping: context cancelled")
			runErr = ctx.Err()
			e.shutdown()
			done = nil
		case <-closing:
			slog.Info("engine stopping: closed")
			e.shutdown()
			closing = nil
		case <-e.queue.Wait():
		}
	}
}

// Close tears the session down: every live workflow is cancelled with
// ReasonSessionClosed, without terminal events, and Run returns once they
// have unwound. Commands dispatched afterwards are dropped.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closing)
	})
}

// Stopped is closed when Run has returned.
func (e *Engine) Stopped() <-chan struct{} {
	return e.stopped
}

// shutdown runs on the loop.
func (e *Engine) shutdown() {
	if e.draining {
		return
	}
	e.draining = true
	slog.Debug("cancelling live workflows", "count", len(e.live))
	e.baseCancel(&CancelledError{Reason: ReasonSessionClosed})
}

func (e *Engine) runTick(t tick) {
	defer e.trackBusy(-1)
	t()
}

// enqueue schedules t on the loop. Returns false once the loop has stopped
// accepting work.
func (e *Engine) enqueue(t tick) bool {
	e.trackBusy(1)
	if !e.queue.Enqueue(t) {
		e.trackBusy(-1)
		return false
	}
	return true
}

func (e *Engine) trackBusy(delta int) {
	e.idleMu.Lock()
	defer e.idleMu.Unlock()

	wasIdle := e.busy == 0
	e.busy += delta
	switch {
	case wasIdle && e.busy > 0:
		e.idle = make(chan struct{})
	case !wasIdle && e.busy == 0:
		close(e.idle)
	}
}

// WaitIdle blocks until no tick is queued and no workflow instance is live,
// or ctx is done.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.idleMu.Lock()
	ch := e.idle
	e.idleMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch accepts cmd and returns its correlation id immediately. Routing,
// validation, interception and spawning happen on the next dispatch tick;
// failures there surface as CommandRejected events, never as errors here.
func (e *Engine) Dispatch(cmd Command, opts ...DispatchOption) string {
	env := e.envelope(cmd, opts)
	e.submit(env)
	return env.CorrelationID
}

// DispatchAndWait dispatches cmd and blocks until its terminal event. It
// returns the outcome together with Outcome.Err(), or a zero outcome and
// ctx's error if ctx ends first.
func (e *Engine) DispatchAndWait(ctx context.Context, cmd Command, opts ...DispatchOption) (Outcome, error) {
	env := e.envelope(cmd, opts)

	got := make(chan Outcome, 1)
	unsubscribe := e.bus.Subscribe(
		event.And(IsTerminal, event.ForCorrelation(env.CorrelationID)),
		func(ev event.Event) {
			select {
			case got <- outcomeFromEvent(ev):
			default:
			}
		},
	)
	defer unsubscribe()

	if !e.submit(env) {
		return Outcome{}, fmt.Errorf("dispatch %s: engine closed", env.Type)
	}

	select {
	case out := <-got:
		return out, out.Err()
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-e.stopped:
		return Outcome{}, fmt.Errorf("dispatch %s: engine stopped", env.Type)
	}
}

func (e *Engine) envelope(cmd Command, opts []DispatchOption) Envelope {
	env := Envelope{Command: cmd}
	if cmd != nil {
		env.Type = cmd.CommandType()
	}
	for _, opt := range opts {
		opt(&env)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = e.idGen.Generate()
	}
	return env
}

func (e *Engine) submit(env Envelope) bool {
	ok := e.enqueue(func() { e.dispatchTick(env) })
	if !ok {
		slog.Warn("command dropped: engine closed",
			"command", env.Type,
			"correlation_id", env.CorrelationID,
		)
	}
	return ok
}

// dispatchTick routes one command.
// CRITICAL: Called only from the Run loop.
func (e *Engine) dispatchTick(env Envelope) {
	if e.draining {
		slog.Debug("command dropped: session closing",
			"command", env.Type,
			"correlation_id", env.CorrelationID,
		)
		return
	}

	env.Seq = e.clock.Next()
	commandsDispatched.WithLabelValues(string(env.Type)).Inc()

	if env.Command == nil {
		e.reject(env, KindValidation, "nil command")
		return
	}

	reg, ok := e.registry.Resolve(env.Type)
	if !ok {
		e.reject(env, KindUnknownCommand, fmt.Sprintf("no handler registered for %q", env.Type))
		return
	}

	if v, ok := env.Command.(Validator); ok {
		if err := v.Validate(); err != nil {
			e.reject(env, KindValidation, err.Error())
			return
		}
	}

	wf, err := reg.Factory(env.Command)
	if err != nil {
		e.reject(env, KindValidation, err.Error())
		return
	}

	if rk, ok := env.Command.(ResourceKeyed); ok && env.ResourceKey == "" {
		env.ResourceKey = rk.ResourceKey()
	}
	if env.Timeout == 0 {
		env.Timeout = reg.Timeout
	}
	if env.Timeout == 0 {
		env.Timeout = e.defaultTimeout
	}

	for _, ic := range e.registry.interceptors(PhaseBefore, env) {
		if err := callInterceptor(ic, env, nil); err != nil {
			e.reject(env, KindVetoed, err.Error())
			return
		}
	}

	// Issued on this tick, before any I/O: earlier dispatches get lower
	// generations.
	if env.ResourceKey != "" {
		env.Generation = e.tracker.NextGeneration(env.ResourceKey)
	}

	e.bus.Publish(CommandStarted{
		Meta:        event.Meta{CorrelationID: env.CorrelationID},
		Command:     env.Type,
		ResourceKey: env.ResourceKey,
		Generation:  env.Generation,
	})

	e.spawnRoot(env, reg, wf)
}

func (e *Engine) reject(env Envelope, kind Kind, reason string) {
	commandsRejected.WithLabelValues(string(env.Type), string(kind)).Inc()
	slog.Warn("command rejected",
		"command", env.Type,
		"correlation_id", env.CorrelationID,
		"kind", kind,
		"reason", reason,
	)
	e.bus.Publish(CommandRejected{
		Meta:    event.Meta{CorrelationID: env.CorrelationID},
		Command: env.Type,
		Kind:    kind,
		Reason:  reason,
	})
}

// Cancel requests cancellation of the root workflow dispatched under
// correlationID with ReasonUserCancelled. Unknown or finished ids are
// ignored.
func (e *Engine) Cancel(correlationID string) {
	e.enqueue(func() {
		if in, ok := e.roots[correlationID]; ok {
			in.cancelWith(ReasonUserCancelled)
		}
	})
}

// CancelResource requests cancellation of the current latest-wins workflow
// for key.
func (e *Engine) CancelResource(key string, reason CancelReason) {
	e.enqueue(func() {
		e.cancelResource(key, reason)
	})
}

// cancelResource runs on the loop or under the baton.
func (e *Engine) cancelResource(key string, reason CancelReason) bool {
	in, ok := e.current[key]
	if !ok || in.finished() {
		return false
	}
	in.cancelWith(reason)
	return true
}

// LiveInstances returns the number of non-terminal workflow instances.
func (e *Engine) LiveInstances() int {
	return int(e.liveCount.Load())
}

func callInterceptor(ic Interceptor, env Envelope, out *Outcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: KindInternal, Message: fmt.Sprintf("interceptor panicked: %v", r), CorrelationID: env.CorrelationID}
		}
	}()
	return ic(env, out)
}
