package engine

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Workflow is the body of one workflow instance. It runs on its own
// goroutine but only while it holds the scheduler baton; every Instance
// suspension point hands the baton back.
type Workflow func(in *Instance) error

// Factory builds the workflow for a dispatched command. An error rejects
// the command with VALIDATION.
type Factory func(cmd Command) (Workflow, error)

// Handle adapts a typed workflow function into a Factory.
func Handle[C Command](fn func(in *Instance, cmd C) error) Factory {
	return func(cmd Command) (Workflow, error) {
		c, ok := cmd.(C)
		if !ok {
			return nil, NewValidationError("command %s has payload %T", cmd.CommandType(), cmd)
		}
		return func(in *Instance) error {
			return fn(in, c)
		}, nil
	}
}

// Phase selects when an interceptor runs.
type Phase string

const (
	// PhaseBefore interceptors run on the dispatch tick before the workflow
	// is spawned. A non-nil error vetoes the command.
	PhaseBefore Phase = "before"

	// PhaseAfter interceptors run after a root workflow's terminal event.
	// Their errors are logged and otherwise ignored.
	PhaseAfter Phase = "after"
)

// Interceptor observes a command. In the before phase out is nil; in the
// after phase it holds the workflow's outcome.
type Interceptor func(env Envelope, out *Outcome) error

// CommandPredicate selects the commands an interceptor applies to.
type CommandPredicate func(Envelope) bool

// ForCommands matches envelopes whose command type is one of types.
func ForCommands(types ...CommandType) CommandPredicate {
	return func(env Envelope) bool {
		return slices.Contains(types, env.Type)
	}
}

// Registration is a resolved handler plus its scheduling options.
type Registration struct {
	Type       CommandType
	Factory    Factory
	LatestWins bool
	Timeout    time.Duration
	Retry      RetryPolicy
}

// HandlerOption configures a registration.
type HandlerOption func(*Registration)

// LatestWins makes a new dispatch for the same resource key cancel the
// previous uncompleted workflow for that key with reason Superseded.
func LatestWins() HandlerOption {
	return func(r *Registration) {
		r.LatestWins = true
	}
}

// Timeout cancels the workflow with reason Timeout if it has not finished
// within d. Dispatch-level WithTimeout overrides it.
func Timeout(d time.Duration) HandlerOption {
	return func(r *Registration) {
		r.Timeout = d
	}
}

// Retry sets the policy used by the workflow's AwaitRetry and CallRetry.
func Retry(p RetryPolicy) HandlerOption {
	return func(r *Registration) {
		r.Retry = p
	}
}

type interceptorEntry struct {
	id   uint64
	pred CommandPredicate
	fn   Interceptor
}

// Registry maps command types to workflow factories and holds the ordered
// interceptor lists.
//
// Thread-safety: all methods are safe for concurrent use. Resolution takes a
// snapshot, so registrations made while a command is in flight apply to the
// next dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[CommandType]*Registration
	before   []interceptorEntry
	after    []interceptorEntry
	nextID   uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[CommandType]*Registration)}
}

// Register installs the factory for typ. Registering a second factory for
// the same type fails with DuplicateHandlerError.
func (r *Registry) Register(typ CommandType, factory Factory, opts ...HandlerOption) error {
	if factory == nil {
		return fmt.Errorf("register %s: nil factory", typ)
	}

	reg := &Registration{Type: typ, Factory: factory}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[typ]; exists {
		return &DuplicateHandlerError{Type: typ}
	}
	r.handlers[typ] = reg
	return nil
}

// Resolve returns the registration for typ.
func (r *Registry) Resolve(typ CommandType) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[typ]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Types returns the registered command types in sorted order.
func (r *Registry) Types() []CommandType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CommandType, 0, len(r.handlers))
	for typ := range r.handlers {
		out = append(out, typ)
	}
	slices.Sort(out)
	return out
}

// RegisterInterceptor appends fn to the phase's list. Interceptors run in
// registration order. A nil pred matches every command. The returned
// function removes the interceptor.
func (r *Registry) RegisterInterceptor(phase Phase, pred CommandPredicate, fn Interceptor) (remove func(), err error) {
	if fn == nil {
		return nil, fmt.Errorf("register %s interceptor: nil function", phase)
	}
	if pred == nil {
		pred = func(Envelope) bool { return true }
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	entry := interceptorEntry{id: r.nextID, pred: pred, fn: fn}
	switch phase {
	case PhaseBefore:
		r.before = append(r.before, entry)
	case PhaseAfter:
		r.after = append(r.after, entry)
	default:
		return nil, fmt.Errorf("unknown interceptor phase %q", phase)
	}

	id := entry.id
	return func() { r.removeInterceptor(phase, id) }, nil
}

func (r *Registry) removeInterceptor(phase Phase, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	drop := func(list []interceptorEntry) []interceptorEntry {
		return slices.DeleteFunc(slices.Clone(list), func(e interceptorEntry) bool { return e.id == id })
	}
	if phase == PhaseBefore {
		r.before = drop(r.before)
	} else {
		r.after = drop(r.after)
	}
}

// interceptors returns the phase's interceptors matching env, in order.
func (r *Registry) interceptors(phase Phase, env Envelope) []Interceptor {
	r.mu.RLock()
	list := r.before
	if phase == PhaseAfter {
		list = r.after
	}
	r.mu.RUnlock()

	var out []Interceptor
	for _, e := range list {
		if e.pred(env) {
			out = append(out, e.fn)
		}
	}
	return out
}
