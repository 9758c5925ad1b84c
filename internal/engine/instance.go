package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/dashflow/internal/event"
	"github.com/roach88/dashflow/internal/store"
)

// Instance is one running workflow: the root spawned for a dispatched
// command, or a child spawned by another instance.
//
// The instance's context is its cancellation token. It is cancelled when
// the instance is cancelled explicitly, superseded, timed out, when its
// parent finishes, or when the session closes. Suspension points observe it.
//
// All methods except ID, CorrelationID, Envelope, State, Done, Err and
// Outcome must be called from the instance's own workflow function.
type Instance struct {
	e      *Engine
	id     string
	name   string
	env    Envelope
	reg    Registration
	wf     Workflow
	parent *Instance
	root   *Instance

	// Root only.
	quota    *QuotaEnforcer
	childSeq int

	ctx         context.Context
	cancel      context.CancelCauseFunc
	stopTimeout context.CancelFunc
	span        trace.Span
	started     time.Time

	resume   chan struct{}
	yield    chan struct{}
	hasBaton bool

	state   atomic.Int32
	stale   bool
	err     error
	outcome Outcome
	done    chan struct{}
}

// ID returns the instance id. Roots use their correlation id; children
// append a sequence number.
func (in *Instance) ID() string { return in.id }

// CorrelationID returns the correlation id of the root command.
func (in *Instance) CorrelationID() string { return in.env.CorrelationID }

// Envelope returns the dispatched envelope.
func (in *Instance) Envelope() Envelope { return in.env }

// Command returns the dispatched command.
func (in *Instance) Command() Command { return in.env.Command }

// ResourceKey returns the resource key the instance works under.
func (in *Instance) ResourceKey() string { return in.env.ResourceKey }

// Generation returns the generation issued for the instance's resource key.
func (in *Instance) Generation() int64 { return in.env.Generation }

// Parent returns the spawning instance, nil for roots.
func (in *Instance) Parent() *Instance { return in.parent }

// Context returns the instance's cancellation context. Pass it to work that
// runs outside the baton; prefer Await for gateway calls.
func (in *Instance) Context() context.Context { return in.ctx }

// Store returns the session store.
func (in *Instance) Store() *store.Store { return in.e.store }

// Correlated returns the store option that stamps change events with this
// instance's correlation id.
func (in *Instance) Correlated() store.Option {
	return store.WithCorrelation(in.env.CorrelationID)
}

// Meta returns the event metadata for events published by this instance.
func (in *Instance) Meta() event.Meta {
	return event.Meta{CorrelationID: in.env.CorrelationID}
}

// RetryPolicy returns the policy the handler was registered with.
func (in *Instance) RetryPolicy() RetryPolicy { return in.reg.Retry }

// State returns the current lifecycle state. Safe from any goroutine.
func (in *Instance) State() State { return State(in.state.Load()) }

// Done is closed when the instance reaches a terminal state.
func (in *Instance) Done() <-chan struct{} { return in.done }

// Err returns the error the workflow ended with. Valid after Done.
func (in *Instance) Err() error {
	select {
	case <-in.done:
		return in.err
	default:
		return nil
	}
}

// Outcome returns the terminal outcome. Valid after Done.
func (in *Instance) Outcome() Outcome {
	select {
	case <-in.done:
		return in.outcome
	default:
		return Outcome{CorrelationID: in.env.CorrelationID, Command: in.env.Type, State: in.State()}
	}
}

func (in *Instance) finished() bool {
	return in.State().Terminal()
}

func (in *Instance) cancelWith(reason CancelReason) {
	in.cancel(&CancelledError{Reason: reason})
}

func (in *Instance) mustHold(op string) {
	if !in.hasBaton {
		panic(fmt.Sprintf("engine: %s called outside the workflow's turn (instance %s)", op, in.id))
	}
}

// cancelled returns a CancelledError if cancellation was requested.
func (in *Instance) cancelled() error {
	if in.ctx.Err() == nil {
		return nil
	}
	return &CancelledError{Reason: causeReason(in.ctx)}
}

// Cancelled returns a CancelledError if cancellation of this instance has
// been requested, nil otherwise. Workflows may poll it between pure steps.
func (in *Instance) Cancelled() error {
	return in.cancelled()
}

// Await suspends the workflow while fn runs off the loop, then resumes it
// on a later tick.
//
// If the instance is already cancelled fn is not started. If cancellation
// arrives while fn is in flight, Await resumes with a CancelledError and
// whatever fn eventually returns is discarded.
func (in *Instance) Await(fn func(ctx context.Context) error) error {
	in.mustHold("Await")
	if err := in.cancelled(); err != nil {
		return err
	}

	ctx := in.ctx
	result := make(chan error, 1)
	go func() {
		result <- safeCall(ctx, fn)
	}()

	in.release()
	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
	}
	in.reacquire()

	if cerr := in.cancelled(); cerr != nil {
		return cerr
	}
	return err
}

// Call is Await for functions that produce a value.
func Call[T any](in *Instance, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)

	err := in.Await(func(ctx context.Context) error {
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	r := <-ch
	return r.v, nil
}

// AwaitRetry is Await retried under the handler's RetryPolicy. Retries stay
// inside this instance and do not consume generations.
func (in *Instance) AwaitRetry(fn func(ctx context.Context) error) error {
	return in.retry(func() error {
		return in.Await(fn)
	})
}

// CallRetry is Call retried under the handler's RetryPolicy.
func CallRetry[T any](in *Instance, fn func(ctx context.Context) (T, error)) (T, error) {
	var v T
	err := in.retry(func() error {
		r, err := Call(in, fn)
		if err == nil {
			v = r
		}
		return err
	})
	return v, err
}

// retry runs attempt, holding the baton, until it succeeds, fails with a
// non-retryable error or the policy's schedule is exhausted.
func (in *Instance) retry(attempt func() error) error {
	policy := in.reg.Retry
	b := policy.newBackOff()

	for n := 1; ; n++ {
		err := attempt()
		if err == nil || !policy.shouldRetry(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}

		retriesTotal.WithLabelValues(string(in.env.Type)).Inc()
		slog.Debug("retrying await",
			"command", in.env.Type,
			"correlation_id", in.env.CorrelationID,
			"attempt", n,
			"delay", delay,
			"error", err,
		)
		if serr := in.Sleep(delay); serr != nil {
			return serr
		}
	}
}

// Sleep suspends the workflow for d. Cancellation ends the sleep early and
// stops the timer.
func (in *Instance) Sleep(d time.Duration) error {
	return in.Await(func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})
}

// Spawn starts a child workflow in this instance's cancellation scope and
// returns without waiting for it. The child inherits the resource key and
// generation, and counts against the root's child quota.
//
// A child that is still running when its parent finishes is cancelled
// with ReasonScopeClosed. Children never publish command lifecycle events.
func (in *Instance) Spawn(name string, wf Workflow) (*Instance, error) {
	in.mustHold("Spawn")
	if err := in.cancelled(); err != nil {
		return nil, err
	}

	root := in.root
	if err := root.quota.Check(root.env.CorrelationID); err != nil {
		slog.Warn("child quota exceeded",
			"correlation_id", root.env.CorrelationID,
			"children", root.quota.Current(),
			"limit", root.quota.MaxChildren(),
		)
		return nil, err
	}
	root.childSeq++

	env := in.env
	env.CausationID = in.id
	child := in.e.newInstance(in, fmt.Sprintf("%s/%d", root.id, root.childSeq), env, in.reg, wf, name)
	in.e.start(child)
	return child, nil
}

// Join suspends until every child is terminal. It returns the children's
// errors joined, or a CancelledError if this instance is cancelled first.
func (in *Instance) Join(children ...*Instance) error {
	var errs []error
	for _, c := range children {
		if c == nil {
			continue
		}
		err := in.Await(func(ctx context.Context) error {
			select {
			case <-c.done:
				return nil
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		})
		if err != nil {
			return err
		}
		if cerr := c.Err(); cerr != nil {
			errs = append(errs, cerr)
		}
	}
	return errors.Join(errs...)
}

// IsCurrent reports whether the instance's generation is still the latest
// for its resource key. Instances without a key are always current.
func (in *Instance) IsCurrent() bool {
	if in.env.ResourceKey == "" {
		return true
	}
	return in.e.tracker.IsCurrent(in.env.ResourceKey, in.env.Generation)
}

// Apply runs fn, which should write the workflow's outcome to the store,
// only if the instance is not cancelled and still current.
//
// A stale outcome is dropped silently: Apply returns (false, nil), the
// instance is marked stale and its command completes with Stale set.
func (in *Instance) Apply(fn func() error) (bool, error) {
	in.mustHold("Apply")
	if err := in.cancelled(); err != nil {
		return false, err
	}
	if !in.IsCurrent() {
		in.stale = true
		in.root.stale = true
		staleDiscarded.WithLabelValues(string(in.env.Type)).Inc()
		slog.Debug("stale result discarded",
			"command", in.env.Type,
			"correlation_id", in.env.CorrelationID,
			"resource_key", in.env.ResourceKey,
			"generation", in.env.Generation,
			"current", in.e.tracker.Current(in.env.ResourceKey),
		)
		return false, nil
	}
	return true, fn()
}

// Publish publishes ev on the session bus.
func (in *Instance) Publish(ev event.Event) {
	in.mustHold("Publish")
	in.e.bus.Publish(ev)
}

// Dispatch dispatches a follow-up command caused by this instance. It is
// enqueued behind the current tick.
func (in *Instance) Dispatch(cmd Command, opts ...DispatchOption) string {
	return in.e.Dispatch(cmd, append([]DispatchOption{WithCausation(in.env.CorrelationID)}, opts...)...)
}

// CancelResource cancels the current latest-wins workflow for key and
// reports whether there was one.
func (in *Instance) CancelResource(key string, reason CancelReason) bool {
	in.mustHold("CancelResource")
	return in.e.cancelResource(key, reason)
}
