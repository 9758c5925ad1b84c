package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// The scheduler is cooperative. Each workflow instance runs on its own
// goroutine, but the goroutine only executes while it holds the baton:
//
//  1. A step tick on the Run loop sends on in.resume and blocks on in.yield.
//  2. The workflow runs until its next suspension point (Await, Sleep, Join)
//     or its end, then sends on in.yield.
//  3. At a suspension point the awaited function runs off the loop. When
//     it settles, or the instance is cancelled, the workflow enqueues a new
//     step tick and waits on in.resume again.
//
// Only one goroutine ever holds the baton, so store writes and event
// publication from workflows happen in discrete, non-overlapping ticks, and
// no workflow holds a lock across a suspension point.

// spawnRoot creates the root instance for a dispatched command.
// CRITICAL: Called only from the Run loop.
func (e *Engine) spawnRoot(env Envelope, reg Registration, wf Workflow) *Instance {
	if reg.LatestWins && env.ResourceKey != "" {
		if prev, ok := e.current[env.ResourceKey]; ok && !prev.finished() {
			slog.Debug("superseding workflow",
				"resource_key", env.ResourceKey,
				"previous", prev.env.CorrelationID,
				"next", env.CorrelationID,
			)
			prev.cancelWith(ReasonSuperseded)
		}
	}

	in := e.newInstance(nil, env.CorrelationID, env, reg, wf, string(env.Type))
	in.quota = NewQuotaEnforcer(e.maxChildren)
	e.roots[env.CorrelationID] = in
	if reg.LatestWins && env.ResourceKey != "" {
		e.current[env.ResourceKey] = in
	}
	e.start(in)
	return in
}

// newInstance builds an instance whose context derives from the parent's,
// or from the session context for roots, so cancellation is transitive.
func (e *Engine) newInstance(parent *Instance, id string, env Envelope, reg Registration, wf Workflow, name string) *Instance {
	base := e.baseCtx
	if parent != nil {
		base = parent.ctx
	}

	spanCtx, span := e.tracer.Start(base, "workflow "+name,
		trace.WithAttributes(
			attribute.String("dashflow.command", string(env.Type)),
			attribute.String("dashflow.correlation_id", env.CorrelationID),
			attribute.String("dashflow.instance_id", id),
			attribute.String("dashflow.resource_key", env.ResourceKey),
			attribute.Int64("dashflow.generation", env.Generation),
		),
	)

	ctx, cancel := context.WithCancelCause(spanCtx)
	stop := context.CancelFunc(func() {})
	if parent == nil && env.Timeout > 0 {
		ctx, stop = context.WithTimeoutCause(ctx, env.Timeout, &CancelledError{Reason: ReasonTimeout})
	}

	in := &Instance{
		e:           e,
		id:          id,
		name:        name,
		env:         env,
		reg:         reg,
		wf:          wf,
		parent:      parent,
		ctx:         ctx,
		cancel:      cancel,
		stopTimeout: stop,
		span:        span,
		started:     time.Now(),
		resume:      make(chan struct{}),
		yield:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	if parent == nil {
		in.root = in
	} else {
		in.root = parent.root
	}
	return in
}

// start registers in as live and schedules its first step.
func (e *Engine) start(in *Instance) {
	e.live[in.id] = in
	e.liveCount.Add(1)
	liveInstances.Inc()
	e.trackBusy(1)

	go in.run()
	// The loop outlives every live instance, so this cannot fail.
	e.enqueue(func() { e.step(in) })
}

// step hands the baton to in and waits for it back.
// CRITICAL: Called only from the Run loop.
func (e *Engine) step(in *Instance) {
	in.resume <- struct{}{}
	<-in.yield
}

// run is the body of an instance's goroutine.
func (in *Instance) run() {
	<-in.resume
	in.hasBaton = true
	in.state.Store(int32(StateRunning))

	// A workflow cancelled before its first step never runs, so it issues
	// no gateway calls.
	err := in.cancelled()
	if err == nil {
		err = in.invoke()
	}
	in.finish(err)

	in.hasBaton = false
	in.yield <- struct{}{}
}

func (in *Instance) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("workflow panicked",
				"command", in.env.Type,
				"correlation_id", in.env.CorrelationID,
				"instance_id", in.id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &Error{
				Kind:          KindInternal,
				Message:       fmt.Sprintf("workflow panicked: %v", r),
				CorrelationID: in.env.CorrelationID,
				Command:       in.env.Type,
			}
		}
	}()
	return in.wf(in)
}

// release hands the baton back to the loop.
func (in *Instance) release() {
	in.hasBaton = false
	in.yield <- struct{}{}
}

// reacquire asks the loop for a step and waits for the baton.
func (in *Instance) reacquire() {
	// The loop outlives every live instance, so this cannot fail.
	in.e.enqueue(func() { in.e.step(in) })
	<-in.resume
	in.hasBaton = true
}

// finish classifies err, closes the instance's scope and, for roots,
// publishes the single terminal event.
// CRITICAL: Called while holding the baton.
func (in *Instance) finish(err error) {
	e := in.e

	out := Outcome{
		CorrelationID: in.env.CorrelationID,
		Command:       in.env.Type,
		Stale:         in.stale,
	}
	switch {
	case err == nil:
		out.State = StateCompleted
	case IsCancelled(err) || (in.ctx.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))):
		out.State = StateCancelled
		out.Reason = CancelReasonOf(err)
		if out.Reason == "" {
			out.Reason = causeReason(in.ctx)
		}
	default:
		out.State = StateFailed
		out.Kind = KindOf(err)
		out.Backend = BackendKindOf(err)
		out.Message = err.Error()
	}

	in.err = err
	in.outcome = out
	in.state.Store(int32(out.State))

	// Children still running lose their scope.
	in.cancel(&CancelledError{Reason: ReasonScopeClosed})
	in.stopTimeout()

	delete(e.live, in.id)
	if in.parent == nil && e.roots[in.env.CorrelationID] == in {
		delete(e.roots, in.env.CorrelationID)
	}
	if key := in.env.ResourceKey; key != "" && e.current[key] == in {
		delete(e.current, key)
	}

	in.logOutcome(out)

	suppressed := out.State == StateCancelled && out.Reason == ReasonSessionClosed
	if in.parent == nil && !suppressed {
		e.bus.Publish(terminalEvent(out))
		for _, ic := range e.registry.interceptors(PhaseAfter, in.env) {
			view := out
			if ierr := callInterceptor(ic, in.env, &view); ierr != nil {
				slog.Warn("after interceptor failed",
					"command", in.env.Type,
					"correlation_id", in.env.CorrelationID,
					"error", ierr,
				)
			}
		}
	}

	in.span.SetAttributes(attribute.String("dashflow.state", out.State.String()))
	if out.State == StateFailed {
		in.span.RecordError(err)
		in.span.SetStatus(codes.Error, out.Message)
	}
	in.span.End()

	workflowsFinished.WithLabelValues(string(in.env.Type), out.State.String()).Inc()
	workflowDuration.WithLabelValues(string(in.env.Type)).Observe(time.Since(in.started).Seconds())
	e.liveCount.Add(-1)
	liveInstances.Dec()

	close(in.done)
	e.trackBusy(-1)
}

func (in *Instance) logOutcome(out Outcome) {
	attrs := []any{
		"command", in.env.Type,
		"correlation_id", in.env.CorrelationID,
		"instance_id", in.id,
		"state", out.State.String(),
	}
	switch out.State {
	case StateFailed:
		slog.Error("workflow failed", append(attrs, "kind", out.Kind, "backend", out.Backend, "error", out.Message)...)
	case StateCancelled:
		slog.Debug("workflow cancelled", append(attrs, "reason", out.Reason)...)
	default:
		slog.Debug("workflow completed", append(attrs, "stale", out.Stale)...)
	}
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: KindInternal, Message: fmt.Sprintf("awaited call panicked: %v", r)}
		}
	}()
	return fn(ctx)
}
