// Package engine implements the dashflow command/event orchestration core.
//
// The engine accepts commands, turns each one into a cancellable workflow
// instance, and keeps the normalized store consistent while those
// workflows race, retry and complete out of order.
//
// ARCHITECTURE:
//
// Single-Writer Run Loop:
// Dispatches, workflow steps and cancellation requests are ticks on one FIFO
// queue, executed one at a time by Engine.Run. Store writes and event
// publication only ever happen inside a tick, so they never overlap.
//
// Dispatch Flow:
// 1. Dispatch() assigns a correlation id and enqueues a dispatch tick
// 2. The tick stamps a seq, resolves the handler, validates the payload
// 3. Before-interceptors run in registration order and may veto
// 4. The resource key's generation is incremented in the Tracker
// 5. CommandStarted is published and the root instance is spawned
//
// Workflows:
// A workflow is a plain Go function that receives its *Instance. It runs on
// its own goroutine but only between suspension points (Await, Call, Sleep,
// Join), while holding the loop's baton. Gateway I/O runs off the loop.
//
// CRITICAL PATTERNS:
//
// Generations:
// Every dispatch of a resource-keyed command issues a new generation for the
// key. Instance.Apply writes an outcome only while the instance's
// generation is still the latest; older outcomes are dropped as stale,
// never reported as errors.
//
// Cancellation:
// An instance's context is its cancellation token. Children derive from
// their parent, so cancelling a parent cancels every descendant. Causes are
// CancelledError values carrying a CancelReason.
//
// Exactly One Terminal Event:
// Each dispatched command ends with exactly one of CommandCompleted,
// CommandFailed, CommandCancelled or CommandRejected, except for workflows
// cancelled by session teardown.
package engine
