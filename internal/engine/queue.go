package engine

import "sync"

// tick is one unit of work for the run loop: a dispatch, a workflow step
// or a cancellation request.
type tick func()

// tickQueue is a thread-safe FIFO queue of ticks.
//
// The queue is unbounded so a workflow step can enqueue follow-up dispatches
// without blocking the loop that is running it.
//
// Thread-safety is provided for external enqueuing (Dispatch from callers,
// gateway goroutines handing results back) while the Engine's Run loop
// dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type tickQueue struct {
	mu     sync.Mutex
	ticks  []tick
	closed bool
	signal chan struct{} // Signals tick availability (buffered, size 1)
}

// newTickQueue creates an empty tick queue.
func newTickQueue() *tickQueue {
	return &tickQueue{
		ticks:  make([]tick, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a tick to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *tickQueue) Enqueue(t tick) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.ticks = append(q.ticks, t)

	// Non-blocking: a buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (nil, false) if the queue is empty.
func (q *tickQueue) TryDequeue() (tick, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ticks) == 0 {
		return nil, false
	}

	t := q.ticks[0]

	// Nil out the slot so the closure and what it captures can be collected.
	q.ticks[0] = nil

	if len(q.ticks) == 1 {
		q.ticks = q.ticks[:0]
	} else {
		q.ticks = q.ticks[1:]
	}

	return t, true
}

// Wait returns a channel that signals when ticks may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *tickQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *tickQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ticks)
}

// Close signals that no more ticks will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *tickQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
