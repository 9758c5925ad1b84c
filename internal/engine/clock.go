package engine

import "sync/atomic"

// Clock is a logical counter. The engine stamps envelopes with Next so
// every dispatch gets a distinct, increasing seq; the Tracker keeps one
// Clock per resource key to issue generations. Wall time never orders
// anything.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock at zero.
func NewClock() *Clock {
	return &Clock{}
}

// Next advances the clock and returns the new value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out, or zero.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
