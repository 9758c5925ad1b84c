package engine

import "sync"

// Tracker is the correlation tracker: it issues generation numbers per
// resource key and answers whether a generation is still current.
//
// For any key the tracker remembers the highest generation issued. An
// outcome computed under generation g may be applied only while g is that
// maximum; anything older is stale and is dropped.
//
// Thread-safety: NextGeneration is an atomic increment-and-read per key and
// is free of lost updates under concurrent callers. The map of keys is
// guarded by a mutex; the counters themselves are lock-free Clocks.
type Tracker struct {
	mu   sync.Mutex
	keys map[string]*Clock
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{keys: make(map[string]*Clock)}
}

func (t *Tracker) clock(key string) *Clock {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.keys[key]
	if !ok {
		c = NewClock()
		t.keys[key] = c
	}
	return c
}

// NextGeneration issues a new generation for key and records it as current.
// The first generation issued for a key is 1.
func (t *Tracker) NextGeneration(key string) int64 {
	return t.clock(key).Next()
}

// Current returns the highest generation issued for key, 0 if none.
func (t *Tracker) Current(key string) int64 {
	t.mu.Lock()
	c, ok := t.keys[key]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return c.Current()
}

// IsCurrent reports whether generation is the latest issued for key.
func (t *Tracker) IsCurrent(key string, generation int64) bool {
	return generation > 0 && t.Current(key) == generation
}

// Keys returns the number of tracked resource keys.
func (t *Tracker) Keys() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys)
}
