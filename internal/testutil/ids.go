// Package testutil provides deterministic helpers shared by package tests
// and the scenario harness.
package testutil

import (
	"fmt"
	"sync"
)

// SeqGenerator generates correlation ids "<prefix>-1", "<prefix>-2", ...
//
// The same scenario run with a fresh SeqGenerator produces identical ids,
// which keeps golden traces stable.
//
// Thread-safety: all methods are safe for concurrent use.
type SeqGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqGenerator creates a generator. An empty prefix means "cmd".
func NewSeqGenerator(prefix string) *SeqGenerator {
	if prefix == "" {
		prefix = "cmd"
	}
	return &SeqGenerator{prefix: prefix}
}

// Generate returns the next id. It implements engine.CorrelationGenerator.
func (g *SeqGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Peek returns the id the next Generate call will return.
func (g *SeqGenerator) Peek() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("%s-%d", g.prefix, g.n+1)
}

// Reset restarts the sequence at 1.
func (g *SeqGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}

// Restart switches to prefix and restarts the sequence at 1.
func (g *SeqGenerator) Restart(prefix string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prefix = prefix
	g.n = 0
}
