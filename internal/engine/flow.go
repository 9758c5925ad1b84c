package engine

import (
	"sync"

	"github.com/google/uuid"
)

// CorrelationGenerator supplies correlation ids for commands dispatched
// without WithCorrelationID.
type CorrelationGenerator interface {
	Generate() string
}

// UUIDv7Generator issues UUIDv7 ids. Their timestamp prefix makes journal
// rows and traces sort in dispatch order. It is the engine default.
type UUIDv7Generator struct{}

// Generate panics only if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator hands out a fixed list of ids in order.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	next   int
}

// NewFixedGenerator returns a generator over tokens.
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next token. It panics once the list is used up so a
// test that dispatches more than it planned for fails at the dispatch.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.next >= len(g.tokens) {
		panic("engine: FixedGenerator exhausted")
	}
	token := g.tokens[g.next]
	g.next++
	return token
}
