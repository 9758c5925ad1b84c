package engine

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator_ValidAndUnique(t *testing.T) {
	gen := UUIDv7Generator{}

	var wg sync.WaitGroup
	ids := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen.Generate()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		parsed, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), parsed.Version())
		require.False(t, seen[id], "duplicate correlation id")
		seen[id] = true
	}
	assert.Len(t, seen, 100)
}

func TestFixedGenerator_Sequential(t *testing.T) {
	gen := NewFixedGenerator("cmd-1", "cmd-2")

	assert.Equal(t, "cmd-1", gen.Generate())
	assert.Equal(t, "cmd-2", gen.Generate())
	assert.Panics(t, func() { gen.Generate() }, "should panic when all tokens exhausted")
}

func TestEngine_DispatchUsesGenerator(t *testing.T) {
	e := New(WithCorrelationGenerator(NewFixedGenerator("cmd-1")))

	assert.Equal(t, "cmd-1", e.Dispatch(testCmd{Name: "x"}))
	assert.Equal(t, "explicit", e.Dispatch(testCmd{Name: "y"}, WithCorrelationID("explicit")),
		"caller-supplied id is kept and consumes no generated token")
}
