package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaEnforcer_WithinLimit(t *testing.T) {
	q := NewQuotaEnforcer(3)

	for i := 0; i < 3; i++ {
		assert.NoError(t, q.Check("c-1"), "spawn %d should be allowed", i+1)
	}
	assert.Equal(t, 3, q.Current())
	assert.Equal(t, 3, q.MaxChildren())
}

func TestQuotaEnforcer_ExceedsLimit(t *testing.T) {
	q := NewQuotaEnforcer(2)
	require.NoError(t, q.Check("c-1"))
	require.NoError(t, q.Check("c-1"))

	err := q.Check("c-1")
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "c-1", qe.CorrelationID)
	assert.Equal(t, 3, qe.Children)
	assert.Equal(t, 2, qe.Limit)

	assert.True(t, IsQuotaError(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, KindQuotaExceeded, KindOf(err))
}

func TestQuotaEnforcer_ZeroDisables(t *testing.T) {
	q := NewQuotaEnforcer(0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Check("c-1"))
	}
}
