package engine

import (
	"errors"
	"fmt"
)

// QuotaEnforcer counts the child workflows spawned under one root and
// enforces a maximum.
//
// Each root instance owns one enforcer; every descendant spawn counts
// against it. This bounds runaway pagination or prefetch loops where each
// child spawns the next.
type QuotaEnforcer struct {
	maxChildren int
	current     int
}

// NewQuotaEnforcer creates an enforcer with the given limit. A limit of 0
// or less disables the check.
func NewQuotaEnforcer(maxChildren int) *QuotaEnforcer {
	return &QuotaEnforcer{maxChildren: maxChildren}
}

// Check increments the child counter and validates it against the limit.
// Called on the scheduler tick that spawns the child.
func (q *QuotaEnforcer) Check(correlationID string) error {
	q.current++
	if q.maxChildren > 0 && q.current > q.maxChildren {
		return &QuotaExceededError{
			CorrelationID: correlationID,
			Children:      q.current,
			Limit:         q.maxChildren,
		}
	}
	return nil
}

// Current returns the number of spawns counted so far.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// MaxChildren returns the limit.
func (q *QuotaEnforcer) MaxChildren() int {
	return q.maxChildren
}

// QuotaExceededError is returned by Instance.Spawn when the workflow tree
// has reached its child limit. The spawning workflow decides whether this
// fails it.
type QuotaExceededError struct {
	CorrelationID string
	Children      int
	Limit         int
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: workflow %s exceeded child quota: %d > %d limit",
		KindQuotaExceeded, e.CorrelationID, e.Children, e.Limit)
}

// IsQuotaError returns true if the error is a QuotaExceededError.
// Uses errors.As to handle wrapped errors.
func IsQuotaError(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
