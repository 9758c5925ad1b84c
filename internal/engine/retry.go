package engine

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures workflow-level retries of failed awaits.
//
// The scheduler never retries on its own. A workflow opts in by awaiting
// through AwaitRetry or CallRetry, which use the policy its handler was
// registered with. Retries run inside the same instance and never issue a
// new generation.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// 0 disables retrying.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the delay before the first retry.
	Backoff time.Duration `yaml:"backoff"`

	// Multiplier grows the delay between retries. Values <= 1 give a
	// constant delay.
	Multiplier float64 `yaml:"multiplier"`

	// MaxBackoff caps the delay when Multiplier > 1.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Retryable decides whether an error is worth another attempt.
	// Defaults to DefaultRetryable.
	Retryable func(error) bool `yaml:"-"`
}

// NoRetry is the zero policy.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// FixedRetry retries up to n times with a constant delay.
func FixedRetry(n int, delay time.Duration) RetryPolicy {
	return RetryPolicy{MaxRetries: n, Backoff: delay}
}

// retryable is implemented by errors that know whether they are transient,
// such as gateway errors.
type retryable interface {
	Retryable() bool
}

// DefaultRetryable retries errors that report themselves as transient.
// Cancellation and backoff.Permanent errors are never retried.
func DefaultRetryable(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

func (p RetryPolicy) shouldRetry(err error) bool {
	if IsCancelled(err) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return DefaultRetryable(err)
}

// newBackOff builds a fresh schedule for one retried await.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}

	var b backoff.BackOff
	if p.Multiplier > 1 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.Backoff
		exp.Multiplier = p.Multiplier
		exp.RandomizationFactor = 0
		exp.MaxElapsedTime = 0
		if p.MaxBackoff > 0 {
			exp.MaxInterval = p.MaxBackoff
		}
		exp.Reset()
		b = exp
	} else {
		b = backoff.NewConstantBackOff(p.Backoff)
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}
