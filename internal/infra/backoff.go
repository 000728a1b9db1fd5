package infra

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff is an exponential delay policy: Base * 2^attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryBackoff is the REST retry policy.
var DefaultRetryBackoff = Backoff{Base: time.Second, Max: 30 * time.Second}

// Delay returns the delay before retry number attempt (0-based).
// If attempt is negative, it returns Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		return b.Base
	}
	// 2^30 * Base already exceeds any sane Max
	if attempt > 30 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<attempt)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}

// Exponential returns a jitter-free backoff.ExponentialBackOff producing the
// same sequence as Delay(0), Delay(1), ...
func (b Backoff) Exponential() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.MaxInterval = b.Max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.Reset()
	return eb
}
