package infra

import (
	"context"
	"sync"
	"time"
)

const (
	minRateFactor = 0.3
	maxRateFactor = 1.5
	minBackoff    = 1.0
	maxBackoff    = 5.0
)

// RateLimiterConfig configures an adaptive token bucket.
type RateLimiterConfig struct {
	Name       string
	Rate       float64 // nominal tokens per second
	Burst      int     // bucket capacity
	Window     int     // outcomes kept for the success ratio
	MinSamples int     // outcomes required before the rate adapts
	Now        func() time.Time
}

// DefaultRateLimiterConfig returns the limits used for the order endpoints.
func DefaultRateLimiterConfig(name string) RateLimiterConfig {
	return RateLimiterConfig{
		Name:       name,
		Rate:       10,
		Burst:      20,
		Window:     100,
		MinSamples: 10,
	}
}

// LimiterStats is a point-in-time view of a limiter.
type LimiterStats struct {
	Tokens       float64
	Rate         float64
	Backoff      float64
	SuccessRatio float64
	Samples      int
}

// RateLimiter is a token bucket whose refill rate adapts to the recent
// success ratio reported through RecordOutcome.
// Thread-safe for concurrent use.
type RateLimiter struct {
	name string
	mu   sync.Mutex
	now  func() time.Time

	tokens      float64
	burst       float64
	nominalRate float64
	rate        float64
	backoff     float64
	lastRefill  time.Time

	outcomes   []bool // ring buffer
	next       int
	filled     int
	successes  int
	minSamples int
}

// NewRateLimiter creates a limiter with a full bucket.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = 100
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RateLimiter{
		name:        cfg.Name,
		now:         cfg.Now,
		tokens:      float64(cfg.Burst),
		burst:       float64(cfg.Burst),
		nominalRate: cfg.Rate,
		rate:        cfg.Rate,
		backoff:     minBackoff,
		lastRefill:  cfg.Now(),
		outcomes:    make([]bool, cfg.Window),
		minSamples:  cfg.MinSamples,
	}
}

// Name returns the endpoint class this limiter guards.
func (r *RateLimiter) Name() string { return r.name }

// Acquire blocks until a token is available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - r.tokens) / r.rate * r.backoff * float64(time.Second))
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire attempts to acquire a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// RecordOutcome feeds one call result into the rolling window and adapts
// the refill rate and backoff once enough samples are held.
func (r *RateLimiter) RecordOutcome(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// accrue at the old rate before changing it
	r.refill()

	if r.filled == len(r.outcomes) && r.outcomes[r.next] {
		r.successes--
	}
	r.outcomes[r.next] = success
	r.next = (r.next + 1) % len(r.outcomes)
	if r.filled < len(r.outcomes) {
		r.filled++
	}
	if success {
		r.successes++
		r.backoff = max(minBackoff, r.backoff*0.99)
	}

	if r.filled <= r.minSamples {
		return
	}

	ratio := float64(r.successes) / float64(r.filled)
	switch {
	case ratio > 0.95:
		r.rate = min(r.nominalRate*maxRateFactor, r.rate*1.05)
		r.backoff = max(minBackoff, r.backoff*0.9)
	case ratio < 0.7:
		r.rate = max(r.nominalRate*minRateFactor, r.rate*0.9)
		r.backoff = min(maxBackoff, r.backoff*1.2)
	default:
		r.rate = (r.rate + r.nominalRate) / 2
		r.backoff = max(minBackoff, r.backoff*0.95)
	}
}

// Stats returns the current limiter state.
func (r *RateLimiter) Stats() LimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	s := LimiterStats{
		Tokens:  r.tokens,
		Rate:    r.rate,
		Backoff: r.backoff,
		Samples: r.filled,
	}
	if r.filled > 0 {
		s.SuccessRatio = float64(r.successes) / float64(r.filled)
	}
	return s
}

// refill adds tokens based on elapsed time.
// Must be called with mutex held.
func (r *RateLimiter) refill() {
	now := r.now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		r.tokens += elapsed * r.rate
	}
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.lastRefill = now
}
