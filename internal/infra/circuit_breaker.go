package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerOpenError is returned when a call is rejected without being attempted.
type BreakerOpenError struct {
	Name      string
	State     State
	Remaining time.Duration
}

func (e *BreakerOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s: trial request in flight", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open: retry in %s", e.Name, e.Remaining.Round(time.Millisecond))
}

// CircuitBreaker implements the circuit breaker pattern for fault isolation.
// Recovery timeouts grow exponentially with each failed recovery.
// Thread-safe for concurrent use.
type CircuitBreaker struct {
	name string
	mu   sync.Mutex
	now  func() time.Time

	state            State
	failureCount     int
	successCount     int
	lastFailure      time.Time
	recoveryAttempts int
	trialInFlight    bool
	forcedTimeout    time.Duration // set by Trip until the next HALF_OPEN

	// Configuration
	failureThreshold int           // Failures before opening
	successThreshold int           // Half-open successes before closing
	baseTimeout      time.Duration // Recovery timeout for the first attempt
	maxTimeout       time.Duration

	onStateChange func(name string, from, to State)
}

// CircuitBreakerConfig holds configuration for creating a circuit breaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	BaseTimeout      time.Duration
	MaxTimeout       time.Duration
	Now              func() time.Time
	// OnStateChange is called with the lock held; it must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 3,
		BaseTimeout:      60 * time.Second,
		MaxTimeout:       300 * time.Second,
	}
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = def.BaseTimeout
	}
	if cfg.MaxTimeout < cfg.BaseTimeout {
		cfg.MaxTimeout = cfg.BaseTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		now:              cfg.Now,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		baseTimeout:      cfg.BaseTimeout,
		maxTimeout:       cfg.MaxTimeout,
		onStateChange:    cfg.OnStateChange,
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may proceed. A nil error admits the call and
// the caller must report its result through RecordSuccess or RecordFailure.
// A rejected call returns *BreakerOpenError and is not counted as a failure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := cb.now().Sub(cb.lastFailure)
		timeout := cb.recoveryTimeout()
		if elapsed < timeout {
			return &BreakerOpenError{Name: cb.name, State: StateOpen, Remaining: timeout - elapsed}
		}
		cb.setState(StateHalfOpen)
		cb.successCount = 0
		cb.forcedTimeout = 0
		cb.trialInFlight = true
		slog.Info("Circuit breaker transitioning to HALF_OPEN",
			slog.String("name", cb.name),
			slog.Int("recovery_attempts", cb.recoveryAttempts))
		return nil

	case StateHalfOpen:
		if cb.trialInFlight {
			return &BreakerOpenError{Name: cb.name, State: StateHalfOpen}
		}
		cb.trialInFlight = true
		return nil

	default:
		return &BreakerOpenError{Name: cb.name, State: cb.state}
	}
}

// Execute runs fn if the breaker admits it and records the result.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0

	case StateHalfOpen:
		cb.trialInFlight = false
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.recoveryAttempts = 0
			slog.Info("Circuit breaker CLOSED (recovered)",
				slog.String("name", cb.name))
		}
	}
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.lastFailure = cb.now()
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.setState(StateOpen)
			slog.Warn("Circuit breaker OPEN (failures exceeded threshold)",
				slog.String("name", cb.name),
				slog.Int("failures", cb.failureCount))
		}

	case StateHalfOpen:
		cb.lastFailure = cb.now()
		cb.trialInFlight = false
		cb.successCount = 0
		cb.recoveryAttempts++
		cb.setState(StateOpen)
		slog.Warn("Circuit breaker OPEN (half-open trial failed)",
			slog.String("name", cb.name),
			slog.Duration("retry_in", cb.recoveryTimeout()))
	}
}

// Release returns an admission whose call ended without a verdict,
// e.g. because the caller's context was cancelled.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
}

// Trip forces the breaker OPEN for timeout regardless of failure counts.
func (cb *CircuitBreaker) Trip(timeout time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	cb.forcedTimeout = timeout
	cb.trialInFlight = false
	cb.successCount = 0
	cb.setState(StateOpen)
	slog.Warn("Circuit breaker tripped",
		slog.String("name", cb.name),
		slog.Duration("timeout", timeout))
}

// State returns the current state (for monitoring).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RecoveryAttempts returns the number of failed recoveries since the last close.
func (cb *CircuitBreaker) RecoveryAttempts() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.recoveryAttempts
}

// Reset forces the circuit breaker to closed state (for testing/admin).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.recoveryAttempts = 0
	cb.forcedTimeout = 0
	cb.trialInFlight = false
	slog.Info("Circuit breaker RESET", slog.String("name", cb.name))
}

// recoveryTimeout must be called with mutex held.
func (cb *CircuitBreaker) recoveryTimeout() time.Duration {
	if cb.forcedTimeout > 0 {
		return cb.forcedTimeout
	}
	timeout := cb.baseTimeout
	for i := 0; i < cb.recoveryAttempts && timeout < cb.maxTimeout; i++ {
		timeout *= 2
	}
	return min(timeout, cb.maxTimeout)
}

func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	from := cb.state
	cb.state = s
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, s)
	}
}
