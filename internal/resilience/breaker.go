// Package resilience provides the failure-handling primitives used around
// the speech and language providers: a three-state circuit breaker, bounded
// retry with backoff, and provider failover groups.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrBreakerOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls. Successful probes
	// close the breaker; any failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the tuning knobs for a [CircuitBreaker]. Zero-value
// fields are replaced with defaults by [NewCircuitBreaker].
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is the number of consecutive failures that trips the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing again.
	// Default: 30s.
	Cooldown time.Duration

	// HalfOpenProbes is how many calls the half-open state admits before the
	// breaker decides to close or re-open. Default: 3.
	HalfOpenProbes int
}

// CircuitBreaker is a classic closed → open → half-open breaker. It wraps
// calls to an unreliable backend so that a run of failures stops hammering a
// service that is already down.
type CircuitBreaker struct {
	name           string
	maxFailures    int
	cooldown       time.Duration
	halfOpenProbes int

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probeCalls int
	probeFails int
}

// NewCircuitBreaker creates a [CircuitBreaker] from cfg, applying defaults
// for zero-value fields.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 3
	}
	return &CircuitBreaker{
		name:           cfg.Name,
		maxFailures:    cfg.MaxFailures,
		cooldown:       cfg.Cooldown,
		halfOpenProbes: cfg.HalfOpenProbes,
		state:          StateClosed,
	}
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn unless the breaker is open. In the half-open state only a
// limited number of probes are admitted; the rest are rejected with
// [ErrBreakerOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return ErrBreakerOpen
		}
		cb.state = StateHalfOpen
		cb.probeCalls = 0
		cb.probeFails = 0
		slog.Info("circuit breaker half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.probeCalls >= cb.halfOpenProbes {
			cb.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	probing := cb.state == StateHalfOpen
	if probing {
		cb.probeCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(probing)
	} else {
		cb.onSuccess(probing)
	}
	return err
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(probing bool) {
	cb.openedAt = time.Now()

	if probing {
		cb.probeFails++
		cb.state = StateOpen
		cb.failures = cb.maxFailures
		slog.Warn("circuit breaker re-opened", "name", cb.name)
		return
	}

	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.failures)
	}
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(probing bool) {
	if probing {
		if cb.probeCalls-cb.probeFails >= cb.halfOpenProbes {
			cb.state = StateClosed
			cb.failures = 0
			cb.probeCalls = 0
			cb.probeFails = 0
			slog.Info("circuit breaker closed", "name", cb.name)
		}
		return
	}
	cb.failures = 0
}
