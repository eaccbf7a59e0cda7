// Package circuitbreaker tracks provider health and stops calls to a
// provider that keeps failing.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a provider's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

const (
	defaultFailureThreshold  = 3
	defaultResetTimeout      = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

// Config controls when a circuit opens and how it recovers. Zero values
// fall back to defaults.
type Config struct {
	FailureThreshold  int           // consecutive failures that open the circuit
	ResetTimeout      time.Duration // time spent open before probing
	HalfOpenSuccesses int           // half-open successes needed to close again
}

type providerState struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openUntil            time.Time
}

// CircuitBreaker is an in-memory, per-provider circuit breaker.
type CircuitBreaker struct {
	mu        sync.Mutex
	providers map[string]*providerState
	cfg       Config
	now       func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker from cfg.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = defaultHalfOpenSuccesses
	}
	return &CircuitBreaker{
		providers: make(map[string]*providerState),
		cfg:       cfg,
		now:       time.Now,
	}
}

// caller holds cb.mu
func (cb *CircuitBreaker) state(provider string) *providerState {
	ps, ok := cb.providers[provider]
	if !ok {
		ps = &providerState{state: StateClosed}
		cb.providers[provider] = ps
	}
	return ps
}

// AllowRequest reports whether a call to provider may proceed. An open
// circuit whose reset timeout has elapsed moves to half-open.
func (cb *CircuitBreaker) AllowRequest(provider string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.state(provider)
	switch ps.state {
	case StateOpen:
		if cb.now().Before(ps.openUntil) {
			return false
		}
		ps.state = StateHalfOpen
		ps.consecutiveFailures = 0
		ps.consecutiveSuccesses = 0
		return true
	default:
		return true
	}
}

// RecordFailure records a failed call to provider.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.state(provider)
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures++
		if ps.consecutiveFailures >= cb.cfg.FailureThreshold {
			ps.state = StateOpen
			ps.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
		}
	case StateHalfOpen:
		// a failed trial call re-opens immediately
		ps.state = StateOpen
		ps.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
		ps.consecutiveFailures = 1
		ps.consecutiveSuccesses = 0
	}
}

// RecordSuccess records a successful call to provider.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.state(provider)
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures = 0
	case StateHalfOpen:
		ps.consecutiveSuccesses++
		if ps.consecutiveSuccesses >= cb.cfg.HalfOpenSuccesses {
			ps.state = StateClosed
			ps.consecutiveFailures = 0
			ps.consecutiveSuccesses = 0
		}
	}
}

// GetProviderStatus returns the circuit state and consecutive failure count
// for provider without transitioning it.
func (cb *CircuitBreaker) GetProviderStatus(provider string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ps, ok := cb.providers[provider]
	if !ok {
		return StateClosed, 0
	}
	return ps.state, ps.consecutiveFailures
}
