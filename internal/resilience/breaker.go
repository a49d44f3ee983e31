// Package resilience protects the model backend from the gateway and the gateway from
// a failing backend: a circuit breaker stops calls after repeated infrastructure
// failures and a concurrency cap bounds in-flight generations.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows limited requests to test recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config controls the provider guard.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold is the number of half-open successes needed to close it again.
	SuccessThreshold int `yaml:"success_threshold"`
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// HalfOpenMaxRequests bounds probe requests while half-open.
	HalfOpenMaxRequests int `yaml:"half_open_max_requests"`
	// MaxConcurrent caps in-flight generations. Zero means no cap.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 3,
		MaxConcurrent:       32,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.FailureThreshold <= 0 || c.SuccessThreshold <= 0 || c.HalfOpenMaxRequests <= 0 {
		return fmt.Errorf("resilience: thresholds must be positive")
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("resilience: open_timeout must be positive")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("resilience: max_concurrent cannot be negative")
	}
	return nil
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu              sync.Mutex
	name            string
	state           CircuitState
	failureCount    int
	successCount    int
	halfOpenCount   int
	lastFailureTime time.Time
	config          Config
	now             func() time.Time
	onStateChange   func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

// OnStateChange sets a callback for state transitions. It runs on its own goroutine.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a request may proceed. An open circuit turns half-open once
// OpenTimeout has passed since the last failure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.OpenTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenCount = 1
			return true
		}
		return false

	case StateHalfOpen:
		if cb.halfOpenCount < cb.config.HalfOpenMaxRequests {
			cb.halfOpenCount++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0

	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.successCount = 0
	}
}

// State returns the current circuit state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCount = 0
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}
