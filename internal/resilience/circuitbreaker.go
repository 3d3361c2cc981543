// Package resilience provides failure-isolation primitives for calls into
// external dependencies (relational store, messaging network).
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state.
type State int32

const (
	StateClosed   State = iota // normal operation, tracking failures
	StateOpen                  // failing fast, not calling the dependency
	StateHalfOpen              // probing whether the dependency recovered
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

// Mode controls what happens to calls while the circuit is open.
type Mode string

const (
	// ModeFailClosed rejects calls immediately while open.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen lets calls through while open, recording the rejection.
	ModeFailOpen Mode = "fail-open"
)

// ErrCircuitOpen is returned when the circuit is open and the call is rejected.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Settings configures a CircuitBreaker.
type Settings struct {
	// Name identifies this circuit breaker for logging.
	Name string

	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int64

	// SuccessThreshold is the number of consecutive successes in half-open
	// state before the circuit closes again.
	SuccessThreshold int64

	// OpenTimeout is how long the circuit stays open before the next call
	// is allowed to probe (the transition is checked lazily, not by timer).
	OpenTimeout time.Duration

	// Mode selects fail-open or fail-closed behaviour while open.
	Mode Mode

	// OnStateChange is called when the circuit breaker changes state.
	OnStateChange func(name string, from, to State)
}

// DefaultSettings returns sensible defaults for a circuit breaker.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:             name,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		Mode:             ModeFailClosed,
	}
}

// CircuitBreaker implements the circuit breaker pattern to prevent cascading
// failures when an external dependency becomes unavailable.
type CircuitBreaker struct {
	settings Settings

	mu              sync.Mutex
	state           State
	failures        int64
	successes       int64
	lastStateChange time.Time

	totalRequests  atomic.Int64
	totalRejected  atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
}

// NewCircuitBreaker creates a new circuit breaker with the given settings.
func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 3
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 2
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.Mode != ModeFailOpen {
		settings.Mode = ModeFailClosed
	}

	return &CircuitBreaker{
		settings:        settings,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs the given function through the circuit breaker. While the
// circuit is open, fail-closed mode returns ErrCircuitOpen without invoking
// fn; fail-open mode still invokes fn while counting the rejection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.totalRequests.Add(1)

	if !cb.allowRequest() {
		cb.totalRejected.Add(1)
		if cb.settings.Mode == ModeFailOpen {
			log.Warn().Str("breaker", cb.settings.Name).Msg("Circuit open, fail-open mode allowing call")
			return cb.try(fn)
		}
		return ErrCircuitOpen
	}

	return cb.try(fn)
}

func (cb *CircuitBreaker) try(fn func() error) error {
	err := fn()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

// Reset forces the circuit closed and zeroes all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
	log.Info().Str("breaker", cb.settings.Name).Msg("Circuit breaker manually reset")
}

// Metrics contains circuit breaker statistics.
type Metrics struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	TotalRequests       int64  `json:"total_requests"`
	TotalRejected       int64  `json:"total_rejected"`
	TotalSuccesses      int64  `json:"total_successes"`
	TotalFailures       int64  `json:"total_failures"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
}

// Metrics returns a snapshot of circuit breaker statistics.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	state := cb.currentState()
	failures := cb.failures
	cb.mu.Unlock()

	return Metrics{
		Name:                cb.settings.Name,
		State:               state.String(),
		TotalRequests:       cb.totalRequests.Load(),
		TotalRejected:       cb.totalRejected.Load(),
		TotalSuccesses:      cb.totalSuccesses.Load(),
		TotalFailures:       cb.totalFailures.Load(),
		ConsecutiveFailures: failures,
	}
}

// currentState returns the effective state, accounting for the lazy
// open → half-open transition. Must be called with cb.mu held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.lastStateChange) >= cb.settings.OpenTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.successes < cb.settings.SuccessThreshold
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses.Add(1)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.totalFailures.Add(1)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.settings.FailureThreshold {
			log.Error().Str("breaker", cb.settings.Name).Int64("failures", cb.failures).Msg("Circuit breaker opened")
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit immediately.
		log.Warn().Str("breaker", cb.settings.Name).Msg("Probe failed, circuit reopened")
		cb.setState(StateOpen)
	}
}

// setState transitions to a new state. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	cb.lastStateChange = time.Now()

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, oldState, newState)
	}
}
