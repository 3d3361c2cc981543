package session

import (
	"math"
	"sync"
	"time"
)

// ReconnectConfig tunes the exponential backoff applied after a recoverable
// disconnect.
type ReconnectConfig struct {
	MaxAttempts       int           `json:"maxAttempts"`
	BaseDelay         time.Duration `json:"baseDelay"`
	MaxDelay          time.Duration `json:"maxDelay"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
	ResetAfterSuccess bool          `json:"resetAfterSuccess"`
}

// DefaultReconnectConfig mirrors the production tuning: five attempts,
// 2s base delay doubling up to 30s, counter reset on success.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:       5,
		BaseDelay:         2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		ResetAfterSuccess: true,
	}
}

// Decision is the outcome of evaluating a disconnect.
type Decision struct {
	// Reconnect is false when attempts are exhausted or the cause is not
	// recoverable.
	Reconnect bool
	// Attempt is the attempt number this decision schedules (1-based).
	Attempt int
	// Delay is how long to wait before the attempt.
	Delay time.Duration
	// Reason explains a negative decision.
	Reason string
}

// Decide evaluates whether to schedule reconnection attempt attempt (1-based)
// after a disconnect with the given cause. It is a pure function: the caller
// owns the attempt counter.
func (c ReconnectConfig) Decide(attempt int, cause error) Decision {
	if !Recoverable(cause) {
		return Decision{Reconnect: false, Attempt: attempt, Reason: "non-recoverable: " + cause.Error()}
	}
	if attempt > c.MaxAttempts {
		return Decision{Reconnect: false, Attempt: attempt, Reason: "max attempts exhausted"}
	}
	return Decision{Reconnect: true, Attempt: attempt, Delay: c.DelayFor(attempt)}
}

// DelayFor computes the backoff before the given attempt (1-based):
// base * multiplier^(attempt-1), capped at MaxDelay.
func (c ReconnectConfig) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1)))
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// ReconnectAttempt is one entry in the reconnect history of a session.
type ReconnectAttempt struct {
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
	StartedAt time.Time     `json:"startedAt"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// reconnectState tracks the live reconnect loop of one session.
type reconnectState struct {
	mu      sync.Mutex
	attempt int
	history []ReconnectAttempt
	cancel  chan struct{}
}

const reconnectHistoryLimit = 50

func newReconnectState() *reconnectState {
	return &reconnectState{}
}

// next bumps the attempt counter and returns its new value.
func (r *reconnectState) next() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt++
	return r.attempt
}

// reset zeroes the attempt counter after a successful connection.
func (r *reconnectState) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
}

func (r *reconnectState) record(a ReconnectAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, a)
	if len(r.history) > reconnectHistoryLimit {
		r.history = r.history[len(r.history)-reconnectHistoryLimit:]
	}
}

// History returns a copy of the recorded attempts, newest last.
func (r *reconnectState) History() []ReconnectAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ReconnectAttempt, len(r.history))
	copy(out, r.history)
	return out
}

// armCancel installs a fresh cancellation channel for a pending backoff wait
// and returns it. A previously armed wait is cancelled first.
func (r *reconnectState) armCancel() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		close(r.cancel)
	}
	r.cancel = make(chan struct{})
	return r.cancel
}

// cancelPending aborts a pending backoff wait, if any.
func (r *reconnectState) cancelPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		close(r.cancel)
		r.cancel = nil
	}
}
