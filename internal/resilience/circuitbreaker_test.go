package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings(name string) Settings {
	return Settings{
		Name:             name,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      50 * time.Millisecond,
		Mode:             ModeFailClosed,
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testSettings("db"))
	boom := errors.New("boom")

	for range 3 {
		err := cb.Execute(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error {
		t.Fatal("fn must not run while open in fail-closed mode")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(testSettings("db"))
	boom := errors.New("boom")

	for range 2 {
		_ = cb.Execute(func() error { return boom })
	}
	require.NoError(t, cb.Execute(func() error { return nil }))
	for range 2 {
		_ = cb.Execute(func() error { return boom })
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	cb := NewCircuitBreaker(testSettings("db"))
	boom := errors.New("boom")

	for range 3 {
		_ = cb.Execute(func() error { return boom })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(testSettings("db"))
	boom := errors.New("boom")

	for range 3 {
		_ = cb.Execute(func() error { return boom })
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(func() error { return boom })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerFailOpenStillInvokes(t *testing.T) {
	settings := testSettings("ai")
	settings.Mode = ModeFailOpen
	cb := NewCircuitBreaker(settings)
	boom := errors.New("boom")

	for range 3 {
		_ = cb.Execute(func() error { return boom })
	}
	require.Equal(t, StateOpen, cb.State())

	invoked := false
	err := cb.Execute(func() error {
		invoked = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, invoked, "fail-open mode should still invoke the call")
	assert.Equal(t, int64(1), cb.Metrics().TotalRejected)
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(testSettings("db"))
	boom := errors.New("boom")

	for range 3 {
		_ = cb.Execute(func() error { return boom })
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	ran := false
	require.NoError(t, cb.Execute(func() error { ran = true; return nil }))
	assert.True(t, ran)
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	var transitions []State
	settings := testSettings("db")
	settings.OnStateChange = func(_ string, _, to State) {
		transitions = append(transitions, to)
	}
	cb := NewCircuitBreaker(settings)
	boom := errors.New("boom")

	for range 3 {
		_ = cb.Execute(func() error { return boom })
	}
	time.Sleep(60 * time.Millisecond)
	_ = cb.State()
	for range 2 {
		_ = cb.Execute(func() error { return nil })
	}

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}
