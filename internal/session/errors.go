package session

import (
	"errors"
	"strings"
)

// Sentinel errors surfaced by the session package.
var (
	ErrNotConnected       = errors.New("session is not connected")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrNotFound           = errors.New("session not found")
	ErrThrottled          = errors.New("message rate limit reached")
	ErrCodeExpired        = errors.New("pairing code expired")

	// Non-recoverable disconnect causes. Automatic reconnection stops
	// when the disconnect error matches one of these.
	ErrSessionCorrupted   = errors.New("session corrupted")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountBanned      = errors.New("account banned")
	ErrRateOverlimit      = errors.New("rate overlimit")
)

var nonRecoverable = []error{
	ErrSessionCorrupted,
	ErrInvalidCredentials,
	ErrAccountBanned,
	ErrRateOverlimit,
}

// nonRecoverableMarkers matches raw transport errors that carry the cause
// only as text, e.g. stream error codes from the server.
var nonRecoverableMarkers = []string{
	"session corrupted",
	"invalid credentials",
	"401",
	"banned",
	"rate-overlimit",
}

// Recoverable reports whether a disconnect cause should trigger automatic
// reconnection. A nil error counts as recoverable (clean network drop).
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	for _, sentinel := range nonRecoverable {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonRecoverableMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}
