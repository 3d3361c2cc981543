// Package session manages the lifecycle of WhatsApp connections per
// organization: initialization, pairing, reconnection, health tracking and
// encrypted credential backups.
package session

// Status is the lifecycle state of one organization's WhatsApp session.
type Status string

const (
	StatusUninitialized  Status = "uninitialized"
	StatusInitializing   Status = "initializing"
	StatusPairingPending Status = "pairing_pending"
	StatusConnecting     Status = "connecting"
	StatusConnected      Status = "connected"
	StatusReconnecting   Status = "reconnecting"
	StatusRestarting     Status = "restarting"
	StatusDisconnected   Status = "disconnected"
	StatusLoggedOut      Status = "logged_out"
)

// validTransitions lists the allowed next states per state. Transitions not
// listed here are rejected so the supervisor never applies a stale event on
// top of a newer state.
var validTransitions = map[Status][]Status{
	StatusUninitialized:  {StatusInitializing},
	StatusInitializing:   {StatusPairingPending, StatusConnecting, StatusDisconnected},
	StatusPairingPending: {StatusConnecting, StatusConnected, StatusDisconnected, StatusLoggedOut},
	StatusConnecting:     {StatusPairingPending, StatusConnected, StatusReconnecting, StatusDisconnected, StatusLoggedOut},
	StatusConnected:      {StatusReconnecting, StatusRestarting, StatusDisconnected, StatusLoggedOut},
	StatusReconnecting:   {StatusConnecting, StatusConnected, StatusDisconnected, StatusLoggedOut},
	StatusRestarting:     {StatusInitializing, StatusDisconnected},
	StatusDisconnected:   {StatusInitializing, StatusReconnecting},
	StatusLoggedOut:      {StatusInitializing},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the session can accept outgoing messages.
func (s Status) Active() bool {
	return s == StatusConnected
}

// Terminal reports whether the session needs a fresh Initialize to recover.
func (s Status) Terminal() bool {
	return s == StatusLoggedOut || s == StatusDisconnected
}
