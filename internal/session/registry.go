package session

import (
	"sync"
	"time"
)

// entry is the live state of one organization's session.
type entry struct {
	orgID string

	mu        sync.Mutex
	status    Status
	client    Client
	jid       string
	lastCode  string
	codeKind  string // "qr" or "pairing"
	codeUntil time.Time

	health    *healthTracker
	reconnect *reconnectState

	// done is closed when the supervisor goroutine exits.
	done chan struct{}
}

func (e *entry) setStatus(to Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !CanTransition(e.status, to) {
		return false
	}
	e.status = to
	return true
}

func (e *entry) getStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *entry) getClient() Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// Registry holds session entries keyed by organization id. It is injected
// into the Manager rather than being package state, so independent managers
// never share sessions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) get(orgID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[orgID]
	return e, ok
}

// create registers a fresh entry. Returns false when one already exists.
func (r *Registry) create(orgID string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[orgID]; ok {
		return nil, false
	}
	e := &entry{
		orgID:     orgID,
		status:    StatusUninitialized,
		health:    newHealthTracker(),
		reconnect: newReconnectState(),
		done:      make(chan struct{}),
	}
	r.entries[orgID] = e
	return e, true
}

func (r *Registry) remove(orgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, orgID)
}

// all returns a snapshot of the registered entries.
func (r *Registry) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
