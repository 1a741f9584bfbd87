// Package session holds the per-connection session request record and the
// registry of live proxied sessions.
package session

import (
	"sync"
)

// Session is the registry's view of a live proxied session.
type Session interface {
	// ID returns the unique session identifier.
	ID() string

	// Close tears the session down. Must be safe to call multiple times.
	Close() error
}

// Registry tracks live sessions and enforces the concurrent session limit.
// Thread-safe for concurrent use by the accept loop and session teardown.
type Registry interface {
	// Register adds a session. Returns ErrRegistryFull when the limit is
	// reached and ErrDuplicateID when the ID is already present.
	Register(s Session) error

	// Unregister removes a session by ID.
	// Returns ErrSessionNotFound if the session does not exist.
	Unregister(id string) error

	// Get returns a session by ID, or nil if not found.
	Get(id string) Session

	// All returns all registered session IDs.
	All() []string

	// Count returns the number of live sessions.
	Count() int

	// Close tears down all sessions and clears the registry.
	Close() error
}

// RegistryImpl is the concrete implementation of Registry.
type RegistryImpl struct {
	mu       sync.RWMutex
	limit    int
	sessions map[string]Session
}

// NewRegistry creates a registry capped at limit concurrent sessions.
// A limit of zero or less means unlimited.
func NewRegistry(limit int) *RegistryImpl {
	return &RegistryImpl{
		limit:    limit,
		sessions: make(map[string]Session),
	}
}

// Register adds a session to the registry.
func (r *RegistryImpl) Register(s Session) error {
	if s == nil {
		return ErrSessionNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	if id == "" {
		return ErrSessionNotFound
	}
	if r.limit > 0 && len(r.sessions) >= r.limit {
		return ErrRegistryFull
	}
	if _, exists := r.sessions[id]; exists {
		return ErrDuplicateID
	}

	r.sessions[id] = s
	return nil
}

// Unregister removes a session from the registry by ID.
func (r *RegistryImpl) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}

// Get returns a session by ID, or nil if not found.
func (r *RegistryImpl) Get(id string) Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// All returns all registered session IDs.
func (r *RegistryImpl) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (r *RegistryImpl) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears down all sessions and clears the registry.
// Sessions are collected first and the lock released before closing them, so
// a session whose teardown calls Unregister cannot deadlock. Errors from
// individual closes are ignored.
func (r *RegistryImpl) Close() error {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]Session)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}
