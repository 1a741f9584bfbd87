// Package session holds the per-connection session request record and the
// registry of live proxied sessions.
package session

import (
	"errors"
)

// Request and registry state errors.
var (
	// ErrIdentitySet indicates the identity was already recorded for this
	// session request.
	ErrIdentitySet = errors.New("session identity already set")

	// ErrModeSet indicates a shell/exec/subsystem mode was already recorded;
	// only the first mode request per session is honored.
	ErrModeSet = errors.New("session mode already set")

	// ErrSessionNotFound indicates the registry has no session with that ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateID indicates a session with that ID is already registered.
	ErrDuplicateID = errors.New("duplicate session ID")

	// ErrRegistryFull indicates the concurrent session limit is reached.
	ErrRegistryFull = errors.New("session registry full")
)
