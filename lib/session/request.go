// Package session holds the per-connection request record filled in during
// downstream SSH negotiation and the registry of live proxied sessions.
// The request record couples the server-facing and client-facing halves of the
// proxy: the downstream adapter writes it, the supervisor reads it once the
// ready event fires.
package session

import (
	"sync"
)

// Mode is the session mode the downstream client asked for. Exactly one mode
// is recorded per session; later mode requests are refused.
type Mode int

const (
	// ModeNone indicates no shell/exec/subsystem request has arrived yet.
	ModeNone Mode = iota
	// ModeShell is an interactive PTY shell session.
	ModeShell
	// ModeExec is a single remote command (scp and friends included).
	ModeExec
	// ModeSubsystem is a named subsystem, in practice sftp.
	ModeSubsystem
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeShell:
		return "SHELL"
	case ModeExec:
		return "EXEC"
	case ModeSubsystem:
		return "SUBSYSTEM"
	default:
		return "UNKNOWN"
	}
}

// Identity is the target selection harvested during password authentication.
// TargetIP is only present after a successful directory lookup.
type Identity struct {
	VMID     int
	Username string
	Password []byte
	TargetIP string
}

// PTY carries the terminal parameters from pty-req, encoded modes included,
// so the upstream request replays them verbatim. An empty Term means the
// client resized before requesting a PTY; the supervisor substitutes defaults.
type PTY struct {
	Term     string
	Columns  uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    string
}

// Request is the write-once session request record. Identity is written by the
// password callback, the mode by the session-channel request handler. The mode
// write fires the one-shot ready event the supervisor blocks on. PTY
// dimensions stay mutable for window-change.
type Request struct {
	mu sync.RWMutex

	identity    Identity
	identitySet bool

	pty    PTY
	ptySet bool

	mode      Mode
	command   []byte
	subsystem string

	ready chan struct{}
}

// NewRequest creates an empty session request record.
func NewRequest() *Request {
	return &Request{
		ready: make(chan struct{}),
	}
}

// SetIdentity records the authenticated target selection.
// Returns ErrIdentitySet if an identity was already recorded.
func (r *Request) SetIdentity(id Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.identitySet {
		return ErrIdentitySet
	}
	r.identity = id
	r.identitySet = true
	return nil
}

// Identity returns the recorded identity and whether one was recorded.
func (r *Request) Identity() (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity, r.identitySet
}

// SetPTY records the pty-req parameters.
func (r *Request) SetPTY(p PTY) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pty = p
	r.ptySet = true
}

// Resize updates the recorded terminal dimensions. Valid before or after
// pty-req; a resize without a prior pty-req records dimensions with an empty
// terminal name.
func (r *Request) Resize(columns, rows uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pty.Columns = columns
	r.pty.Rows = rows
	r.ptySet = true
}

// PTY returns the recorded terminal parameters and whether any were recorded.
func (r *Request) PTY() (PTY, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pty, r.ptySet
}

// SetShell records an interactive shell request and fires the ready event.
// Returns ErrModeSet if a mode was already recorded.
func (r *Request) SetShell() error {
	return r.setMode(ModeShell, nil, "")
}

// SetExec records a remote command request and fires the ready event.
// Returns ErrModeSet if a mode was already recorded.
func (r *Request) SetExec(command []byte) error {
	return r.setMode(ModeExec, command, "")
}

// SetSubsystem records a subsystem request and fires the ready event.
// Returns ErrModeSet if a mode was already recorded.
func (r *Request) SetSubsystem(name string) error {
	return r.setMode(ModeSubsystem, nil, name)
}

func (r *Request) setMode(m Mode, command []byte, subsystem string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != ModeNone {
		return ErrModeSet
	}
	r.mode = m
	r.command = command
	r.subsystem = subsystem
	close(r.ready)
	return nil
}

// Mode returns the recorded session mode, ModeNone if none arrived yet.
func (r *Request) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// Command returns the exec command bytes. Only meaningful in ModeExec.
func (r *Request) Command() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.command
}

// Subsystem returns the requested subsystem name. Only meaningful in
// ModeSubsystem.
func (r *Request) Subsystem() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subsystem
}

// Ready returns the one-shot event channel closed when the mode is recorded.
// The supervisor selects on it against its timeout.
func (r *Request) Ready() <-chan struct{} {
	return r.ready
}
