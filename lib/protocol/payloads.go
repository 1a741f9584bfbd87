package protocol

import (
	"golang.org/x/crypto/ssh"
)

// PTYRequest is the pty-req payload per RFC 4254 section 6.2. Pixel dimensions
// and encoded terminal modes are carried only to replay them upstream verbatim.
type PTYRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    string
}

// WindowChange is the window-change payload per RFC 4254 section 6.7.
type WindowChange struct {
	Columns  uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
}

// ExecRequest is the exec payload per RFC 4254 section 6.5. Command bytes are
// forwarded upstream untouched.
type ExecRequest struct {
	Command string
}

// SubsystemRequest is the subsystem payload per RFC 4254 section 6.5.
type SubsystemRequest struct {
	Name string
}

// ExitStatus is the exit-status payload per RFC 4254 section 6.10.
type ExitStatus struct {
	Status uint32
}

// ParsePTYRequest decodes a pty-req payload.
func ParsePTYRequest(payload []byte) (*PTYRequest, error) {
	var msg PTYRequest
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseWindowChange decodes a window-change payload.
func ParseWindowChange(payload []byte) (*WindowChange, error) {
	var msg WindowChange
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseExecRequest decodes an exec payload.
func ParseExecRequest(payload []byte) (*ExecRequest, error) {
	var msg ExecRequest
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseSubsystemRequest decodes a subsystem payload.
func ParseSubsystemRequest(payload []byte) (*SubsystemRequest, error) {
	var msg SubsystemRequest
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseExitStatus decodes an exit-status payload.
func ParseExitStatus(payload []byte) (*ExitStatus, error) {
	var msg ExitStatus
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Marshal encodes a payload struct into SSH wire format. Thin wrapper so
// callers outside this package do not import x/crypto/ssh for encoding alone.
func Marshal(msg interface{}) []byte {
	return ssh.Marshal(msg)
}
