package protocol

import (
	"errors"
	"strconv"
	"strings"
)

// Login parse errors.
var (
	ErrLoginFormat = errors.New("login must be of the form <vm_id>-<username>")
	ErrLoginVMID   = errors.New("login vm_id must be a non-negative integer")
)

// Login identifies the target VM and the account on it, harvested from the
// downstream SSH username.
type Login struct {
	VMID     int
	Username string
}

// ParseLogin splits a downstream username of the form "<vm_id>-<username>".
// Only the first '-' delimits; later dashes belong to the username. The vm_id
// part must be decimal digits. Malformed logins are rejected before any
// directory lookup happens.
func ParseLogin(raw string) (*Login, error) {
	idx := strings.IndexByte(raw, '-')
	if idx < 0 {
		return nil, ErrLoginFormat
	}

	idPart, userPart := raw[:idx], raw[idx+1:]
	if idPart == "" || userPart == "" {
		return nil, ErrLoginFormat
	}

	if !isDigits(idPart) {
		return nil, ErrLoginVMID
	}
	vmID, err := strconv.Atoi(idPart)
	if err != nil {
		// Digits only, so this is overflow.
		return nil, ErrLoginVMID
	}

	return &Login{VMID: vmID, Username: userPart}, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
