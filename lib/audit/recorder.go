// Package audit records the commands users run through the proxy.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Recorder writes the per-session shell log: one file per session named after
// the target VM tag, the account, and the session start time. The file is
// created by Start when shell bridging begins, so sessions that never reach
// shell mode leave no file.
type Recorder struct {
	dir      string
	vmTag    string
	username string
	clientIP string
	clock    clockwork.Clock

	mu      sync.Mutex
	file    *os.File
	openErr error
	opened  bool
}

// NewRecorder creates a recorder for one session. targetIP is reduced to its
// last dotted component for the file name, a human-scannable tag.
func NewRecorder(dir, targetIP, username, clientIP string, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{
		dir:      dir,
		vmTag:    vmTag(targetIP),
		username: username,
		clientIP: clientIP,
		clock:    clock,
	}
}

// Start opens the session log and writes the connection banner. Called once
// shell bridging begins, before any byte is forwarded, so the file exists
// even for sessions where no command line ever completes. Subsequent calls
// return the first outcome.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open()
}

// Command appends one command line to the session log, opening it first if
// Start has not run. The open failure, if any, is reported on every call so
// the caller can log and carry on.
func (r *Recorder) Command(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.open(); err != nil {
		return err
	}
	return r.writeLine("Command: " + line)
}

// Path returns the session log path, empty until the file is opened.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

// Close closes the session log if one was opened.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return trace.Wrap(err)
}

// open creates the log directory and file and writes the session banner.
// Attempted once; the outcome is remembered.
func (r *Recorder) open() error {
	if r.opened {
		return r.openErr
	}
	r.opened = true

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		r.openErr = trace.Wrap(err)
		return r.openErr
	}

	name := fmt.Sprintf("ssh_%s_%s_%s.log",
		r.vmTag, r.username, r.clock.Now().Format("20060102_150405"))
	f, err := os.OpenFile(filepath.Join(r.dir, name),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.openErr = trace.Wrap(err)
		return r.openErr
	}
	r.file = f

	return r.writeLine("New SSH session from " + r.clientIP)
}

func (r *Recorder) writeLine(event string) error {
	ts := r.clock.Now().Format(time.RFC3339)
	_, err := fmt.Fprintf(r.file, "%s - %s\n", ts, event)
	return trace.Wrap(err)
}

// vmTag is the last dotted component of the target IP, or the whole string
// when it has no dots.
func vmTag(targetIP string) string {
	parts := strings.Split(targetIP, ".")
	return parts[len(parts)-1]
}
