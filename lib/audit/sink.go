// Package audit records the commands users run through the proxy: a durable
// sink backed by the tenant database plus a per-session file log, fed by the
// shell-mode command extractor. Audit failures are reported to callers but
// never abort a running session.
package audit

import (
	"context"
	"database/sql"

	"github.com/gravitational/trace"
)

// DefaultMaxCommandLength is the longest command stored per row. Longer
// commands are split into consecutive rows under the same (vm_id, username).
const DefaultMaxCommandLength = 10000

// Sink appends executed commands to the audit store.
type Sink interface {
	// Append durably records one command, splitting text over the sink's
	// length limit into consecutive records. The command is committed before
	// Append returns.
	Append(ctx context.Context, vmID int, username, command string) error
}

// SQLSink writes audit rows to the tenant database.
type SQLSink struct {
	db     *sql.DB
	maxLen int
}

// NewSQLSink creates a sink over the given database handle. Commands longer
// than maxCommandLength bytes are chunked; zero or less selects the default.
func NewSQLSink(db *sql.DB, maxCommandLength int) *SQLSink {
	if maxCommandLength <= 0 {
		maxCommandLength = DefaultMaxCommandLength
	}
	return &SQLSink{db: db, maxLen: maxCommandLength}
}

// Append inserts one row per chunk, in chunk order.
func (s *SQLSink) Append(ctx context.Context, vmID int, username, command string) error {
	for _, chunk := range SplitCommand(command, s.maxLen) {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO volum_ssh_logs(vm_id, username, command) VALUES (?, ?, ?)",
			vmID, username, chunk)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// SplitCommand splits command into chunks of at most max bytes. Chunks
// preserve byte order; concatenating them yields the original string. An
// empty command produces no chunks.
func SplitCommand(command string, max int) []string {
	if command == "" {
		return nil
	}
	if max <= 0 || len(command) <= max {
		return []string{command}
	}

	chunks := make([]string, 0, (len(command)+max-1)/max)
	for len(command) > max {
		chunks = append(chunks, command[:max])
		command = command[max:]
	}
	return append(chunks, command)
}

// Verify interface compliance.
var _ Sink = (*SQLSink)(nil)
