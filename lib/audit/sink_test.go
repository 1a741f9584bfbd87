package audit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestSplitCommand(t *testing.T) {
	t.Run("short command single chunk", func(t *testing.T) {
		got := SplitCommand("ls -la", 10000)
		if len(got) != 1 || got[0] != "ls -la" {
			t.Errorf("SplitCommand() = %v, want [ls -la]", got)
		}
	})

	t.Run("exact boundary single chunk", func(t *testing.T) {
		cmd := strings.Repeat("a", 10000)
		got := SplitCommand(cmd, 10000)
		if len(got) != 1 {
			t.Errorf("SplitCommand() produced %d chunks, want 1", len(got))
		}
	})

	t.Run("oversize command chunked in order", func(t *testing.T) {
		cmd := strings.Repeat("abcde", 5000) // 25000 bytes
		got := SplitCommand(cmd, 10000)

		if len(got) != 3 {
			t.Fatalf("SplitCommand() produced %d chunks, want 3", len(got))
		}
		if len(got[0]) != 10000 || len(got[1]) != 10000 || len(got[2]) != 5000 {
			t.Errorf("chunk lengths = %d,%d,%d, want 10000,10000,5000",
				len(got[0]), len(got[1]), len(got[2]))
		}
		if strings.Join(got, "") != cmd {
			t.Error("concatenated chunks differ from original command")
		}
	})

	t.Run("empty command no chunks", func(t *testing.T) {
		if got := SplitCommand("", 10000); got != nil {
			t.Errorf("SplitCommand(\"\") = %v, want nil", got)
		}
	})

	t.Run("non-positive max single chunk", func(t *testing.T) {
		got := SplitCommand("ls", 0)
		if len(got) != 1 || got[0] != "ls" {
			t.Errorf("SplitCommand(ls, 0) = %v, want [ls]", got)
		}
	})
}

// auditDriver is a minimal database/sql driver capturing insert arguments.
type auditDriver struct {
	mu      sync.Mutex
	rows    [][]driver.Value
	execErr error
}

func (d *auditDriver) Open(string) (driver.Conn, error) { return &auditConn{d: d}, nil }

func (d *auditDriver) inserted() [][]driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]driver.Value(nil), d.rows...)
}

func (d *auditDriver) reset(execErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows = nil
	d.execErr = execErr
}

type auditConn struct{ d *auditDriver }

func (c *auditConn) Prepare(string) (driver.Stmt, error) { return &auditStmt{d: c.d}, nil }
func (c *auditConn) Close() error                        { return nil }
func (c *auditConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

type auditStmt struct{ d *auditDriver }

func (s *auditStmt) Close() error  { return nil }
func (s *auditStmt) NumInput() int { return 3 }

func (s *auditStmt) Query([]driver.Value) (driver.Rows, error) {
	return nil, errors.New("not supported")
}

func (s *auditStmt) Exec(args []driver.Value) (driver.Result, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.execErr != nil {
		return nil, s.d.execErr
	}
	s.d.rows = append(s.d.rows, append([]driver.Value(nil), args...))
	return driver.RowsAffected(1), nil
}

var testAuditDriver = &auditDriver{}

func init() {
	sql.Register("fakeaudit", testAuditDriver)
}

func TestSQLSink_Append(t *testing.T) {
	db, err := sql.Open("fakeaudit", "")
	if err != nil {
		t.Fatalf("sql.Open() returned error: %v", err)
	}
	defer db.Close()

	t.Run("single row", func(t *testing.T) {
		testAuditDriver.reset(nil)
		s := NewSQLSink(db, 10000)

		if err := s.Append(context.Background(), 42, "alice", "ls -la"); err != nil {
			t.Fatalf("Append() returned error: %v", err)
		}

		rows := testAuditDriver.inserted()
		if len(rows) != 1 {
			t.Fatalf("inserted %d rows, want 1", len(rows))
		}
		if rows[0][0].(int64) != 42 || rows[0][1].(string) != "alice" || rows[0][2].(string) != "ls -la" {
			t.Errorf("row = %v, want [42 alice ls -la]", rows[0])
		}
	})

	t.Run("oversize command becomes ordered rows", func(t *testing.T) {
		testAuditDriver.reset(nil)
		s := NewSQLSink(db, 100)
		cmd := strings.Repeat("z", 250)

		if err := s.Append(context.Background(), 7, "bob", cmd); err != nil {
			t.Fatalf("Append() returned error: %v", err)
		}

		rows := testAuditDriver.inserted()
		if len(rows) != 3 {
			t.Fatalf("inserted %d rows, want 3", len(rows))
		}
		var rebuilt strings.Builder
		for i, row := range rows {
			if row[0].(int64) != 7 || row[1].(string) != "bob" {
				t.Errorf("row %d identity = %v,%v, want 7,bob", i, row[0], row[1])
			}
			rebuilt.WriteString(row[2].(string))
		}
		if rebuilt.String() != cmd {
			t.Error("concatenated rows differ from original command")
		}
	})

	t.Run("insert failure propagates", func(t *testing.T) {
		testAuditDriver.reset(errors.New("server has gone away"))
		s := NewSQLSink(db, 10000)

		if err := s.Append(context.Background(), 1, "a", "ls"); err == nil {
			t.Error("Append() = nil, want error")
		}
	})
}
