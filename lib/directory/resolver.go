// Package directory maps VM identifiers to their internal IP addresses.
// The proxy consults it during downstream password authentication; a VM
// missing from the directory means the login is rejected.
package directory

import (
	"context"
	"database/sql"

	"github.com/gravitational/trace"
)

// Resolver looks up the internal IP address of a VM.
type Resolver interface {
	// Resolve returns the internal IP for vmID. A trace.NotFound error means
	// the VM does not exist; anything else is a directory failure. Both are
	// treated as authentication rejection by the caller.
	Resolve(ctx context.Context, vmID int) (string, error)
}

// SQLResolver resolves VMs against the tenant database.
type SQLResolver struct {
	db *sql.DB
}

// NewSQLResolver creates a resolver backed by the given database handle.
// The handle is shared across sessions; database/sql pools connections.
func NewSQLResolver(db *sql.DB) *SQLResolver {
	return &SQLResolver{db: db}
}

// Resolve queries the VM directory table.
func (r *SQLResolver) Resolve(ctx context.Context, vmID int) (string, error) {
	var ip string
	err := r.db.QueryRowContext(ctx,
		"SELECT internal_ip FROM volum_vms WHERE ctid = ?", vmID).Scan(&ip)
	if err == sql.ErrNoRows {
		return "", trace.NotFound("vm %d not in directory", vmID)
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	if ip == "" {
		return "", trace.NotFound("vm %d has no internal ip", vmID)
	}
	return ip, nil
}

// Verify interface compliance.
var _ Resolver = (*SQLResolver)(nil)
