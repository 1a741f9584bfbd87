package directory

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// StaticResolver serves lookups from an in-memory table. Used by tests and by
// deployments that pin a fixed VM map instead of a database.
type StaticResolver struct {
	mu  sync.RWMutex
	vms map[int]string
}

// NewStaticResolver creates a resolver over a copy of the given table.
func NewStaticResolver(vms map[int]string) *StaticResolver {
	table := make(map[int]string, len(vms))
	for id, ip := range vms {
		table[id] = ip
	}
	return &StaticResolver{vms: table}
}

// Resolve returns the mapped IP or trace.NotFound.
func (r *StaticResolver) Resolve(_ context.Context, vmID int) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ip, ok := r.vms[vmID]
	if !ok || ip == "" {
		return "", trace.NotFound("vm %d not in directory", vmID)
	}
	return ip, nil
}

// Add inserts or replaces a VM mapping.
func (r *StaticResolver) Add(vmID int, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vms[vmID] = ip
}

// Remove deletes a VM mapping.
func (r *StaticResolver) Remove(vmID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.vms, vmID)
}

// Verify interface compliance.
var _ Resolver = (*StaticResolver)(nil)
