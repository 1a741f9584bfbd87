package directory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache sizing defaults. Entries expire so a VM whose IP changes is picked up
// within a minute; negative results are never cached so a freshly created VM
// is reachable immediately.
const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = time.Minute
)

// CachingResolver memoizes successful lookups of an inner resolver in an
// expiring LRU. Bursts of connections to the same VM hit the directory once.
type CachingResolver struct {
	inner Resolver
	cache *expirable.LRU[int, string]
}

// NewCachingResolver wraps inner with an LRU of the given size and TTL.
// Size and ttl of zero or less fall back to the defaults.
func NewCachingResolver(inner Resolver, size int, ttl time.Duration) *CachingResolver {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingResolver{
		inner: inner,
		cache: expirable.NewLRU[int, string](size, nil, ttl),
	}
}

// Resolve serves from the cache when possible.
func (r *CachingResolver) Resolve(ctx context.Context, vmID int) (string, error) {
	if ip, ok := r.cache.Get(vmID); ok {
		return ip, nil
	}

	ip, err := r.inner.Resolve(ctx, vmID)
	if err != nil {
		return "", err
	}
	r.cache.Add(vmID, ip)
	return ip, nil
}

// Verify interface compliance.
var _ Resolver = (*CachingResolver)(nil)
