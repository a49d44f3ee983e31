package secret

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedProvider memoises resolved values for a TTL. Failures are not cached.
type CachedProvider struct {
	inner  Provider
	values *gocache.Cache
}

// NewCachedProvider wraps inner with a ttl-bounded memo.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner:  inner,
		values: gocache.New(ttl, 2*ttl),
	}
}

// Get returns the memoised value for path or resolves it through the inner provider.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if v, ok := p.values.Get(path); ok {
		return v.(string), nil
	}
	val, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	p.values.SetDefault(path, val)
	return val, nil
}

// Close closes the inner provider.
func (p *CachedProvider) Close() error {
	return p.inner.Close()
}
