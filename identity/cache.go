package identity

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/aiolos/octopus/metrics"
)

const (
	DefaultTokenTTL     = 30 * time.Second
	DefaultAnonymousTTL = time.Hour
	DefaultCacheSize    = 100_000

	cacheMetricsPrefix = "identity.cache."
)

// CacheOptions configure the cached client.
type CacheOptions struct {
	// TokenTTL is the time a token lookup is cached, including the
	// lookups that found no identity. Zero disables token caching.
	TokenTTL time.Duration

	// AnonymousTTL is the time an anonymous id is cached per device id.
	// Zero disables anonymous id caching.
	AnonymousTTL time.Duration

	// Capacity is the max number of entries of each cache. Zero means
	// DefaultCacheSize.
	Capacity uint64

	// Timeout bounds a lookup shared by concurrent callers, independent
	// of the context of the caller that started it. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	Metrics metrics.Metrics
}

// CachedClient caches the results of another client. Concurrent
// lookups of the same token or device id are made only once. Errors
// are not cached.
type CachedClient struct {
	client     Client
	tokens     *ttlcache.Cache[string, *Principal]
	anonymous  *ttlcache.Cache[string, string]
	tokenTTL   time.Duration
	anonTTL    time.Duration
	timeout    time.Duration
	tokenGroup singleflight.Group
	anonGroup  singleflight.Group
	metrics    metrics.Metrics
	closeOnce  sync.Once
}

var _ Client = (*CachedClient)(nil)

func NewCachedClient(c Client, o CacheOptions) *CachedClient {
	if o.Capacity == 0 {
		o.Capacity = DefaultCacheSize
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	cc := &CachedClient{
		client: c,
		tokens: ttlcache.New(
			ttlcache.WithTTL[string, *Principal](o.TokenTTL),
			ttlcache.WithCapacity[string, *Principal](o.Capacity),
			ttlcache.WithDisableTouchOnHit[string, *Principal](),
		),
		anonymous: ttlcache.New(
			ttlcache.WithTTL[string, string](o.AnonymousTTL),
			ttlcache.WithCapacity[string, string](o.Capacity),
		),
		tokenTTL: o.TokenTTL,
		anonTTL:  o.AnonymousTTL,
		timeout:  o.Timeout,
		metrics:  o.Metrics,
	}

	go cc.tokens.Start()
	go cc.anonymous.Start()
	return cc
}

func (c *CachedClient) hit(kind string) {
	c.metrics.IncCounter(cacheMetricsPrefix + kind + ".hit")
}

func (c *CachedClient) miss(kind string) {
	c.metrics.IncCounter(cacheMetricsPrefix + kind + ".miss")
}

// shared runs fn once for the concurrent callers of the same key. The
// call is detached from the cancellation of the caller that started it,
// and each caller stops waiting when its own context is done.
func (c *CachedClient) shared(ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := g.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return fn(sctx)
	})

	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *CachedClient) LookupByToken(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, nil
	}

	if c.tokenTTL > 0 {
		if item := c.tokens.Get(token); item != nil {
			c.hit("token")
			return item.Value(), nil
		}
	}

	c.miss("token")
	v, err := c.shared(ctx, &c.tokenGroup, token, func(ctx context.Context) (any, error) {
		p, err := c.client.LookupByToken(ctx, token)
		if err == nil && c.tokenTTL > 0 {
			c.tokens.Set(token, p, ttlcache.DefaultTTL)
		}
		return p, err
	})
	if err != nil {
		return nil, err
	}

	return v.(*Principal), nil
}

func (c *CachedClient) GetOrCreateAnonymousID(ctx context.Context, deviceID string) (string, error) {
	if c.anonTTL > 0 {
		if item := c.anonymous.Get(deviceID); item != nil {
			c.hit("anonymous")
			return item.Value(), nil
		}
	}

	c.miss("anonymous")
	v, err := c.shared(ctx, &c.anonGroup, deviceID, func(ctx context.Context) (any, error) {
		id, err := c.client.GetOrCreateAnonymousID(ctx, deviceID)
		if err == nil && c.anonTTL > 0 {
			c.anonymous.Set(deviceID, id, ttlcache.DefaultTTL)
		}
		return id, err
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// Len returns the number of cached tokens and anonymous ids.
func (c *CachedClient) Len() (tokens, anonymous int) {
	return c.tokens.Len(), c.anonymous.Len()
}

// Close stops the expiry of the caches.
func (c *CachedClient) Close() {
	c.closeOnce.Do(func() {
		c.tokens.Stop()
		c.anonymous.Stop()
	})
}
