package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiolos/octopus/metrics/metricstest"
)

type countingClient struct {
	tokenCalls atomic.Int64
	anonCalls  atomic.Int64
	fail       atomic.Bool
	release    chan struct{}
}

func (c *countingClient) LookupByToken(_ context.Context, token string) (*Principal, error) {
	c.tokenCalls.Add(1)
	if c.release != nil {
		<-c.release
	}

	if c.fail.Load() {
		return nil, errors.New("identity service down")
	}

	if token == "unknown" {
		return nil, nil
	}

	return &Principal{UserID: "user-" + token}, nil
}

func (c *countingClient) GetOrCreateAnonymousID(_ context.Context, deviceID string) (string, error) {
	c.anonCalls.Add(1)
	if c.fail.Load() {
		return "", errors.New("identity service down")
	}

	return "anon-" + deviceID, nil
}

func TestCachedClientToken(t *testing.T) {
	backend := &countingClient{}
	m := &metricstest.MockMetrics{}
	c := NewCachedClient(backend, CacheOptions{TokenTTL: time.Minute, AnonymousTTL: time.Minute, Metrics: m})
	defer c.Close()

	ctx := context.Background()
	for range 3 {
		p, err := c.LookupByToken(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "user-a", p.UserID)
	}
	assert.Equal(t, int64(1), backend.tokenCalls.Load())
	assert.Equal(t, int64(2), m.Counter("identity.cache.token.hit"))
	assert.Equal(t, int64(1), m.Counter("identity.cache.token.miss"))

	// no identity is cached too
	for range 2 {
		p, err := c.LookupByToken(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, p)
	}
	assert.Equal(t, int64(2), backend.tokenCalls.Load())

	p, err := c.LookupByToken(ctx, "")
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, int64(2), backend.tokenCalls.Load())
}

func TestCachedClientErrorsAreNotCached(t *testing.T) {
	backend := &countingClient{}
	c := NewCachedClient(backend, CacheOptions{TokenTTL: time.Minute, AnonymousTTL: time.Minute})
	defer c.Close()

	ctx := context.Background()
	backend.fail.Store(true)

	_, err := c.LookupByToken(ctx, "a")
	assert.Error(t, err)
	_, err = c.GetOrCreateAnonymousID(ctx, "device")
	assert.Error(t, err)

	backend.fail.Store(false)

	p, err := c.LookupByToken(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "user-a", p.UserID)

	id, err := c.GetOrCreateAnonymousID(ctx, "device")
	require.NoError(t, err)
	assert.Equal(t, "anon-device", id)

	assert.Equal(t, int64(2), backend.tokenCalls.Load())
	assert.Equal(t, int64(2), backend.anonCalls.Load())
}

func TestCachedClientAnonymous(t *testing.T) {
	backend := &countingClient{}
	c := NewCachedClient(backend, CacheOptions{AnonymousTTL: time.Minute})
	defer c.Close()

	ctx := context.Background()
	first, err := c.GetOrCreateAnonymousID(ctx, "device")
	require.NoError(t, err)
	second, err := c.GetOrCreateAnonymousID(ctx, "device")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), backend.anonCalls.Load())

	tokens, anonymous := c.Len()
	assert.Equal(t, 0, tokens)
	assert.Equal(t, 1, anonymous)
}

func TestCachedClientDisabled(t *testing.T) {
	backend := &countingClient{}
	c := NewCachedClient(backend, CacheOptions{})
	defer c.Close()

	ctx := context.Background()
	for range 2 {
		_, err := c.LookupByToken(ctx, "a")
		require.NoError(t, err)
		_, err = c.GetOrCreateAnonymousID(ctx, "device")
		require.NoError(t, err)
	}

	assert.Equal(t, int64(2), backend.tokenCalls.Load())
	assert.Equal(t, int64(2), backend.anonCalls.Load())
}

func TestCachedClientConcurrentLookups(t *testing.T) {
	backend := &countingClient{release: make(chan struct{})}
	c := NewCachedClient(backend, CacheOptions{TokenTTL: time.Minute})
	defer c.Close()

	var wg sync.WaitGroup
	results := make([]*Principal, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = c.LookupByToken(context.Background(), "a")
		}()
	}

	require.Eventually(t, func() bool {
		return backend.tokenCalls.Load() == 1
	}, time.Second, time.Millisecond)
	// give the other lookups time to join the running one
	time.Sleep(20 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	for _, p := range results {
		require.NotNil(t, p)
		assert.Equal(t, "user-a", p.UserID)
	}
	assert.Equal(t, int64(1), backend.tokenCalls.Load())
}

type blockingClient struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (c *blockingClient) wait(ctx context.Context) error {
	if c.calls.Add(1) == 1 {
		close(c.started)
	}

	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *blockingClient) LookupByToken(ctx context.Context, token string) (*Principal, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	return &Principal{UserID: "user-" + token}, nil
}

func (c *blockingClient) GetOrCreateAnonymousID(ctx context.Context, deviceID string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	return "anon-" + deviceID, nil
}

func TestCachedClientCanceledCallerDoesNotFailOthers(t *testing.T) {
	for _, tt := range []struct {
		name   string
		lookup func(*CachedClient, context.Context) (string, error)
		want   string
	}{{
		name: "anonymous",
		lookup: func(c *CachedClient, ctx context.Context) (string, error) {
			return c.GetOrCreateAnonymousID(ctx, "dev-1")
		},
		want: "anon-dev-1",
	}, {
		name: "token",
		lookup: func(c *CachedClient, ctx context.Context) (string, error) {
			p, err := c.LookupByToken(ctx, "a")
			if p == nil {
				return "", err
			}

			return p.UserID, err
		},
		want: "user-a",
	}} {
		t.Run(tt.name, func(t *testing.T) {
			backend := &blockingClient{started: make(chan struct{}), release: make(chan struct{})}
			c := NewCachedClient(backend, CacheOptions{
				TokenTTL:     time.Minute,
				AnonymousTTL: time.Minute,
				Timeout:      5 * time.Second,
				Metrics:      &metricstest.MockMetrics{},
			})
			defer c.Close()

			ctxA, cancelA := context.WithCancel(context.Background())
			errA := make(chan error, 1)
			go func() {
				_, err := tt.lookup(c, ctxA)
				errA <- err
			}()

			<-backend.started

			type result struct {
				value string
				err   error
			}
			resB := make(chan result, 1)
			go func() {
				v, err := tt.lookup(c, context.Background())
				resB <- result{v, err}
			}()

			// let the second caller join the running lookup
			time.Sleep(20 * time.Millisecond)
			cancelA()
			assert.ErrorIs(t, <-errA, context.Canceled)

			close(backend.release)

			select {
			case r := <-resB:
				require.NoError(t, r.err)
				assert.Equal(t, tt.want, r.value)
			case <-time.After(5 * time.Second):
				t.Fatal("timeout waiting for the second caller")
			}

			assert.Equal(t, int64(1), backend.calls.Load())
		})
	}
}

func TestCachedClientSharedLookupTimeout(t *testing.T) {
	backend := &blockingClient{started: make(chan struct{}), release: make(chan struct{})}
	c := NewCachedClient(backend, CacheOptions{AnonymousTTL: time.Minute, Timeout: 20 * time.Millisecond, Metrics: &metricstest.MockMetrics{}})
	defer c.Close()

	_, err := c.GetOrCreateAnonymousID(context.Background(), "dev-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
