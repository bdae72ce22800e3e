package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiolos/octopus/filters"
	"github.com/aiolos/octopus/filters/filtertest"
	"github.com/aiolos/octopus/metrics/metricstest"
	"github.com/aiolos/octopus/policy"
	"github.com/aiolos/octopus/ratelimit"
)

const testPolicy = `
rate-limit:
  services:
  - id: billing
    default-config:
      max-requests: 3
      time-window: 10
      ban-time: 30
    interfaces:
    - path: /billing/export
      max-requests: 1
whitelist:
  services:
  - id: billing
    urls:
    - /billing/public
`

func newStore(t *testing.T) *policy.Store {
	t.Helper()
	s, err := policy.Parse([]byte(testPolicy))
	require.NoError(t, err)
	return policy.NewStore(s)
}

func newContext(serviceID, path, ip string) *filtertest.Context {
	return &filtertest.Context{
		FRequest:   httptest.NewRequest("GET", "http://gateway"+path, nil),
		FServiceID: serviceID,
		FClientIP:  netip.MustParseAddr(ip),
	}
}

func newFilter(t *testing.T, l ratelimit.Limiter, m *metricstest.MockMetrics) filters.GlobalFilter {
	t.Helper()
	if m == nil {
		m = &metricstest.MockMetrics{}
	}

	f, err := New(Options{
		Limiter:  l,
		Policies: newStore(t),
		Timeout:  50 * time.Millisecond,
		Metrics:  m,
	})
	require.NoError(t, err)
	return f
}

func TestNewErrors(t *testing.T) {
	_, err := New(Options{Policies: policy.NewStore(nil)})
	assert.ErrorIs(t, err, filters.ErrInvalidFilterParameters)

	_, err = New(Options{Limiter: ratelimit.NewLocalLimiter(nil)})
	assert.ErrorIs(t, err, filters.ErrInvalidFilterParameters)

	_, err = New(Options{
		Limiter:  ratelimit.NewLocalLimiter(nil),
		Policies: policy.NewStore(nil),
		Default:  ratelimit.Policy{MaxRequests: -1},
	})
	assert.ErrorIs(t, err, filters.ErrInvalidFilterParameters)
}

func TestNameAndOrder(t *testing.T) {
	f := newFilter(t, ratelimit.NewLocalLimiter(nil), nil)
	assert.Equal(t, filters.RatelimitName, f.Name())
	assert.Equal(t, filters.RatelimitOrder, f.Order())
}

func TestDenied(t *testing.T) {
	m := &metricstest.MockMetrics{}
	f := newFilter(t, ratelimit.NewLocalLimiter(nil), m)

	for i := 1; i <= 3; i++ {
		ctx := newContext("billing", "/billing/orders", "192.0.2.1")
		f.Request(ctx)
		require.False(t, ctx.Served(), "request %d", i)
	}

	ctx := newContext("billing", "/billing/orders", "192.0.2.1")
	f.Request(ctx)
	require.True(t, ctx.Served())

	rsp := ctx.Response()
	assert.Equal(t, http.StatusTooManyRequests, rsp.StatusCode)
	assert.Equal(t, "30", rsp.Header.Get("Retry-After"))
	assert.Equal(t, "application/json", rsp.Header.Get("Content-Type"))

	var body filters.ErrorBody
	require.NoError(t, json.NewDecoder(rsp.Body).Decode(&body))
	assert.Equal(t, http.StatusTooManyRequests, body.Code)
	assert.NotEmpty(t, body.Message)

	assert.Equal(t, int64(3), m.Counter("ratelimit.allowed.billing"))
	assert.Equal(t, int64(1), m.Counter("ratelimit.denied.billing"))

	// other clients and paths have their own windows
	other := newContext("billing", "/billing/orders", "192.0.2.2")
	f.Request(other)
	assert.False(t, other.Served())

	otherPath := newContext("billing", "/billing/customers", "192.0.2.1")
	f.Request(otherPath)
	assert.False(t, otherPath.Served())
}

func TestInterfacePolicy(t *testing.T) {
	f := newFilter(t, ratelimit.NewLocalLimiter(nil), nil)

	ctx := newContext("billing", "/billing/export", "192.0.2.1")
	f.Request(ctx)
	assert.False(t, ctx.Served())

	ctx = newContext("billing", "/billing/export", "192.0.2.1")
	f.Request(ctx)
	require.True(t, ctx.Served())
	// ban time comes from the service default
	assert.Equal(t, "30", ctx.Response().Header.Get("Retry-After"))
}

func TestUnknownServiceUsesGlobalPolicy(t *testing.T) {
	var got ratelimit.Policy
	l := ratelimit.LimiterFunc(func(_ context.Context, _ string, p ratelimit.Policy) (bool, error) {
		got = p
		return true, nil
	})

	f := newFilter(t, l, nil)
	ctx := newContext("orders", "/orders", "192.0.2.1")
	f.Request(ctx)

	assert.False(t, ctx.Served())
	assert.Equal(t, ratelimit.DefaultPolicy(), got)
}

func TestNotLimited(t *testing.T) {
	called := false
	l := ratelimit.LimiterFunc(func(context.Context, string, ratelimit.Policy) (bool, error) {
		called = true
		return false, nil
	})

	m := &metricstest.MockMetrics{}
	f := newFilter(t, l, m)

	for _, ctx := range []*filtertest.Context{
		newContext("", "/billing/orders", "192.0.2.1"),
		newContext("billing", "/billing/public/terms", "192.0.2.1"),
	} {
		f.Request(ctx)
		assert.False(t, ctx.Served())
	}

	assert.False(t, called, "limiter must not be called")
	assert.Equal(t, int64(1), m.Counter("ratelimit.bypass.billing"))
}

func TestKey(t *testing.T) {
	var key string
	l := ratelimit.LimiterFunc(func(_ context.Context, k string, _ ratelimit.Policy) (bool, error) {
		key = k
		return true, nil
	})

	f := newFilter(t, l, nil)

	f.Request(newContext("billing", "/billing/orders", "2001:db8::1"))
	assert.Equal(t, "rate-limit:/billing/orders:2001:db8::1", key)

	f.Request(&filtertest.Context{
		FRequest:   httptest.NewRequest("GET", "http://gateway/billing/orders", nil),
		FServiceID: "billing",
	})
	assert.Equal(t, "rate-limit:/billing/orders:unknown", key)
}

func TestFailOpen(t *testing.T) {
	for _, tt := range []struct {
		name    string
		limiter ratelimit.Limiter
	}{{
		name: "store error",
		limiter: ratelimit.LimiterFunc(func(context.Context, string, ratelimit.Policy) (bool, error) {
			return false, errors.New("connection refused")
		}),
	}, {
		name: "timeout",
		limiter: ratelimit.LimiterFunc(func(ctx context.Context, _ string, _ ratelimit.Policy) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		}),
	}} {
		t.Run(tt.name, func(t *testing.T) {
			m := &metricstest.MockMetrics{}
			f := newFilter(t, tt.limiter, m)

			ctx := newContext("billing", "/billing/orders", "192.0.2.1")
			start := time.Now()
			f.Request(ctx)

			assert.False(t, ctx.Served())
			assert.Less(t, time.Since(start), time.Second)
			assert.Equal(t, int64(1), m.Counter("ratelimit.failures"))
		})
	}
}

func TestResponseIsNoop(t *testing.T) {
	f := newFilter(t, ratelimit.NewLocalLimiter(nil), nil)
	rsp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(nil)}
	ctx := &filtertest.Context{FResponse: rsp}

	f.Response(ctx)
	assert.Same(t, rsp, ctx.Response())
}
