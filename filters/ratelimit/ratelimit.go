/*
Package ratelimit provides the global rate limit filter.

The filter limits the requests of a client address to a path, with the
policy resolved from the configuration of the routed service. Requests
without a routed service, and the requests to the whitelisted urls of a
service, are not limited.

A denied request is served with the status 429, a JSON error body and
the Retry-After header set to the ban time. When the limiter fails or
does not decide within the timeout, the request is allowed.

For the limiter implementations, see https://pkg.go.dev/github.com/aiolos/octopus/ratelimit.
*/
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/aiolos/octopus/filters"
	"github.com/aiolos/octopus/metrics"
	"github.com/aiolos/octopus/policy"
	"github.com/aiolos/octopus/ratelimit"
)

const (
	// DefaultTimeout bounds a single limiter call.
	DefaultTimeout = 2 * time.Second

	deniedMessage = "Too many requests, please try again later"

	failuresKey = "ratelimit.failures"
	deniedKey   = "ratelimit.denied.%s"
	allowedKey  = "ratelimit.allowed.%s"
	bypassKey   = "ratelimit.bypass.%s"
)

// PolicySource provides the current configuration snapshot, implemented
// by policy.Store.
type PolicySource interface {
	Get() *policy.Snapshot
}

// Options configure the rate limit filter.
type Options struct {
	Limiter  ratelimit.Limiter
	Policies PolicySource

	// Default is the global policy, used for the fields that no service
	// config sets. Zero means ratelimit.DefaultPolicy().
	Default ratelimit.Policy

	// Timeout of a limiter call, defaults to DefaultTimeout.
	Timeout time.Duration

	Metrics metrics.Metrics
}

type filter struct {
	limiter   ratelimit.Limiter
	policies  PolicySource
	defaults  ratelimit.Policy
	timeout   time.Duration
	metrics   metrics.Metrics
	sometimes rate.Sometimes
}

// New creates the rate limit filter.
func New(o Options) (filters.GlobalFilter, error) {
	if o.Limiter == nil || o.Policies == nil {
		return nil, fmt.Errorf("%w: ratelimit needs a limiter and a policy source", filters.ErrInvalidFilterParameters)
	}

	if o.Default == (ratelimit.Policy{}) {
		o.Default = ratelimit.DefaultPolicy()
	}

	if err := o.Default.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", filters.ErrInvalidFilterParameters, err)
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	return &filter{
		limiter:   o.Limiter,
		policies:  o.Policies,
		defaults:  o.Default,
		timeout:   o.Timeout,
		metrics:   o.Metrics,
		sometimes: rate.Sometimes{First: 3, Interval: time.Second},
	}, nil
}

func (*filter) Name() string { return filters.RatelimitName }
func (*filter) Order() int   { return filters.RatelimitOrder }

func clientKey(ctx filters.FilterContext) string {
	if ip := ctx.ClientIP(); ip.IsValid() {
		return ip.String()
	}

	return "unknown"
}

func retryAfter(d time.Duration) string {
	return fmt.Sprint(int64(math.Ceil(d.Seconds())))
}

func (f *filter) Request(ctx filters.FilterContext) {
	serviceID := ctx.ServiceID()
	if serviceID == "" {
		return
	}

	path := ctx.Request().URL.Path
	snapshot := f.policies.Get()
	if snapshot.Whitelist(serviceID).Bypass(path) {
		f.metrics.IncCounter(fmt.Sprintf(bypassKey, serviceID))
		return
	}

	p := snapshot.RateLimitPolicy(serviceID, path, f.defaults)
	key := ratelimit.Key(path, clientKey(ctx))

	c, cancel := context.WithTimeout(ctx.Request().Context(), f.timeout)
	defer cancel()

	allowed, err := f.limiter.Admit(c, key, p)
	if err != nil {
		f.metrics.IncCounter(failuresKey)
		f.sometimes.Do(func() {
			log.Errorf("Failed to check rate limit of %s, allowing the request: %v", key, err)
		})
		return
	}

	if allowed {
		f.metrics.IncCounter(fmt.Sprintf(allowedKey, serviceID))
		return
	}

	f.metrics.IncCounter(fmt.Sprintf(deniedKey, serviceID))
	log.Debugf("Rate limit exceeded for %s with %s", key, p)

	rsp := filters.ErrorResponse(http.StatusTooManyRequests, deniedMessage)
	rsp.Header.Set(ratelimit.RetryAfterHeader, retryAfter(p.BanTime))
	ctx.Serve(rsp)
}

func (*filter) Response(filters.FilterContext) {}
