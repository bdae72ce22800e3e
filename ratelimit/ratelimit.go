package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// RetryAfterHeader is name of the header which will be used to indicate how
	// long a client should wait before making a new request
	RetryAfterHeader = "Retry-After"

	// DefaultMaxRequests, DefaultTimeWindow and DefaultBanTime make up
	// the global policy, used when no service config is found.
	DefaultMaxRequests = 100
	DefaultTimeWindow  = 10 * time.Second
	DefaultBanTime     = 60 * time.Second

	keyPrefix     = "rate-limit:"
	counterSuffix = ":counter"
	lockSuffix    = ":lock"
)

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

//go:embed fixedwindow.lua
var fixedWindowScript string

// Policy configures the fixed window of a key: at most MaxRequests
// within TimeWindow. The request exceeding the limit bans the key for
// BanTime.
type Policy struct {
	MaxRequests int
	TimeWindow  time.Duration
	BanTime     time.Duration
}

// DefaultPolicy returns the global default policy, 100 requests in 10
// seconds and a ban of 60 seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxRequests: DefaultMaxRequests,
		TimeWindow:  DefaultTimeWindow,
		BanTime:     DefaultBanTime,
	}
}

// Validate checks that all fields are positive, and the durations are
// at least one second, the resolution of the counter store.
func (p Policy) Validate() error {
	switch {
	case p.MaxRequests <= 0:
		return fmt.Errorf("%w: max requests %d", ErrInvalidPolicy, p.MaxRequests)
	case p.TimeWindow < time.Second:
		return fmt.Errorf("%w: time window %s", ErrInvalidPolicy, p.TimeWindow)
	case p.BanTime < time.Second:
		return fmt.Errorf("%w: ban time %s", ErrInvalidPolicy, p.BanTime)
	}

	return nil
}

func (p Policy) String() string {
	return fmt.Sprintf("ratelimit(max-requests=%d,time-window=%s,ban-time=%s)", p.MaxRequests, p.TimeWindow, p.BanTime)
}

func (p Policy) scriptArgs() []string {
	return []string{
		fmt.Sprint(p.MaxRequests),
		fmt.Sprint(seconds(p.TimeWindow)),
		fmt.Sprint(seconds(p.BanTime)),
	}
}

// seconds rounds up to whole seconds, the store expiry resolution.
func seconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Key returns the rate limit key of a path requested from a client
// address.
func Key(path, ip string) string {
	return keyPrefix + path + ":" + ip
}

// Limiter decides atomically whether a request for a key is admitted.
//
// Admit returns false when the key is banned or the request exceeds
// the window of the policy. An error means that no decision could be
// made, callers are expected to fail open.
type Limiter interface {
	Admit(ctx context.Context, key string, p Policy) (bool, error)
}

// LimiterFunc adapts a function to the Limiter interface.
type LimiterFunc func(ctx context.Context, key string, p Policy) (bool, error)

func (f LimiterFunc) Admit(ctx context.Context, key string, p Policy) (bool, error) {
	return f(ctx, key, p)
}
