package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/aiolos/octopus/metrics"
)

// ValkeyScripter runs scripts on a valkey ring, implemented by
// net.ValkeyClient.
type ValkeyScripter interface {
	RunScript(ctx context.Context, script *valkey.Lua, keys []string, args ...string) (valkey.ValkeyMessage, error)
}

// ValkeyLimiter runs the same fixed window script as RedisLimiter
// through the valkey client.
type ValkeyLimiter struct {
	client  ValkeyScripter
	script  *valkey.Lua
	metrics metrics.Metrics
}

var _ Limiter = (*ValkeyLimiter)(nil)

func NewValkeyLimiter(client ValkeyScripter, m metrics.Metrics) *ValkeyLimiter {
	if m == nil {
		m = metrics.Default
	}

	return &ValkeyLimiter{
		client:  client,
		script:  valkey.NewLuaScript(fixedWindowScript),
		metrics: m,
	}
}

func (l *ValkeyLimiter) Admit(ctx context.Context, key string, p Policy) (bool, error) {
	l.metrics.IncCounter(valkeyMetricsPrefix + "total")

	var queryFailure bool
	defer measureQuery(l.metrics, valkeyAllowMetricsFormat, &queryFailure, time.Now())

	msg, err := l.client.RunScript(ctx, l.script, []string{key}, p.scriptArgs()...)
	if err != nil {
		queryFailure = true
		return true, fmt.Errorf("failed to run rate limit script for %s: %w", key, err)
	}

	denied, err := msg.AsInt64()
	if err != nil {
		queryFailure = true
		return true, fmt.Errorf("unexpected rate limit script result for %s: %w", key, err)
	}

	return denied == 0, nil
}
