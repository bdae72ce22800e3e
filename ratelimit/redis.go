package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiolos/octopus/metrics"
)

const (
	redisMetricsPrefix       = "swarm.redis."
	redisAllowMetricsFormat  = redisMetricsPrefix + "query.allow.%s"
	valkeyMetricsPrefix      = "swarm.valkey."
	valkeyAllowMetricsFormat = valkeyMetricsPrefix + "query.allow.%s"
)

// RedisScripter runs scripts on a redis ring, implemented by
// net.RedisClient.
type RedisScripter interface {
	RunScript(ctx context.Context, s *redis.Script, keys []string, args ...any) (any, error)
}

// RedisLimiter runs the fixed window script on the shard owning the
// key. The script makes the ban check, the increment, the expiry and
// the ban indivisible for concurrent callers.
type RedisLimiter struct {
	client  RedisScripter
	script  *redis.Script
	metrics metrics.Metrics
}

var _ Limiter = (*RedisLimiter)(nil)

func NewRedisLimiter(client RedisScripter, m metrics.Metrics) *RedisLimiter {
	if m == nil {
		m = metrics.Default
	}

	return &RedisLimiter{
		client:  client,
		script:  redis.NewScript(fixedWindowScript),
		metrics: m,
	}
}

func measureQuery(m metrics.Metrics, format string, fail *bool, start time.Time) {
	result := "success"
	if fail != nil && *fail {
		result = "failure"
	}

	m.MeasureSince(fmt.Sprintf(format, result), start)
}

func (l *RedisLimiter) Admit(ctx context.Context, key string, p Policy) (bool, error) {
	l.metrics.IncCounter(redisMetricsPrefix + "total")

	var queryFailure bool
	defer measureQuery(l.metrics, redisAllowMetricsFormat, &queryFailure, time.Now())

	args := p.scriptArgs()
	res, err := l.client.RunScript(ctx, l.script, []string{key}, args[0], args[1], args[2])
	if err != nil {
		queryFailure = true
		return true, fmt.Errorf("failed to run rate limit script for %s: %w", key, err)
	}

	denied, ok := res.(int64)
	if !ok {
		queryFailure = true
		return true, fmt.Errorf("unexpected rate limit script result for %s: %v", key, res)
	}

	return denied == 0, nil
}
