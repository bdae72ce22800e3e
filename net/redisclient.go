package net

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/aiolos/octopus/logging"
	"github.com/aiolos/octopus/metrics"
)

// RedisOptions is used to configure the redis.Ring
type RedisOptions struct {
	// Addrs are the list of redis shards
	Addrs []string
	// Password is the password needed to connect to Redis server
	Password string

	// ReadTimeout for redis socket reads
	ReadTimeout time.Duration
	// WriteTimeout for redis socket writes
	WriteTimeout time.Duration
	// DialTimeout is the max time.Duration to dial a new connection
	DialTimeout time.Duration

	// PoolTimeout is the max time.Duration to get a connection from pool
	PoolTimeout time.Duration
	// MinIdleConns is the minimum number of socket connections to redis
	MinIdleConns int
	// MaxIdleConns is the maximum number of socket connections to redis
	MaxIdleConns int

	// HeartbeatFrequency frequency of PING commands sent to check
	// shards availability.
	HeartbeatFrequency time.Duration

	// ConnMetricsInterval defines the frequency of updating the redis
	// connection related metrics. Defaults to 60 seconds.
	ConnMetricsInterval time.Duration
	// MetricsPrefix is the prefix for redis ring client metrics,
	// defaults to "swarm.redis." if not set
	MetricsPrefix string
	// Metrics collector, defaults to metrics.Default
	Metrics metrics.Metrics
	// Log is the logger that is used
	Log logging.Logger
}

// RedisClient is a wrapper around redis.Ring, the shards are selected
// by consistent hashing of the keys. Script execution is the only data
// operation, that is what the rate limiter needs.
type RedisClient struct {
	ring          *redis.Ring
	log           logging.Logger
	metrics       metrics.Metrics
	metricsPrefix string
	options       *RedisOptions
	quit          chan struct{}
	once          sync.Once
}

const (
	DefaultReadTimeout  = 25 * time.Millisecond
	DefaultWriteTimeout = 25 * time.Millisecond
	DefaultPoolTimeout  = 25 * time.Millisecond
	DefaultDialTimeout  = 25 * time.Millisecond
	DefaultMinConns     = 100
	DefaultMaxConns     = 100

	defaultConnMetricsInterval = 60 * time.Second
	defaultRedisMetricsPrefix  = "swarm.redis."
	availableMaxTries          = 7
)

func NewRedisClient(ro *RedisOptions) *RedisClient {
	if ro == nil {
		ro = &RedisOptions{}
	}

	ringOptions := &redis.RingOptions{
		Addrs:              map[string]string{},
		Password:           ro.Password,
		ReadTimeout:        ro.ReadTimeout,
		WriteTimeout:       ro.WriteTimeout,
		PoolTimeout:        ro.PoolTimeout,
		DialTimeout:        ro.DialTimeout,
		MinIdleConns:       ro.MinIdleConns,
		PoolSize:           ro.MaxIdleConns,
		HeartbeatFrequency: ro.HeartbeatFrequency,
		DisableIdentity:    true,
	}

	for idx, addr := range ro.Addrs {
		ringOptions.Addrs[fmt.Sprintf("redis%d", idx)] = addr
	}

	if ro.ConnMetricsInterval <= 0 {
		ro.ConnMetricsInterval = defaultConnMetricsInterval
	}
	if ro.MetricsPrefix == "" {
		ro.MetricsPrefix = defaultRedisMetricsPrefix
	}
	if ro.Metrics == nil {
		ro.Metrics = metrics.Default
	}
	if ro.Log == nil {
		ro.Log = logging.New()
	}

	return &RedisClient{
		ring:          redis.NewRing(ringOptions),
		log:           ro.Log,
		metrics:       ro.Metrics,
		metricsPrefix: ro.MetricsPrefix,
		options:       ro,
		quit:          make(chan struct{}),
	}
}

// Available pings the ring, and retries with exponential backoff
// when it fails.
func (r *RedisClient) Available(ctx context.Context) bool {
	_, err := backoff.Retry(ctx, func() (string, error) {
		res, err := r.ring.Ping(ctx).Result()
		if err != nil {
			r.log.Infof("Failed to ping redis, retry with backoff: %v", err)
		}
		return res, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(availableMaxTries))

	return err == nil
}

// StartMetricsCollection updates the connection pool gauges every
// ConnMetricsInterval, until the client is closed.
func (r *RedisClient) StartMetricsCollection() {
	go func() {
		ticker := time.NewTicker(r.options.ConnMetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := r.ring.PoolStats()
				r.metrics.UpdateGauge(r.metricsPrefix+"hits", float64(stats.Hits))
				r.metrics.UpdateGauge(r.metricsPrefix+"idleconns", float64(stats.IdleConns))
				r.metrics.UpdateGauge(r.metricsPrefix+"misses", float64(stats.Misses))
				r.metrics.UpdateGauge(r.metricsPrefix+"staleconns", float64(stats.StaleConns))
				r.metrics.UpdateGauge(r.metricsPrefix+"timeouts", float64(stats.Timeouts))
				r.metrics.UpdateGauge(r.metricsPrefix+"totalconns", float64(stats.TotalConns))
			case <-r.quit:
				return
			}
		}
	}()
}

func (r *RedisClient) NewScript(source string) *redis.Script {
	return redis.NewScript(source)
}

// RunScript runs the script atomically on the shard owning the first
// key. The script is loaded on demand, when the shard does not know its
// hash yet.
func (r *RedisClient) RunScript(ctx context.Context, s *redis.Script, keys []string, args ...any) (any, error) {
	return s.Run(ctx, r.ring, keys, args...).Result()
}

func (r *RedisClient) Close() error {
	var err error
	r.once.Do(func() {
		close(r.quit)
		err = r.ring.Close()
	})
	return err
}
