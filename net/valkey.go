package net

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	xxhash "github.com/cespare/xxhash/v2"
	"github.com/valkey-io/valkey-go"

	"github.com/aiolos/octopus/logging"
	"github.com/aiolos/octopus/metrics"
)

const ringSize = 10000

// ValkeyOptions is used to configure the ValkeyClient
//
// Many options are named like
// https://pkg.go.dev/github.com/valkey-io/valkey-go#ClientOption,
// which we pass to the valkey.Client on creation
type ValkeyOptions struct {
	// Addrs are the list of valkey shards
	Addrs []string

	// Username used to connect to the Valkey server
	Username string
	// Password is the password needed to connect to Valkey server
	Password string

	// ConnWriteTimeout for valkey socket read,write,dial timeouts https://pkg.go.dev/github.com/valkey-io/valkey-go#ClientOption
	ConnWriteTimeout time.Duration

	// ConnLifetime connections will close after passing lifetime, see https://pkg.go.dev/github.com/valkey-io/valkey-go#ClientOption
	ConnLifetime time.Duration

	// Metrics collector
	Metrics metrics.Metrics
	// MetricsPrefix is the prefix for valkey ring client metrics,
	// defaults to "swarm.valkey." if not set
	MetricsPrefix string
	// Log is the logger that is used
	Log logging.Logger
}

func createValkeyClient(addr string, opt *ValkeyOptions) (valkey.Client, error) {
	return valkey.NewClient(valkey.ClientOption{
		Username:    opt.Username,
		Password:    opt.Password,
		InitAddress: []string{addr},

		ConnWriteTimeout: opt.ConnWriteTimeout, // Write,Read,Dial Timeout is the same
		ConnLifetime:     opt.ConnLifetime,

		MaxFlushDelay: 20 * time.Microsecond, // reduce CPU load without much impact, ref: https://github.com/redis/rueidis/issues/156

		DisableRetry: true,
	})
}

type valkeyRing struct {
	// maps int to client for sharding, trades memory for concurrent access
	shards       [ringSize]valkey.Client
	activeShards int

	// clientMap is used for Ping operations and Close
	mu        sync.Mutex
	clientMap map[string]valkey.Client // map["10.5.1.43:6379"]valkey.Client
}

func newValkeyRing(opt *ValkeyOptions) (*valkeyRing, error) {
	ring := &valkeyRing{
		clientMap: make(map[string]valkey.Client),
	}
	for _, ep := range opt.Addrs {
		cl, err := createValkeyClient(ep, opt)
		if err != nil {
			ring.close()
			return nil, fmt.Errorf("failed to create valkey client for %s: %w", ep, err)
		}
		ring.clientMap[ep] = cl
	}

	ring.updateShards(opt.Addrs)
	return ring, nil
}

// updateShards assigns the ring slots in the order of the configured
// addresses, so that all instances agree on the shard of a key.
func (vr *valkeyRing) updateShards(addr []string) {
	if len(addr) == 0 {
		return
	}

	cur := -1
	shardSize := computeShardSize(len(addr))
	for i := range ringSize {
		if i%shardSize == 0 {
			cur++
		}
		vr.shards[i] = vr.clientMap[addr[cur]]
	}
	vr.activeShards = cur + 1
}

func (vr *valkeyRing) shardForKey(key string) valkey.Client {
	return vr.shards[xxhash.Sum64String(key)%ringSize]
}

func (vr *valkeyRing) pingAll(ctx context.Context) map[string]error {
	res := make(map[string]error)
	vr.mu.Lock()
	defer vr.mu.Unlock()
	for k, shard := range vr.clientMap {
		res[k] = shard.Do(ctx, shard.B().Ping().Build()).Error()
	}
	return res
}

func (vr *valkeyRing) close() {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	for _, cli := range vr.clientMap {
		cli.Close()
	}
}

// ValkeyClient is a wrapper around valkey.Client that does access a
// valkey shard by computing a ring hash of the keys. It logs to the
// logging.Logger interface, that you can pass.
type ValkeyClient struct {
	ring          *valkeyRing
	log           logging.Logger
	metrics       metrics.Metrics
	metricsPrefix string
	once          sync.Once
}

func NewValkeyClient(opt *ValkeyOptions) (*ValkeyClient, error) {
	if opt == nil {
		opt = &ValkeyOptions{}
	}
	if len(opt.Addrs) == 0 {
		return nil, errors.New("no valkey address")
	}
	if opt.Log == nil {
		opt.Log = logging.New()
	}
	if opt.Metrics == nil {
		opt.Metrics = metrics.Default
	}
	if opt.MetricsPrefix == "" {
		opt.MetricsPrefix = "swarm.valkey."
	}

	ring, err := newValkeyRing(opt)
	if err != nil {
		return nil, err
	}

	vc := &ValkeyClient{
		ring:          ring,
		log:           opt.Log,
		metrics:       opt.Metrics,
		metricsPrefix: opt.MetricsPrefix,
	}

	vc.metrics.UpdateGauge(vc.metricsPrefix+"shards", float64(ring.activeShards))
	return vc, nil
}

// Available pings all shards, and retries with exponential backoff
// when one of them fails.
func (vc *ValkeyClient) Available(ctx context.Context) bool {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := vc.PingAll(ctx)
		if err != nil {
			vc.log.Infof("Failed to ping valkey, retry with backoff: %v", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(availableMaxTries))

	return err == nil
}

// PingAll pings all known shards, and returns the first error.
func (vc *ValkeyClient) PingAll(ctx context.Context) error {
	for addr, err := range vc.ring.pingAll(ctx) {
		if err != nil {
			return fmt.Errorf("failed to ping valkey shard %s: %w", addr, err)
		}
	}
	return nil
}

// RunScript runs the script on the shard owning the keys.
func (vc *ValkeyClient) RunScript(ctx context.Context, script *valkey.Lua, keys []string, args ...string) (valkey.ValkeyMessage, error) {
	shard := vc.ring.shardForKey(strings.Join(keys, ""))
	return script.Exec(ctx, shard, keys, args).ToMessage()
}

func (vc *ValkeyClient) Close() error {
	vc.once.Do(vc.ring.close)
	return nil
}

func NewScript(src string) *valkey.Lua {
	return valkey.NewLuaScript(src)
}

func computeShardSize(i int) int {
	if i == 0 {
		return ringSize
	}
	return int(math.Ceil(float64(ringSize) / float64(i)))
}
