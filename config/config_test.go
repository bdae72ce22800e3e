package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiolos/octopus"
	"github.com/aiolos/octopus/metrics"
	"github.com/aiolos/octopus/otel"
	"github.com/aiolos/octopus/ratelimit"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "octopus.yaml")
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
	return name
}

func TestEnvOverrides_SwarmRedisPassword(t *testing.T) {
	fromFile := writeConfigFile(t, `
ratelimit-backend: local
swarm-redis-password: set_from_file
`)

	for _, tt := range []struct {
		name string
		args []string
		env  string
		want string
	}{
		{
			name: "don't set redis password either from file nor environment",
			args: []string{"octopus", "-ratelimit-backend=local"},
			env:  "",
			want: "",
		},
		{
			name: "set redis password from environment",
			args: []string{"octopus", "-ratelimit-backend=local"},
			env:  "set_from_env",
			want: "set_from_env",
		},
		{
			name: "set redis password from config file and ignore environment",
			args: []string{"octopus", "-config-file=" + fromFile},
			env:  "set_from_env",
			want: "set_from_file",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(redisPasswordEnv, tt.env)

			cfg := NewConfig()
			require.NoError(t, cfg.ParseArgs(tt.args[0], tt.args[1:]))
			assert.Equal(t, tt.want, cfg.SwarmRedisPassword)
		})
	}
}

func TestEnvOverrides_SwarmValkeyPassword(t *testing.T) {
	t.Setenv(valkeyPasswordEnv, "set_from_env")

	cfg := NewConfig()
	require.NoError(t, cfg.ParseArgs("octopus", []string{"-ratelimit-backend=valkey", "-swarm-valkey-urls=valkey:6379"}))
	assert.Equal(t, "set_from_env", cfg.SwarmValkeyPassword)
}

func TestDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.ParseArgs("octopus", []string{"-swarm-redis-urls=redis-1:6379,redis-2:6379"}))

	o := cfg.ToOptions()
	assert.Equal(t, ":9090", o.Address)
	assert.Equal(t, ":9911", o.SupportListener)
	assert.Equal(t, log.InfoLevel, o.ApplicationLogLevel)
	assert.Equal(t, metrics.PrometheusKind, o.MetricsFlavour)
	assert.Equal(t, octopus.RatelimitBackendRedis, o.RatelimitBackend)
	assert.Equal(t, 2*time.Second, o.RatelimitTimeout)
	assert.Equal(t, ratelimit.DefaultPolicy(), o.RatelimitDefault)
	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, o.SwarmRedisURLs)
	assert.Equal(t, time.Second, o.IdentityTimeout)
	assert.Equal(t, 30*time.Second, o.IdentityTokenCacheTTL)
	assert.Equal(t, time.Hour, o.IdentityAnonymousCacheTTL)
	assert.Equal(t, "live-token", o.TokenCookie)
	assert.Equal(t, "X-Device-ID", o.DeviceHeader)
	assert.Equal(t, "device-id", o.DeviceCookie)
	assert.Equal(t, 168*time.Hour, o.DeviceCookieMaxAge)
	assert.Equal(t, 0, o.IdentityRejectStatus)
	assert.Equal(t, int64(8<<20), o.ApiDocsMaxBody)
	assert.Empty(t, o.TrustedProxies)
}

func TestConfigFile(t *testing.T) {
	name := writeConfigFile(t, `
address: :8080
environment: prod
application-log-level: DEBUG
ratelimit-backend: valkey
swarm-valkey-urls:
- valkey-1:6379
- valkey-2:6379
ratelimit-default-max-requests: 5
ratelimit-default-time-window: 1m
ratelimit-default-ban-time: 5m
identity-url: http://identity:8080
identity-reject-status: 401
trusted-proxies:
- 10.0.0.0/8
api-docs-service-prefix: live-
api-docs-gateway-id: live-gateway
open-telemetry:
  service-name: live-gateway
`)

	cfg := NewConfig()
	require.NoError(t, cfg.ParseArgs("octopus", []string{"-config-file=" + name, "-address=:7070"}))

	o := cfg.ToOptions()
	assert.Equal(t, ":7070", o.Address, "command line flags win over the file")
	assert.Equal(t, "prod", o.Environment)
	assert.Equal(t, log.DebugLevel, o.ApplicationLogLevel)
	assert.Equal(t, octopus.RatelimitBackendValkey, o.RatelimitBackend)

	if d := cmp.Diff([]string{"valkey-1:6379", "valkey-2:6379"}, o.SwarmValkeyURLs); d != "" {
		t.Errorf("unexpected valkey urls: %s", d)
	}

	assert.Equal(t, ratelimit.Policy{MaxRequests: 5, TimeWindow: time.Minute, BanTime: 5 * time.Minute}, o.RatelimitDefault)
	assert.Equal(t, "http://identity:8080", o.IdentityURL)
	assert.Equal(t, 401, o.IdentityRejectStatus)
	assert.Equal(t, []string{"10.0.0.0/8"}, o.TrustedProxies)
	assert.Equal(t, "live-", o.ApiDocsServicePrefix)
	assert.Equal(t, "live-gateway", o.ApiDocsGatewayID)
	assert.Equal(t, &otel.Options{ServiceName: "live-gateway"}, o.OpenTelemetry)
}

func TestOpenTelemetryFlag(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.ParseArgs("octopus", []string{"-ratelimit-backend=local"}))
	assert.Nil(t, cfg.ToOptions().OpenTelemetry, "tracing is disabled by default")

	cfg = NewConfig()
	require.NoError(t, cfg.ParseArgs("octopus", []string{"-ratelimit-backend=local", "-open-telemetry={service-name: octopus-eu}"}))
	assert.Equal(t, &otel.Options{ServiceName: "octopus-eu"}, cfg.ToOptions().OpenTelemetry)
}

func TestInvalidConfig(t *testing.T) {
	for _, tt := range []struct {
		name string
		args []string
	}{
		{"log level", []string{"-ratelimit-backend=local", "-application-log-level=LOUD"}},
		{"ratelimit backend", []string{"-ratelimit-backend=memcached"}},
		{"redis without urls", []string{"-ratelimit-backend=redis"}},
		{"valkey without urls", []string{"-ratelimit-backend=valkey"}},
		{"default policy", []string{"-ratelimit-backend=local", "-ratelimit-default-max-requests=0"}},
		{"default time window", []string{"-ratelimit-backend=local", "-ratelimit-default-time-window=10ms"}},
		{"reject status", []string{"-ratelimit-backend=local", "-identity-reject-status=302"}},
		{"trusted proxies", []string{"-ratelimit-backend=local", "-trusted-proxies=10.0.0.0/88"}},
		{"positional arguments", []string{"-ratelimit-backend=local", "extra"}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			assert.Error(t, cfg.ParseArgs("octopus", tt.args))
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	cfg := NewConfig()
	err := cfg.ParseArgs("octopus", []string{"-config-file=" + filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorContains(t, err, "invalid config file")
}
