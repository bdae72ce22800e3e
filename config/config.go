package config

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/aiolos/octopus"
	"github.com/aiolos/octopus/filters/auth"
	ratelimitfilter "github.com/aiolos/octopus/filters/ratelimit"
	"github.com/aiolos/octopus/identity"
	"github.com/aiolos/octopus/metrics"
	"github.com/aiolos/octopus/net"
	"github.com/aiolos/octopus/otel"
	"github.com/aiolos/octopus/ratelimit"
)

const (
	redisPasswordEnv  = "OCTOPUS_REDIS_PASSWORD"
	valkeyPasswordEnv = "OCTOPUS_VALKEY_PASSWORD"

	defaultApiDocsMaxBody = 8 << 20
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// generic:
	Address            string        `yaml:"address"`
	SupportListener    string        `yaml:"support-listener"`
	PolicyFile         string        `yaml:"policy-file"`
	PolicyPollInterval time.Duration `yaml:"policy-poll-interval"`
	Environment        string        `yaml:"environment"`
	BackendTimeout     time.Duration `yaml:"backend-timeout"`
	ProxyPreserveHost  bool          `yaml:"proxy-preserve-host"`
	ShutdownTimeout    time.Duration `yaml:"shutdown-timeout"`
	TrustedProxies     *listFlag     `yaml:"trusted-proxies"`

	// logging:
	ApplicationLogLevel       log.Level `yaml:"-"`
	ApplicationLogLevelString string    `yaml:"application-log-level"`
	ApplicationLogPrefix      string    `yaml:"application-log-prefix"`
	ApplicationLogJSONEnabled bool      `yaml:"application-log-json-enabled"`
	AccessLogDisabled         bool      `yaml:"access-log-disabled"`
	AccessLogJSONEnabled      bool      `yaml:"access-log-json-enabled"`

	// metrics:
	MetricsFlavour       *listFlag `yaml:"metrics-flavour"`
	MetricsPrefix        string    `yaml:"metrics-prefix"`
	EnableRuntimeMetrics bool      `yaml:"runtime-metrics"`

	// tracing:
	OpenTelemetry *otel.Options `yaml:"open-telemetry"`

	// rate limit:
	RatelimitBackend            string        `yaml:"ratelimit-backend"`
	RatelimitTimeout            time.Duration `yaml:"ratelimit-timeout"`
	RatelimitDefaultMaxRequests int           `yaml:"ratelimit-default-max-requests"`
	RatelimitDefaultTimeWindow  time.Duration `yaml:"ratelimit-default-time-window"`
	RatelimitDefaultBanTime     time.Duration `yaml:"ratelimit-default-ban-time"`

	SwarmRedisURLs         *listFlag     `yaml:"swarm-redis-urls"`
	SwarmRedisPassword     string        `yaml:"swarm-redis-password"`
	SwarmRedisDialTimeout  time.Duration `yaml:"swarm-redis-dial-timeout"`
	SwarmRedisReadTimeout  time.Duration `yaml:"swarm-redis-read-timeout"`
	SwarmRedisWriteTimeout time.Duration `yaml:"swarm-redis-write-timeout"`
	SwarmRedisPoolTimeout  time.Duration `yaml:"swarm-redis-pool-timeout"`
	SwarmRedisMinConns     int           `yaml:"swarm-redis-min-conns"`
	SwarmRedisMaxConns     int           `yaml:"swarm-redis-max-conns"`

	SwarmValkeyURLs     *listFlag `yaml:"swarm-valkey-urls"`
	SwarmValkeyPassword string    `yaml:"swarm-valkey-password"`

	// identity:
	IdentityURL               string        `yaml:"identity-url"`
	IdentityTimeout           time.Duration `yaml:"identity-timeout"`
	IdentityTokenCacheTTL     time.Duration `yaml:"identity-token-cache-ttl"`
	IdentityAnonymousCacheTTL time.Duration `yaml:"identity-anonymous-cache-ttl"`
	IdentityCacheSize         int           `yaml:"identity-cache-size"`
	IdentityRejectStatus      int           `yaml:"identity-reject-status"`
	TokenCookie               string        `yaml:"token-cookie"`
	DeviceHeader              string        `yaml:"device-header"`
	DeviceCookie              string        `yaml:"device-cookie"`
	DeviceCookieDomain        string        `yaml:"device-cookie-domain"`
	DeviceCookieMaxAge        time.Duration `yaml:"device-cookie-max-age"`

	// documentation:
	ApiDocsMaxBody       int64  `yaml:"api-docs-max-body"`
	ApiDocsServicePrefix string `yaml:"api-docs-service-prefix"`
	ApiDocsGatewayID     string `yaml:"api-docs-gateway-id"`
}

func NewConfig() *Config {
	cfg := new(Config)
	cfg.TrustedProxies = commaListFlag()
	cfg.MetricsFlavour = commaListFlag("codahale", "prometheus")
	cfg.SwarmRedisURLs = commaListFlag()
	cfg.SwarmValkeyURLs = commaListFlag()

	flag := flag.NewFlagSet("", flag.ExitOnError)
	flag.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values on the file (yaml)")

	// generic:
	flag.StringVar(&cfg.Address, "address", ":9090", "network address that the gateway should listen on")
	flag.StringVar(&cfg.SupportListener, "support-listener", ":9911", "network address used for exposing the /metrics and /healthz endpoints. An empty value disables support endpoint.")
	flag.StringVar(&cfg.PolicyFile, "policy-file", "", "YAML file with the routes, the rate limit and the whitelist configuration of the services")
	flag.DurationVar(&cfg.PolicyPollInterval, "policy-poll-interval", 3*time.Second, "interval of checking the policy file for changes")
	flag.StringVar(&cfg.Environment, "environment", "", `deployment environment, "prod" sets the Secure attribute of the device cookie`)
	flag.DurationVar(&cfg.BackendTimeout, "backend-timeout", time.Minute, "timeout of the backend connections and response headers")
	flag.BoolVar(&cfg.ProxyPreserveHost, "proxy-preserve-host", false, "flag indicating to preserve the incoming request 'Host' header in the outgoing requests")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "time to wait for the open connections on shutdown")
	flag.Var(cfg.TrustedProxies, "trusted-proxies", "comma separated list of CIDRs of the proxies whose X-Forwarded-For header is used to find the client address")

	// logging:
	flag.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", "INFO", "log level for application logs, possible values: PANIC, FATAL, ERROR, WARN, INFO, DEBUG")
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix for each log entry")
	flag.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "when this flag is set, no access log is printed")
	flag.BoolVar(&cfg.AccessLogJSONEnabled, "access-log-json-enabled", false, "when this flag is set, log in JSON format is used")

	// metrics:
	flag.Var(cfg.MetricsFlavour, "metrics-flavour", "Metrics flavour is used to change the exposed metrics format. Supported metric formats: 'codahale' and 'prometheus', default is prometheus")
	flag.StringVar(&cfg.MetricsPrefix, "metrics-prefix", "octopus.", "allows setting a custom path prefix for the metrics")

	// tracing:
	flag.Var(newYamlFlag(&cfg.OpenTelemetry), "open-telemetry", "OpenTelemetry configuration in YAML format, use flow-style for convenience, e.g. {service-name: octopus}. The exporter is selected with OTEL_TRACES_EXPORTER")
	flag.BoolVar(&cfg.EnableRuntimeMetrics, "runtime-metrics", true, "enables reporting the Go runtime statistics")

	// rate limit:
	flag.StringVar(&cfg.RatelimitBackend, "ratelimit-backend", octopus.RatelimitBackendRedis, "counter store of the rate limiter, one of redis, valkey and local")
	flag.DurationVar(&cfg.RatelimitTimeout, "ratelimit-timeout", ratelimitfilter.DefaultTimeout, "timeout of a single counter store call, requests are allowed on timeout")
	flag.IntVar(&cfg.RatelimitDefaultMaxRequests, "ratelimit-default-max-requests", ratelimit.DefaultMaxRequests, "requests allowed in a time window when no service config sets it")
	flag.DurationVar(&cfg.RatelimitDefaultTimeWindow, "ratelimit-default-time-window", ratelimit.DefaultTimeWindow, "time window when no service config sets it")
	flag.DurationVar(&cfg.RatelimitDefaultBanTime, "ratelimit-default-ban-time", ratelimit.DefaultBanTime, "ban time when no service config sets it")

	flag.Var(cfg.SwarmRedisURLs, "swarm-redis-urls", "Redis URLs as comma separated list, used for the shared rate limit counters")
	flag.StringVar(&cfg.SwarmRedisPassword, "swarm-redis-password", "", "Redis password, can also be set by the "+redisPasswordEnv+" environment variable")
	flag.DurationVar(&cfg.SwarmRedisDialTimeout, "swarm-redis-dial-timeout", net.DefaultDialTimeout, "set redis client dial timeout")
	flag.DurationVar(&cfg.SwarmRedisReadTimeout, "swarm-redis-read-timeout", net.DefaultReadTimeout, "set redis socket read timeout")
	flag.DurationVar(&cfg.SwarmRedisWriteTimeout, "swarm-redis-write-timeout", net.DefaultWriteTimeout, "set redis socket write timeout")
	flag.DurationVar(&cfg.SwarmRedisPoolTimeout, "swarm-redis-pool-timeout", net.DefaultPoolTimeout, "set redis get connection from pool timeout")
	flag.IntVar(&cfg.SwarmRedisMinConns, "swarm-redis-min-conns", net.DefaultMinConns, "set redis min connections")
	flag.IntVar(&cfg.SwarmRedisMaxConns, "swarm-redis-max-conns", net.DefaultMaxConns, "set redis max connections")

	flag.Var(cfg.SwarmValkeyURLs, "swarm-valkey-urls", "Valkey URLs as comma separated list, used for the shared rate limit counters")
	flag.StringVar(&cfg.SwarmValkeyPassword, "swarm-valkey-password", "", "Valkey password, can also be set by the "+valkeyPasswordEnv+" environment variable")

	// identity:
	flag.StringVar(&cfg.IdentityURL, "identity-url", "", "base URL of the identity service, the identity filter is disabled when not set")
	flag.DurationVar(&cfg.IdentityTimeout, "identity-timeout", identity.DefaultTimeout, "timeout of the identity service calls")
	flag.DurationVar(&cfg.IdentityTokenCacheTTL, "identity-token-cache-ttl", identity.DefaultTokenTTL, "time to cache the resolved users of a token")
	flag.DurationVar(&cfg.IdentityAnonymousCacheTTL, "identity-anonymous-cache-ttl", identity.DefaultAnonymousTTL, "time to cache the anonymous identifier of a device")
	flag.IntVar(&cfg.IdentityCacheSize, "identity-cache-size", identity.DefaultCacheSize, "maximum number of cached tokens and devices")
	flag.IntVar(&cfg.IdentityRejectStatus, "identity-reject-status", 0, "status code of the response to requests without identity, 0 drops the connection")
	flag.StringVar(&cfg.TokenCookie, "token-cookie", auth.DefaultTokenCookie, "name of the cookie holding the user token")
	flag.StringVar(&cfg.DeviceHeader, "device-header", auth.DefaultDeviceHeader, "name of the header holding the device identifier")
	flag.StringVar(&cfg.DeviceCookie, "device-cookie", auth.DefaultDeviceCookie, "name of the cookie holding the device identifier")
	flag.StringVar(&cfg.DeviceCookieDomain, "device-cookie-domain", "", "domain of the issued device cookie")
	flag.DurationVar(&cfg.DeviceCookieMaxAge, "device-cookie-max-age", auth.DefaultCookieMaxAge, "lifetime of the issued device cookie")

	// documentation:
	flag.Int64Var(&cfg.ApiDocsMaxBody, "api-docs-max-body", defaultApiDocsMaxBody, "maximum size of an API documentation body that is rewritten")
	flag.StringVar(&cfg.ApiDocsServicePrefix, "api-docs-service-prefix", "", "only services with this prefix are listed in the aggregated swagger config")
	flag.StringVar(&cfg.ApiDocsGatewayID, "api-docs-gateway-id", "", "service id of the gateway itself, excluded from the aggregated swagger config")

	cfg.Flags = flag
	return cfg
}

func validate(c *Config) error {
	if _, err := log.ParseLevel(c.ApplicationLogLevelString); err != nil {
		return err
	}

	switch c.RatelimitBackend {
	case octopus.RatelimitBackendLocal, octopus.RatelimitBackendRedis, octopus.RatelimitBackendValkey:
	default:
		return fmt.Errorf("invalid ratelimit backend: %q", c.RatelimitBackend)
	}

	if c.RatelimitBackend == octopus.RatelimitBackendRedis && len(c.SwarmRedisURLs.values) == 0 {
		return fmt.Errorf("ratelimit backend redis requires swarm-redis-urls")
	}

	if c.RatelimitBackend == octopus.RatelimitBackendValkey && len(c.SwarmValkeyURLs.values) == 0 {
		return fmt.Errorf("ratelimit backend valkey requires swarm-valkey-urls")
	}

	if err := c.ratelimitDefault().Validate(); err != nil {
		return err
	}

	if c.IdentityRejectStatus != 0 && (c.IdentityRejectStatus < http.StatusBadRequest || c.IdentityRejectStatus > 599) {
		return fmt.Errorf("invalid identity reject status: %d", c.IdentityRejectStatus)
	}

	if _, err := net.ParseIPCIDRs(c.TrustedProxies.values); err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}

	if len(c.MetricsFlavour.values) > 1 {
		return fmt.Errorf("only one metrics flavour is supported: %s", c.MetricsFlavour)
	}

	return nil
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ExitOnError)
	err := c.Flags.Parse(args)
	if err != nil {
		return err
	}

	// check if arguments were correctly parsed.
	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		err = yaml.Unmarshal(yamlFile, c)
		if err != nil {
			return fmt.Errorf("unmarshalling config file error: %w", err)
		}

		err = c.Flags.Parse(args)
		if err != nil {
			return err
		}
	}

	if err := validate(c); err != nil {
		return err
	}

	c.ApplicationLogLevel, _ = log.ParseLevel(c.ApplicationLogLevelString)

	c.parseEnv()
	return nil
}

func (c *Config) ratelimitDefault() ratelimit.Policy {
	return ratelimit.Policy{
		MaxRequests: c.RatelimitDefaultMaxRequests,
		TimeWindow:  c.RatelimitDefaultTimeWindow,
		BanTime:     c.RatelimitDefaultBanTime,
	}
}

func (c *Config) metricsFlavour() metrics.Kind {
	if len(c.MetricsFlavour.values) == 0 {
		return metrics.PrometheusKind
	}

	k, _ := metrics.ParseMetricsKind(c.MetricsFlavour.values[0])
	return k
}

func (c *Config) ToOptions() octopus.Options {
	return octopus.Options{
		Address:            c.Address,
		SupportListener:    c.SupportListener,
		PolicyFile:         c.PolicyFile,
		PolicyPollInterval: c.PolicyPollInterval,
		Environment:        c.Environment,

		ApplicationLogLevel:       c.ApplicationLogLevel,
		ApplicationLogPrefix:      c.ApplicationLogPrefix,
		ApplicationLogJSONEnabled: c.ApplicationLogJSONEnabled,
		AccessLogDisabled:         c.AccessLogDisabled,
		AccessLogJSONEnabled:      c.AccessLogJSONEnabled,

		MetricsFlavour:       c.metricsFlavour(),
		MetricsPrefix:        c.MetricsPrefix,
		EnableRuntimeMetrics: c.EnableRuntimeMetrics,

		OpenTelemetry: c.OpenTelemetry,

		RatelimitBackend: c.RatelimitBackend,
		RatelimitTimeout: c.RatelimitTimeout,
		RatelimitDefault: c.ratelimitDefault(),

		SwarmRedisURLs:         c.SwarmRedisURLs.values,
		SwarmRedisPassword:     c.SwarmRedisPassword,
		SwarmRedisDialTimeout:  c.SwarmRedisDialTimeout,
		SwarmRedisReadTimeout:  c.SwarmRedisReadTimeout,
		SwarmRedisWriteTimeout: c.SwarmRedisWriteTimeout,
		SwarmRedisPoolTimeout:  c.SwarmRedisPoolTimeout,
		SwarmRedisMinIdleConns: c.SwarmRedisMinConns,
		SwarmRedisMaxIdleConns: c.SwarmRedisMaxConns,

		SwarmValkeyURLs:     c.SwarmValkeyURLs.values,
		SwarmValkeyPassword: c.SwarmValkeyPassword,

		IdentityURL:               c.IdentityURL,
		IdentityTimeout:           c.IdentityTimeout,
		IdentityTokenCacheTTL:     c.IdentityTokenCacheTTL,
		IdentityAnonymousCacheTTL: c.IdentityAnonymousCacheTTL,
		IdentityCacheSize:         c.IdentityCacheSize,

		TokenCookie:          c.TokenCookie,
		DeviceHeader:         c.DeviceHeader,
		DeviceCookie:         c.DeviceCookie,
		DeviceCookieDomain:   c.DeviceCookieDomain,
		DeviceCookieMaxAge:   c.DeviceCookieMaxAge,
		IdentityRejectStatus: c.IdentityRejectStatus,

		TrustedProxies: c.TrustedProxies.values,

		ApiDocsMaxBody:       c.ApiDocsMaxBody,
		ApiDocsServicePrefix: c.ApiDocsServicePrefix,
		ApiDocsGatewayID:     c.ApiDocsGatewayID,

		BackendTimeout:    c.BackendTimeout,
		ProxyPreserveHost: c.ProxyPreserveHost,
		ShutdownTimeout:   c.ShutdownTimeout,
	}
}

func (c *Config) parseEnv() {
	// Set Redis password from environment variable if not set earlier (configuration file)
	if c.SwarmRedisPassword == "" {
		c.SwarmRedisPassword = os.Getenv(redisPasswordEnv)
	}
	// Set Valkey password from environment variable if not set earlier (configuration file)
	if c.SwarmValkeyPassword == "" {
		c.SwarmValkeyPassword = os.Getenv(valkeyPasswordEnv)
	}
}
