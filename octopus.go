package octopus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/aiolos/octopus/filters"
	"github.com/aiolos/octopus/filters/apidocs"
	"github.com/aiolos/octopus/filters/auth"
	ratelimitfilter "github.com/aiolos/octopus/filters/ratelimit"
	"github.com/aiolos/octopus/identity"
	"github.com/aiolos/octopus/logging"
	"github.com/aiolos/octopus/metrics"
	snet "github.com/aiolos/octopus/net"
	"github.com/aiolos/octopus/otel"
	"github.com/aiolos/octopus/policy"
	"github.com/aiolos/octopus/proxy"
	"github.com/aiolos/octopus/ratelimit"
)

// Counter store backends of the rate limiter.
const (
	RatelimitBackendLocal  = "local"
	RatelimitBackendRedis  = "redis"
	RatelimitBackendValkey = "valkey"
)

const (
	defaultPolicyPollInterval = 3 * time.Second
	defaultShutdownTimeout    = 30 * time.Second
	defaultReadHeaderTimeout  = 60 * time.Second
	storeAvailableTimeout     = 30 * time.Second
)

// Options to start the gateway.
type Options struct {
	// Network address that the gateway listens on.
	Address string

	// Network address of the /metrics and /healthz endpoints. An empty
	// value disables the support listener.
	SupportListener string

	// PolicyFile is the YAML file with the routes, the rate limit and the
	// whitelist configuration of the services.
	PolicyFile string

	// PolicyPollInterval is the interval of checking the policy file for
	// changes.
	PolicyPollInterval time.Duration

	// Environment of the gateway, "prod" marks the device cookie secure.
	Environment string

	// Logging
	ApplicationLogLevel       log.Level
	ApplicationLogPrefix      string
	ApplicationLogOutput      io.Writer
	ApplicationLogJSONEnabled bool
	AccessLogOutput           io.Writer
	AccessLogDisabled         bool
	AccessLogJSONEnabled      bool

	// Metrics
	MetricsFlavour       metrics.Kind
	MetricsPrefix        string
	EnableRuntimeMetrics bool

	// OpenTelemetry enables tracing when set. The exporter and the
	// propagators are configured from the OTEL_* environment variables.
	OpenTelemetry *otel.Options

	// RatelimitBackend is one of "local", "redis" and "valkey".
	RatelimitBackend string

	// RatelimitTimeout bounds a single counter store call.
	RatelimitTimeout time.Duration

	// RatelimitDefault is the global rate limit policy.
	RatelimitDefault ratelimit.Policy

	// Redis ring of the shared counter store.
	SwarmRedisURLs         []string
	SwarmRedisPassword     string
	SwarmRedisDialTimeout  time.Duration
	SwarmRedisReadTimeout  time.Duration
	SwarmRedisWriteTimeout time.Duration
	SwarmRedisPoolTimeout  time.Duration
	SwarmRedisMinIdleConns int
	SwarmRedisMaxIdleConns int

	// Valkey shards of the shared counter store.
	SwarmValkeyURLs     []string
	SwarmValkeyPassword string

	// Identity service
	IdentityURL               string
	IdentityTimeout           time.Duration
	IdentityTokenCacheTTL     time.Duration
	IdentityAnonymousCacheTTL time.Duration
	IdentityCacheSize         int

	// Identity filter
	TokenCookie          string
	DeviceHeader         string
	DeviceCookie         string
	DeviceCookieDomain   string
	DeviceCookieMaxAge   time.Duration
	IdentityRejectStatus int

	// TrustedProxies are the CIDRs of the proxies whose X-Forwarded-For
	// header is used to resolve the client address.
	TrustedProxies []string

	// Documentation
	ApiDocsMaxBody       int64
	ApiDocsServicePrefix string
	ApiDocsGatewayID     string

	// Backend requests
	BackendTimeout    time.Duration
	ProxyPreserveHost bool

	// ShutdownTimeout is the time waited for the open connections on
	// shutdown.
	ShutdownTimeout time.Duration
}

// gateway holds the components started by Run.
type gateway struct {
	store     *policy.Store
	watcher   *policy.Watcher
	chain     *filters.Chain
	proxy     *proxy.Proxy
	metrics   metrics.Metrics
	closers   []func() error
	quit      chan struct{}
	available func(context.Context) bool
}

func initLog(o Options) {
	logging.Init(logging.Options{
		ApplicationLogPrefix:      o.ApplicationLogPrefix,
		ApplicationLogOutput:      o.ApplicationLogOutput,
		ApplicationLogLevel:       o.ApplicationLogLevel,
		ApplicationLogJSONEnabled: o.ApplicationLogJSONEnabled,
		AccessLogOutput:           o.AccessLogOutput,
		AccessLogDisabled:         o.AccessLogDisabled,
		AccessLogJSONEnabled:      o.AccessLogJSONEnabled,
	})
}

func loadPolicies(o Options) (*policy.Store, *policy.Watcher, error) {
	if o.PolicyFile == "" {
		log.Warn("No policy file configured, no routes are available")
		return policy.NewStore(nil), nil, nil
	}

	s, err := policy.LoadFile(o.PolicyFile)
	if err != nil {
		return nil, nil, err
	}

	interval := o.PolicyPollInterval
	if interval <= 0 {
		interval = defaultPolicyPollInterval
	}

	store := policy.NewStore(s)
	return store, policy.Watch(store, o.PolicyFile, interval), nil
}

func (g *gateway) newLimiter(o Options) (ratelimit.Limiter, error) {
	switch o.RatelimitBackend {
	case RatelimitBackendRedis:
		if len(o.SwarmRedisURLs) == 0 {
			return nil, errors.New("redis rate limit backend without redis urls")
		}

		c := snet.NewRedisClient(&snet.RedisOptions{
			Addrs:        o.SwarmRedisURLs,
			Password:     o.SwarmRedisPassword,
			DialTimeout:  o.SwarmRedisDialTimeout,
			ReadTimeout:  o.SwarmRedisReadTimeout,
			WriteTimeout: o.SwarmRedisWriteTimeout,
			PoolTimeout:  o.SwarmRedisPoolTimeout,
			MinIdleConns: o.SwarmRedisMinIdleConns,
			MaxIdleConns: o.SwarmRedisMaxIdleConns,
			Metrics:      g.metrics,
		})
		c.StartMetricsCollection()
		g.closers = append(g.closers, c.Close)
		g.available = c.Available
		return ratelimit.NewRedisLimiter(c, g.metrics), nil
	case RatelimitBackendValkey:
		c, err := snet.NewValkeyClient(&snet.ValkeyOptions{
			Addrs:    o.SwarmValkeyURLs,
			Password: o.SwarmValkeyPassword,
			Metrics:  g.metrics,
		})
		if err != nil {
			return nil, err
		}

		g.closers = append(g.closers, c.Close)
		g.available = c.Available
		return ratelimit.NewValkeyLimiter(c, g.metrics), nil
	case RatelimitBackendLocal, "":
		log.Info("Using the local rate limiter, counters are not shared between instances")
		return ratelimit.NewLocalLimiter(nil), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend: %s", o.RatelimitBackend)
	}
}

func (g *gateway) newIdentityClient(o Options, rt http.RoundTripper) (identity.Client, error) {
	c, err := identity.NewHTTPClient(identity.Options{
		URL:          o.IdentityURL,
		Timeout:      o.IdentityTimeout,
		RoundTripper: rt,
	})
	if err != nil {
		return nil, err
	}

	cc := identity.NewCachedClient(c, identity.CacheOptions{
		TokenTTL:     o.IdentityTokenCacheTTL,
		AnonymousTTL: o.IdentityAnonymousCacheTTL,
		Capacity:     uint64(max(o.IdentityCacheSize, 0)),
		Timeout:      o.IdentityTimeout,
		Metrics:      g.metrics,
	})
	g.closers = append(g.closers, func() error {
		cc.Close()
		return nil
	})
	return cc, nil
}

func (g *gateway) newFilters(o Options) ([]filters.GlobalFilter, error) {
	docs := apidocs.New(apidocs.Options{MaxBodySize: o.ApiDocsMaxBody, Metrics: g.metrics})

	limiter, err := g.newLimiter(o)
	if err != nil {
		return nil, err
	}

	rl, err := ratelimitfilter.New(ratelimitfilter.Options{
		Limiter:  limiter,
		Policies: g.store,
		Default:  o.RatelimitDefault,
		Timeout:  o.RatelimitTimeout,
		Metrics:  g.metrics,
	})
	if err != nil {
		return nil, err
	}

	fs := []filters.GlobalFilter{docs, rl}
	if o.IdentityURL == "" {
		log.Warn("No identity service configured, the identity filter is disabled")
		return fs, nil
	}

	client, err := g.newIdentityClient(o, snet.NewHTTPRoundTripper(snet.Options{Timeout: o.IdentityTimeout}, g.quit))
	if err != nil {
		return nil, err
	}

	id, err := auth.New(auth.Options{
		Client:       client,
		Policies:     g.store,
		TokenCookie:  o.TokenCookie,
		DeviceHeader: o.DeviceHeader,
		DeviceCookie: o.DeviceCookie,
		CookieDomain: o.DeviceCookieDomain,
		CookieMaxAge: o.DeviceCookieMaxAge,
		Environment:  o.Environment,
		RejectStatus: o.IdentityRejectStatus,
		Timeout:      o.IdentityTimeout,
		Metrics:      g.metrics,
	})
	if err != nil {
		return nil, err
	}

	return append(fs, id), nil
}

func newGateway(o Options) (*gateway, error) {
	g := &gateway{
		metrics: metrics.Init(metrics.Options{
			Format:               o.MetricsFlavour,
			Prefix:               o.MetricsPrefix,
			EnableRuntimeMetrics: o.EnableRuntimeMetrics,
		}),
		quit: make(chan struct{}),
	}

	store, watcher, err := loadPolicies(o)
	if err != nil {
		return nil, err
	}

	g.store = store
	g.watcher = watcher

	trusted, err := snet.ParseIPCIDRs(o.TrustedProxies)
	if err != nil {
		g.close()
		return nil, err
	}

	fs, err := g.newFilters(o)
	if err != nil {
		g.close()
		return nil, err
	}

	g.chain = filters.NewChain(g.metrics, fs...)
	log.Infof("Global filters: %v", g.chain.Names())

	g.proxy = proxy.WithParams(proxy.Params{
		Policies:          g.store,
		Chain:             g.chain,
		Transport:         snet.Options{Timeout: o.BackendTimeout},
		TrustedProxies:    trusted,
		ForwardedHeaders:  snet.ForwardedHeaders{For: true, Host: true},
		PreserveHost:      o.ProxyPreserveHost,
		AccessLogDisabled: o.AccessLogDisabled,
		Metrics:           g.metrics,
	})
	g.closers = append(g.closers, g.proxy.Close)

	return g, nil
}

func (g *gateway) close() {
	if g.watcher != nil {
		g.watcher.Close()
	}

	for _, c := range g.closers {
		if err := c(); err != nil {
			log.Errorf("Failed to close: %v", err)
		}
	}

	close(g.quit)
}

func (g *gateway) mainHandler(o Options) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Method(http.MethodGet, apidocs.SwaggerConfigPath, apidocs.SwaggerConfigHandler(g.store, o.ApiDocsServicePrefix, o.ApiDocsGatewayID))
	r.Handle("/*", g.proxy)
	return r
}

func (g *gateway) supportHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	g.metrics.RegisterHandler("/metrics", r)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})

	return r
}

func listen(address, name string, m metrics.Metrics) (*snet.ShutdownListener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	return snet.NewShutdownListener(l, name, m), nil
}

func serve(srv *http.Server, l net.Listener, errs chan<- error) {
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- err
	}
}

// Run starts the gateway, and blocks until SIGTERM or SIGINT is received.
func Run(o Options) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sig)

	return RunWithShutdown(o, sig, nil)
}

// RunWithShutdown starts the gateway, and shuts it down gracefully when
// a signal is received on sig. When started is not nil, it receives the
// address of the main listener once the gateway accepts connections.
func RunWithShutdown(o Options, sig <-chan os.Signal, started chan<- string) error {
	initLog(o)

	if o.OpenTelemetry != nil {
		shutdown, err := otel.Init(context.Background(), o.OpenTelemetry)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Errorf("Failed to shutdown OpenTelemetry: %v", err)
			}
		}()
	}

	g, err := newGateway(o)
	if err != nil {
		return err
	}

	defer g.close()

	if g.available != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeAvailableTimeout)
		if !g.available(ctx) {
			log.Warn("Rate limit store is not available, requests are allowed until it recovers")
		}

		cancel()
	}

	l, err := listen(o.Address, "main", g.metrics)
	if err != nil {
		return err
	}

	errs := make(chan error, 2)
	srv := &http.Server{
		Handler:           g.mainHandler(o),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	log.Infof("Listening on %v", l.Addr())
	go serve(srv, l, errs)

	var supportSrv *http.Server
	if o.SupportListener != "" {
		sl, err := listen(o.SupportListener, "support", g.metrics)
		if err != nil {
			_ = srv.Close()
			return err
		}

		supportSrv = &http.Server{Handler: g.supportHandler(), ReadHeaderTimeout: defaultReadHeaderTimeout}
		log.Infof("Support listener on %v", sl.Addr())
		go serve(supportSrv, sl, errs)
	}

	if started != nil {
		started <- l.Addr().String()
	}

	select {
	case s := <-sig:
		log.Infof("Got shutdown signal %v", s)
	case err := <-errs:
		log.Errorf("Server failed: %v", err)
		return err
	}

	timeout := o.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Failed to graceful shutdown: %v", err)
	}

	if err := l.Shutdown(ctx); err != nil {
		log.Errorf("Connections still open after shutdown: %v", err)
	}

	if supportSrv != nil {
		if err := supportSrv.Shutdown(ctx); err != nil {
			log.Errorf("Failed to shut down the support listener: %v", err)
		}
	}

	log.Info("Shutdown complete")
	return nil
}
