package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace        = "octopus"
	promFilterSubsystem  = "filter"
	promBackendSubsystem = "backend"
	promServeSubsystem   = "serve"
	promCustomSubsystem  = "custom"
)

// Prometheus implements the prometheus metrics backend.
type Prometheus struct {
	filterRequestM   *prometheus.HistogramVec
	filterResponseM  *prometheus.HistogramVec
	backendM         *prometheus.HistogramVec
	backendErrorsM   *prometheus.CounterVec
	serveM           *prometheus.HistogramVec
	serveCounterM    *prometheus.CounterVec
	customHistogramM *prometheus.HistogramVec
	customCounterM   *prometheus.CounterVec
	customGaugeM     *prometheus.GaugeVec

	opts     Options
	registry *prometheus.Registry
	handler  http.Handler
}

// NewPrometheus returns a new Prometheus metric backend.
func NewPrometheus(opts Options) *Prometheus {
	namespace := promNamespace
	if opts.Prefix != "" {
		namespace = strings.TrimSuffix(opts.Prefix, ".")
	}

	buckets := opts.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	p := &Prometheus{
		filterRequestM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promFilterSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Duration in seconds of a filter request.",
			Buckets:   buckets,
		}, []string{"filter"}),
		filterResponseM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promFilterSubsystem,
			Name:      "response_duration_seconds",
			Help:      "Duration in seconds of a filter response.",
			Buckets:   buckets,
		}, []string{"filter"}),
		backendM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promBackendSubsystem,
			Name:      "duration_seconds",
			Help:      "Duration in seconds of a proxy backend.",
			Buckets:   buckets,
		}, []string{"service"}),
		backendErrorsM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promBackendSubsystem,
			Name:      "error_total",
			Help:      "Total number of backend errors.",
		}, []string{"service"}),
		serveM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promServeSubsystem,
			Name:      "duration_seconds",
			Help:      "Duration in seconds of serving a request.",
			Buckets:   buckets,
		}, []string{"service", "method", "code"}),
		serveCounterM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promServeSubsystem,
			Name:      "count",
			Help:      "Total number of served requests.",
		}, []string{"service", "method", "code"}),
		customHistogramM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promCustomSubsystem,
			Name:      "duration_seconds",
			Help:      "Duration in seconds of custom metrics.",
			Buckets:   buckets,
		}, []string{"key"}),
		customCounterM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promCustomSubsystem,
			Name:      "total",
			Help:      "Total number of custom metrics.",
		}, []string{"key"}),
		customGaugeM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: promCustomSubsystem,
			Name:      "gauges",
			Help:      "Gauges number of custom metrics.",
		}, []string{"key"}),

		registry: opts.PrometheusRegistry,
		opts:     opts,
	}

	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
	}

	p.registerMetrics()
	return p
}

// sinceS returns the seconds passed since the start time until now.
func (p *Prometheus) sinceS(start time.Time) float64 {
	return time.Since(start).Seconds()
}

func (p *Prometheus) registerMetrics() {
	p.registry.MustRegister(p.filterRequestM)
	p.registry.MustRegister(p.filterResponseM)
	p.registry.MustRegister(p.backendM)
	p.registry.MustRegister(p.backendErrorsM)
	p.registry.MustRegister(p.serveM)
	p.registry.MustRegister(p.serveCounterM)
	p.registry.MustRegister(p.customHistogramM)
	p.registry.MustRegister(p.customCounterM)
	p.registry.MustRegister(p.customGaugeM)

	// Register prometheus runtime collectors if required.
	if p.opts.EnableRuntimeMetrics {
		p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		p.registry.MustRegister(collectors.NewGoCollector())
	}
}

func (p *Prometheus) CreateHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) getHandler() http.Handler {
	if p.handler != nil {
		return p.handler
	}

	p.handler = p.CreateHandler()
	return p.handler
}

// RegisterHandler satisfies Metrics interface.
func (p *Prometheus) RegisterHandler(path string, router Router) {
	router.Handle(path, p.getHandler())
}

// MeasureSince satisfies Metrics interface.
func (p *Prometheus) MeasureSince(key string, start time.Time) {
	p.customHistogramM.WithLabelValues(key).Observe(p.sinceS(start))
}

// IncCounter satisfies Metrics interface.
func (p *Prometheus) IncCounter(key string) {
	p.customCounterM.WithLabelValues(key).Inc()
}

// IncCounterBy satisfies Metrics interface.
func (p *Prometheus) IncCounterBy(key string, value int64) {
	p.customCounterM.WithLabelValues(key).Add(float64(value))
}

// UpdateGauge satisfies Metrics interface.
func (p *Prometheus) UpdateGauge(key string, v float64) {
	p.customGaugeM.WithLabelValues(key).Set(v)
}

// MeasureFilterRequest satisfies Metrics interface.
func (p *Prometheus) MeasureFilterRequest(filterName string, start time.Time) {
	p.filterRequestM.WithLabelValues(filterName).Observe(p.sinceS(start))
}

// MeasureFilterResponse satisfies Metrics interface.
func (p *Prometheus) MeasureFilterResponse(filterName string, start time.Time) {
	p.filterResponseM.WithLabelValues(filterName).Observe(p.sinceS(start))
}

// MeasureBackend satisfies Metrics interface.
func (p *Prometheus) MeasureBackend(serviceID string, start time.Time) {
	p.backendM.WithLabelValues(serviceID).Observe(p.sinceS(start))
}

// IncErrorsBackend satisfies Metrics interface.
func (p *Prometheus) IncErrorsBackend(serviceID string) {
	p.backendErrorsM.WithLabelValues(serviceID).Inc()
}

// MeasureServe satisfies Metrics interface.
func (p *Prometheus) MeasureServe(serviceID, method string, code int, start time.Time) {
	method = measuredMethod(method)
	c := strconv.Itoa(code)
	p.serveM.WithLabelValues(serviceID, method, c).Observe(p.sinceS(start))
	p.serveCounterM.WithLabelValues(serviceID, method, c).Inc()
}
