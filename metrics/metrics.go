package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind is the format of the metrics backend.
type Kind int

const (
	UnkownKind Kind = iota
	CodaHaleKind
	PrometheusKind
)

func (k Kind) String() string {
	switch k {
	case CodaHaleKind:
		return "codahale"
	case PrometheusKind:
		return "prometheus"
	default:
		return "unknown"
	}
}

// ParseMetricsKind parses the name of a metrics backend, as used by the
// command line flags.
func ParseMetricsKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "codahale":
		return CodaHaleKind, nil
	case "prometheus", "":
		return PrometheusKind, nil
	default:
		return UnkownKind, fmt.Errorf("unsupported metrics flavour: %q", s)
	}
}

// Router is the part of an HTTP router used to expose the metrics. Both
// http.ServeMux and chi.Router implement it.
type Router interface {
	Handle(pattern string, h http.Handler)
}

// Metrics is the generic interface that all the required backends should
// implement.
type Metrics interface {
	MeasureSince(key string, start time.Time)
	IncCounter(key string)
	IncCounterBy(key string, value int64)
	UpdateGauge(key string, value float64)
	MeasureFilterRequest(filterName string, start time.Time)
	MeasureFilterResponse(filterName string, start time.Time)
	MeasureBackend(serviceID string, start time.Time)
	MeasureServe(serviceID, method string, code int, start time.Time)
	IncErrorsBackend(serviceID string)
	RegisterHandler(path string, router Router)
}

// Options for initializing metrics collection.
type Options struct {
	// Format of the metrics backend, Prometheus when not set.
	Format Kind

	// Common prefix for the keys of the different collected metrics.
	Prefix string

	// If set, garbage collector metrics are collected in addition to the
	// http traffic metrics. Only used by the CodaHale backend.
	EnableDebugGcMetrics bool

	// If set, Go runtime metrics are collected in addition to the http
	// traffic metrics.
	EnableRuntimeMetrics bool

	// If set, the CodaHale timers use an exponentially decaying reservoir
	// instead of a uniform one.
	UseExpDecaySample bool

	// HistogramBuckets of the Prometheus histograms, prometheus.DefBuckets
	// when not set.
	HistogramBuckets []float64

	// PrometheusRegistry to register the metrics with, a new registry when
	// not set.
	PrometheusRegistry *prometheus.Registry
}

// Void is the metrics backend discarding every measurement.
var Void Metrics = NewVoid()

// Default is the package level backend, used by the components that were
// not given an explicit one.
var Default = Void

// NewDefaultHandler returns the handler exposing the metrics of the
// Default backend on path.
func NewDefaultHandler(path string) http.Handler {
	mux := http.NewServeMux()
	Default.RegisterHandler(path, mux)
	return mux
}

// NewMetrics creates the backend configured by the format option.
func NewMetrics(o Options) Metrics {
	switch o.Format {
	case CodaHaleKind:
		return NewCodaHale(o)
	default:
		return NewPrometheus(o)
	}
}

// Init creates the backend configured by the options, and sets it as the
// package Default.
func Init(o Options) Metrics {
	Default = NewMetrics(o)
	return Default
}
