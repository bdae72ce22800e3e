// Package otel bootstraps the [OpenTelemetry] tracing pipeline of the
// gateway.
//
// The proxy and the identity client create their spans with the global
// tracer provider, which is a noop until Init replaces it.
//
// [OpenTelemetry]: https://opentelemetry.io/
package otel

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/bombsimon/logrusr/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// DebugExporter is the value of OTEL_TRACES_EXPORTER that writes the
// finished spans into the debug log.
const DebugExporter = "octopus-debug"

const defaultServiceName = "octopus"

var (
	log          = logrus.WithField("package", "otel")
	registerOnce sync.Once
)

// Options configure the OpenTelemetry pipeline.
type Options struct {
	// Initialized indicates that the pipeline was set up by the
	// embedding program, Init does nothing.
	Initialized bool `yaml:"initialized"`

	// ServiceName of the spans, unless OTEL_SERVICE_NAME or
	// OTEL_RESOURCE_ATTRIBUTES set it. Defaults to octopus.
	ServiceName string `yaml:"service-name"`
}

// Init sets the global tracer provider and text map propagator from
// the environment. The returned shutdown flushes the pending spans, it
// must be called when err is nil.
//
// Supported environment variables:
//
//   - OTEL_TRACES_EXPORTER
//   - OTEL_EXPORTER_OTLP_PROTOCOL
//   - OTEL_EXPORTER_OTLP_ENDPOINT
//   - OTEL_EXPORTER_OTLP_HEADERS
//   - OTEL_SERVICE_NAME
//   - OTEL_RESOURCE_ATTRIBUTES
//   - OTEL_PROPAGATORS
//   - OTEL_BSP_MAX_QUEUE_SIZE
//   - OTEL_BSP_MAX_EXPORT_BATCH_SIZE
//   - OTEL_BSP_SCHEDULE_DELAY
//   - OTEL_BSP_EXPORT_TIMEOUT
//
// See [go.opentelemetry.io/contrib/exporters/autoexport] and
// [go.opentelemetry.io/contrib/propagators/autoprop].
func Init(ctx context.Context, o *Options) (shutdown func(context.Context) error, err error) {
	if o.Initialized {
		log.Debug("OpenTelemetry pipeline initialized externally")
		return func(context.Context) error { return nil }, nil
	}

	for _, name := range []string{
		"OTEL_TRACES_EXPORTER",
		"OTEL_EXPORTER_OTLP_PROTOCOL",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_SERVICE_NAME",
		"OTEL_RESOURCE_ATTRIBUTES",
		"OTEL_PROPAGATORS",
	} {
		log.Debugf("%s: %s", name, os.Getenv(name))
	}

	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}

		shutdownFuncs = nil
		return err
	}

	registerOnce.Do(registerDebugExporter)

	spanExporter, err := autoexport.NewSpanExporter(ctx)
	if err != nil {
		return nil, err
	}

	res, err := newResource(o.ServiceName)
	if err != nil {
		return nil, errors.Join(err, spanExporter.Shutdown(ctx))
	}

	// the batcher shuts down the exporter
	tracerProvider := trace.NewTracerProvider(
		trace.WithBatcher(spanExporter),
		trace.WithResource(res),
	)
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(autoprop.NewTextMapPropagator())
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) { log.Error(err) }))
	otel.SetLogger(logrusr.New(log))

	return shutdown, nil
}

// registerDebugExporter registers the exporter similar to "console"
// that writes into the debug log.
func registerDebugExporter() {
	autoexport.RegisterSpanExporter(DebugExporter, func(context.Context) (trace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithWriter(writerFunc(func(p []byte) (int, error) {
			log.Debugf("Span: %s", p)
			return len(p), nil
		})))
	})
}

func newResource(serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	// the environment overrides the default service name
	return resource.Merge(
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
		resource.Environment(),
	)
}

type writerFunc func([]byte) (int, error)

func (wf writerFunc) Write(p []byte) (int, error) {
	return wf(p)
}
