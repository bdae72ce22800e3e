package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiolos/octopus/filters"
	"github.com/aiolos/octopus/filters/filtertest"
)

const incomingTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func newTestTracer(t *testing.T) (trace.Tracer, *tracetest.SpanRecorder) {
	t.Helper()

	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return tp.Tracer("test"), rec
}

func findSpan(t *testing.T, rec *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range rec.Ended() {
		if s.Name() == name {
			return s
		}
	}

	t.Fatalf("span not found: %s", name)
	return nil
}

func spanAttribute(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}

	return attribute.Value{}, false
}

func eventNames(s sdktrace.ReadOnlySpan) []string {
	var names []string
	for _, e := range s.Events() {
		names = append(names, e.Name)
	}

	return names
}

func TestTracingSpans(t *testing.T) {
	tracer, rec := newTestTracer(t)

	var backendHeader http.Header
	tagger := &filtertest.Filter{FilterName: "tagger"}
	p := WithParams(Params{
		Policies:          newStore(t, "http://backend.invalid"),
		Chain:             filters.NewChain(nil, tagger),
		AccessLogDisabled: true,
		Tracer:            tracer,
		RoundTripper: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			backendHeader = r.Header
			return &http.Response{StatusCode: http.StatusCreated, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("ok"))}, nil
		}),
	})

	req := httptest.NewRequest("GET", "http://gateway/users/1", nil)
	req.Header.Set("Traceparent", incomingTraceparent)

	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	ingress := findSpan(t, rec, ingressSpanName)
	requestFilters := findSpan(t, rec, requestFiltersSpanName)
	backend := findSpan(t, rec, proxySpanName)
	responseFilters := findSpan(t, rec, responseFiltersSpanName)

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", ingress.SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", ingress.Parent().SpanID().String())
	assert.Equal(t, trace.SpanKindServer, ingress.SpanKind())

	for _, s := range []sdktrace.ReadOnlySpan{requestFilters, backend, responseFilters} {
		assert.Equal(t, ingress.SpanContext().SpanID(), s.Parent().SpanID(), s.Name())
		assert.Equal(t, ingress.SpanContext().TraceID(), s.SpanContext().TraceID(), s.Name())
	}

	assert.Equal(t, trace.SpanKindClient, backend.SpanKind())
	assert.Contains(t, backendHeader.Get("Traceparent"), backend.SpanContext().SpanID().String())

	assert.Equal(t, []string{"tagger", "tagger"}, eventNames(requestFilters))
	assert.Equal(t, []string{"tagger", "tagger"}, eventNames(responseFilters))

	v, ok := spanAttribute(ingress, routeIDTag)
	require.True(t, ok)
	assert.Equal(t, "users", v.AsString())

	v, ok = spanAttribute(ingress, statusCodeTag)
	require.True(t, ok)
	assert.Equal(t, int64(http.StatusCreated), v.AsInt64())
}

func TestTracingBackendError(t *testing.T) {
	tracer, rec := newTestTracer(t)

	p := WithParams(Params{
		Policies:          newStore(t, "http://backend.invalid"),
		AccessLogDisabled: true,
		Tracer:            tracer,
		RoundTripper: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("failed")
		}),
	})

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "http://gateway/users/1", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	backend := findSpan(t, rec, proxySpanName)
	assert.Equal(t, codes.Error, backend.Status().Code)
	assert.Contains(t, eventNames(backend), "exception")

	ingress := findSpan(t, rec, ingressSpanName)
	assert.Equal(t, codes.Error, ingress.Status().Code)

	v, ok := spanAttribute(ingress, statusCodeTag)
	require.True(t, ok)
	assert.Equal(t, int64(http.StatusInternalServerError), v.AsInt64())
}

func TestTracingDropped(t *testing.T) {
	tracer, rec := newTestTracer(t)

	p := WithParams(Params{
		Policies:          newStore(t, "http://backend.invalid"),
		Chain:             filters.NewChain(nil, &filtertest.Filter{FilterName: "drop", OnRequest: func(ctx filters.FilterContext) { ctx.Drop() }}),
		AccessLogDisabled: true,
		Tracer:            tracer,
	})

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		p.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://gateway/users/1", nil))
	})

	ingress := findSpan(t, rec, ingressSpanName)
	v, ok := spanAttribute(ingress, droppedTag)
	require.True(t, ok)
	assert.True(t, v.AsBool())

	for _, s := range rec.Ended() {
		assert.NotEqual(t, proxySpanName, s.Name(), "no backend request for a dropped request")
	}
}

func TestTracingNoopByDefault(t *testing.T) {
	var backendHeader http.Header
	p := WithParams(Params{
		Policies:          newStore(t, "http://backend.invalid"),
		AccessLogDisabled: true,
		RoundTripper: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			backendHeader = r.Header
			return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody}, nil
		}),
	})

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "http://gateway/users/1", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, backendHeader.Get("Traceparent"))
}
