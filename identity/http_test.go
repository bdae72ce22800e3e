package identity

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type identityService struct {
	mu        sync.Mutex
	anonymous map[string]string
	calls     int
}

func (s *identityService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	switch r.URL.Path {
	case "/token":
		switch r.Header.Get("Authorization") {
		case "Bearer valid":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"userId":4711,"name":"Jane"}`)
		case "Bearer zero":
			io.WriteString(w, `{"userId":0}`)
		case "Bearer nouser":
			io.WriteString(w, `{"name":"nobody"}`)
		case "Bearer broken":
			io.WriteString(w, `{"userId":`)
		case "Bearer expired":
			w.WriteHeader(http.StatusUnauthorized)
		case "Bearer slow":
			time.Sleep(200 * time.Millisecond)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	case "/anonymous":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			DeviceID string `json:"deviceId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if s.anonymous == nil {
			s.anonymous = make(map[string]string)
		}

		id, ok := s.anonymous[req.DeviceID]
		if !ok {
			id = "9" + string(rune('0'+len(s.anonymous)))
			s.anonymous[req.DeviceID] = id
		}

		io.WriteString(w, `{"anonymousId":`+id+`}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T) (*HTTPClient, *identityService) {
	t.Helper()
	svc := &identityService{}
	server := httptest.NewServer(svc)
	t.Cleanup(server.Close)

	c, err := NewHTTPClient(Options{URL: server.URL + "/", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	return c, svc
}

func TestNewHTTPClient(t *testing.T) {
	for _, u := range []string{"", "identity:8080", "ftp://identity", "http://"} {
		_, err := NewHTTPClient(Options{URL: u})
		assert.Error(t, err, u)
	}

	c, err := NewHTTPClient(Options{URL: "http://identity:8080/api/"})
	require.NoError(t, err)
	assert.Equal(t, "http://identity:8080/api/token", c.tokenURL)
	assert.Equal(t, "http://identity:8080/api/anonymous", c.anonymousURL)
	assert.Equal(t, DefaultTimeout, c.timeout)
}

func TestLookupByToken(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	p, err := c.LookupByToken(ctx, "valid")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "4711", p.UserID)
	assert.False(t, p.Anonymous)
	assert.JSONEq(t, `{"userId":4711,"name":"Jane"}`, string(p.Profile))

	for _, token := range []string{"", "zero", "nouser", "expired"} {
		p, err := c.LookupByToken(ctx, token)
		assert.NoError(t, err, token)
		assert.Nil(t, p, token)
	}

	_, err = c.LookupByToken(ctx, "broken")
	assert.ErrorIs(t, err, ErrInvalidResponse)

	_, err = c.LookupByToken(ctx, "failing")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	_, err = c.LookupByToken(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetOrCreateAnonymousID(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	first, err := c.GetOrCreateAnonymousID(ctx, "device-a")
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	again, err := c.GetOrCreateAnonymousID(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := c.GetOrCreateAnonymousID(ctx, "device-b")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	_, err = c.GetOrCreateAnonymousID(ctx, "")
	assert.Error(t, err)
}

func TestGetOrCreateAnonymousIDErrors(t *testing.T) {
	for _, tt := range []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{{
		name: "status",
		handler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		want: ErrUnexpectedStatus,
	}, {
		name: "missing id",
		handler: func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, `{}`)
		},
		want: ErrInvalidResponse,
	}} {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			c, err := NewHTTPClient(Options{URL: server.URL})
			require.NoError(t, err)

			_, err = c.GetOrCreateAnonymousID(context.Background(), "device")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPClientSpans(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")

	var (
		mu          sync.Mutex
		traceparent string
	)
	svc := &identityService{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		traceparent = r.Header.Get("Traceparent")
		mu.Unlock()
		svc.ServeHTTP(w, r)
	}))
	defer server.Close()

	c, err := NewHTTPClient(Options{URL: server.URL, Tracer: tracer})
	require.NoError(t, err)

	ctx, parent := tracer.Start(context.Background(), "request_filters")
	_, err = c.LookupByToken(ctx, "valid")
	require.NoError(t, err)

	_, err = c.LookupByToken(ctx, "unknown")
	require.Error(t, err)
	parent.End()

	spans := rec.Ended()
	require.Len(t, spans, 3)

	ok, failed := spans[0], spans[1]
	for _, s := range []sdktrace.ReadOnlySpan{ok, failed} {
		assert.Equal(t, spanName, s.Name())
		assert.Equal(t, trace.SpanKindClient, s.SpanKind())
		assert.Equal(t, parent.SpanContext().SpanID(), s.Parent().SpanID())
		assert.Contains(t, s.Attributes(), attribute.String(operationTag, tokenOperation))
	}

	assert.Contains(t, ok.Attributes(), attribute.Int(statusCodeTag, http.StatusOK))
	assert.Equal(t, codes.Unset, ok.Status().Code)
	assert.Equal(t, codes.Error, failed.Status().Code)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, traceparent, failed.SpanContext().SpanID().String())
}
