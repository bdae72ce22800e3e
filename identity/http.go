package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout = time.Second

	maxResponseBody = 1 << 20

	tracerName = "github.com/aiolos/octopus/identity"
	spanName   = "identity"

	operationTag  = "identity.operation"
	statusCodeTag = "http.status_code"

	tokenOperation     = "token"
	anonymousOperation = "anonymous"
)

// Options configure the HTTP client of the identity service.
type Options struct {
	// URL of the identity service, the endpoints /token and /anonymous
	// are relative to it.
	URL string

	// Timeout of a single call, defaults to one second.
	Timeout time.Duration

	// RoundTripper used for the calls, defaults to
	// http.DefaultTransport.
	RoundTripper http.RoundTripper

	// Tracer of the calls, defaults to the tracer of the global
	// provider.
	Tracer trace.Tracer
}

// HTTPClient implements Client with the HTTP API of the identity
// service.
type HTTPClient struct {
	tokenURL     string
	anonymousURL string
	timeout      time.Duration
	client       *http.Client
	tracer       trace.Tracer
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(o Options) (*HTTPClient, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid identity service url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid identity service url: %q", o.URL)
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	if o.RoundTripper == nil {
		o.RoundTripper = http.DefaultTransport
	}

	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}

	base := strings.TrimSuffix(u.String(), "/")
	return &HTTPClient{
		tokenURL:     base + "/token",
		anonymousURL: base + "/anonymous",
		timeout:      o.Timeout,
		client:       &http.Client{Transport: o.RoundTripper},
		tracer:       o.Tracer,
	}, nil
}

func (c *HTTPClient) do(req *http.Request, operation string) (int, []byte, error) {
	ctx, span := c.tracer.Start(req.Context(), spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(operationTag, operation)),
	)
	defer span.End()

	req = req.WithContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	rsp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, nil, err
	}
	defer rsp.Body.Close()

	span.SetAttributes(attribute.Int(statusCodeTag, rsp.StatusCode))
	if rsp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(rsp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(rsp.Body, maxResponseBody))
	if err != nil {
		span.RecordError(err)
		return 0, nil, fmt.Errorf("failed to read identity service response: %w", err)
	}

	return rsp.StatusCode, body, nil
}

// LookupByToken gets the profile of the user owning the token. The
// profile must contain a userId field, an empty or zero userId means no
// identity.
func (c *HTTPClient) LookupByToken(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	code, body, err := c.do(req, tokenOperation)
	if err != nil {
		return nil, err
	}

	switch code {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: token lookup: %d", ErrUnexpectedStatus, code)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: token lookup: malformed json", ErrInvalidResponse)
	}

	id := gjson.GetBytes(body, "userId")
	if !id.Exists() || id.String() == "" || id.String() == "0" {
		return nil, nil
	}

	return &Principal{
		UserID:  id.String(),
		Profile: json.RawMessage(body),
	}, nil
}

// GetOrCreateAnonymousID exchanges a device id for the id of an
// anonymous user.
func (c *HTTPClient) GetOrCreateAnonymousID(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "" {
		return "", errors.New("missing device id")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(struct {
		DeviceID string `json:"deviceId"`
	}{deviceID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.anonymousURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	code, body, err := c.do(req, anonymousOperation)
	if err != nil {
		return "", err
	}

	if code != http.StatusOK {
		return "", fmt.Errorf("%w: anonymous id: %d", ErrUnexpectedStatus, code)
	}

	id := gjson.GetBytes(body, "anonymousId")
	if !id.Exists() || id.String() == "" {
		return "", fmt.Errorf("%w: missing anonymousId", ErrInvalidResponse)
	}

	return id.String(), nil
}
