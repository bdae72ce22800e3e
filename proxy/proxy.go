/*
Package proxy implements the HTTP handler of the gateway.

For every incoming request the proxy resolves the route from the
current configuration snapshot, and applies the request side of the
global filter chain. Unless a filter served or dropped the request, the
request is forwarded to the backend of the route. The response side of
the executed filters is applied in reverse order, and the response is
streamed to the client.

A request without a route is still passed to the filters, without a
service id, and is answered with 404 when no filter served it.

A dropped request gets no response. The proxy aborts the handler with
http.ErrAbortHandler, and the server closes the connection of the
client.

Backend errors are answered with a JSON error envelope: 504 on
timeouts, 503 on network errors, 500 otherwise. The error response
passes the response side of the filters like a backend response. When
the client goes away before the response is sent, the status 499 is
logged.

Every request gets an ingress span, with child spans for the request
filters, the backend request and the response filters. The trace
context is extracted from the incoming headers and injected into the
backend request. Without a configured tracer provider the spans are
noop.
*/
package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go4.org/netipx"

	"github.com/aiolos/octopus/filters"
	"github.com/aiolos/octopus/logging"
	"github.com/aiolos/octopus/metrics"
	snet "github.com/aiolos/octopus/net"
	"github.com/aiolos/octopus/policy"
)

const (
	proxyBufferSize = 8192

	// StatusClientClosedRequest is logged when the client closed the
	// connection before the response was sent.
	StatusClientClosedRequest = 499

	unknownRouteID = "_unknownroute_"
	unknownService = "_unknown_"

	tracerName = "github.com/aiolos/octopus/proxy"

	ingressSpanName         = "ingress"
	requestFiltersSpanName  = "request_filters"
	responseFiltersSpanName = "response_filters"
	proxySpanName           = "proxy"

	routeIDTag    = "octopus.route_id"
	serviceIDTag  = "octopus.service_id"
	statusCodeTag = "http.status_code"
	methodTag     = "http.method"
	urlTag        = "http.url"
	droppedTag    = "octopus.dropped"
)

var (
	hopHeaders = map[string]bool{
		"Te":                  true,
		"Connection":          true,
		"Proxy-Connection":    true,
		"Keep-Alive":          true,
		"Proxy-Authenticate":  true,
		"Proxy-Authorization": true,
		"Trailer":             true,
		"Transfer-Encoding":   true,
		"Upgrade":             true,
	}
)

// PolicySource provides the current configuration snapshot, implemented
// by policy.Store.
type PolicySource interface {
	Get() *policy.Snapshot
}

// Params are the configuration of the proxy.
type Params struct {
	// Policies provide the routes.
	Policies PolicySource

	// Chain of the global filters. An empty chain when not set.
	Chain *filters.Chain

	// RoundTripper used for the backend requests. When not set, a
	// transport is created with the Transport options.
	RoundTripper http.RoundTripper

	// Transport options of the default round tripper.
	Transport snet.Options

	// TrustedProxies are the peers whose X-Forwarded-For header is used
	// to resolve the client address.
	TrustedProxies *netipx.IPSet

	// ForwardedHeaders set on the backend requests.
	ForwardedHeaders snet.ForwardedHeaders

	// PreserveHost sends the Host header of the incoming request to the
	// backend, instead of the host of the backend address.
	PreserveHost bool

	// AccessLogDisabled disables the access log of the proxy.
	AccessLogDisabled bool

	// Tracer creates the spans of the requests. Defaults to the tracer
	// of the global provider, a noop until the provider is set.
	Tracer trace.Tracer

	Metrics metrics.Metrics
}

// Proxy is the http.Handler forwarding the requests to the backends.
type Proxy struct {
	policies          PolicySource
	chain             *filters.Chain
	roundTripper      http.RoundTripper
	trustedProxies    *netipx.IPSet
	forwarded         snet.ForwardedHeaders
	preserveHost      bool
	accessLogDisabled bool
	metrics           metrics.Metrics
	tracer            trace.Tracer
	log               logging.Logger
	quit              chan struct{}
	once              sync.Once
}

// proxyError wraps the errors of the backend request, with the status
// code of the response sent to the client.
type proxyError struct {
	err  error
	code int
}

func (e *proxyError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("proxy error %d: %v", e.code, e.err)
	}

	return fmt.Sprintf("proxy error: %d", e.code)
}

func (e *proxyError) Unwrap() error { return e.err }

// WithParams creates a proxy.
func WithParams(p Params) *Proxy {
	if p.Policies == nil {
		p.Policies = policy.NewStore(nil)
	}

	if p.Metrics == nil {
		p.Metrics = metrics.Default
	}

	if p.Chain == nil {
		p.Chain = filters.NewChain(p.Metrics)
	}

	if p.Tracer == nil {
		p.Tracer = otel.Tracer(tracerName)
	}

	quit := make(chan struct{})
	if p.RoundTripper == nil {
		p.RoundTripper = snet.NewHTTPRoundTripper(p.Transport, quit)
	}

	return &Proxy{
		policies:          p.Policies,
		chain:             p.Chain,
		roundTripper:      p.RoundTripper,
		trustedProxies:    p.TrustedProxies,
		forwarded:         p.ForwardedHeaders,
		preserveHost:      p.PreserveHost,
		accessLogDisabled: p.AccessLogDisabled,
		metrics:           p.Metrics,
		tracer:            p.Tracer,
		log:               logging.New(),
		quit:              quit,
	}
}

func copyHeader(to, from http.Header) {
	for k, v := range from {
		to[http.CanonicalHeaderKey(k)] = v
	}
}

func cloneHeaderExcluding(h http.Header, excludeList map[string]bool) http.Header {
	hh := make(http.Header)
	for k, v := range h {
		if !excludeList[http.CanonicalHeaderKey(k)] {
			hh[http.CanonicalHeaderKey(k)] = v
		}
	}

	return hh
}

func removeHopHeaders(h http.Header) {
	for k := range hopHeaders {
		h.Del(k)
	}
}

// copies a stream with flushing on every successful read operation
// (similar to io.Copy but with flushing)
func copyStream(to *logging.LoggingWriter, from io.Reader) error {
	b := make([]byte, proxyBufferSize)

	for {
		l, rerr := from.Read(b)
		if rerr != nil && rerr != io.EOF {
			return rerr
		}

		if l > 0 {
			_, werr := to.Write(b[:l])
			if werr != nil {
				return werr
			}

			to.Flush()
		}

		if rerr == io.EOF {
			return nil
		}
	}
}

// creates an outgoing http request to be forwarded to the route endpoint
// based on the augmented incoming request
func (p *Proxy) mapRequest(ctx *context) (*http.Request, error) {
	r := ctx.request
	u := cloneURL(ctx.route.BackendURL())
	u.Path = ctx.route.ForwardPath(r.URL.Path)
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""

	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}

	rr, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}

	rr.ContentLength = r.ContentLength
	rr.Header = cloneHeaderExcluding(r.Header, hopHeaders)
	if p.preserveHost {
		rr.Host = r.Host
	}

	p.forwarded.Set(rr, r)
	return rr, nil
}

func cloneURL(u *url.URL) *url.URL {
	uc := *u
	uc.User = nil
	return &uc
}

func (p *Proxy) makeBackendRequest(ctx *context) (*http.Response, *proxyError) {
	req, err := p.mapRequest(ctx)
	if err != nil {
		p.log.Errorf("could not map backend request, caused by: %v", err)
		return nil, &proxyError{err: err, code: http.StatusInternalServerError}
	}

	spanCtx, span := p.tracer.Start(req.Context(), proxySpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(routeIDTag, ctx.routeID()),
			attribute.String(serviceIDTag, ctx.ServiceID()),
			attribute.String(methodTag, req.Method),
			attribute.String(urlTag, req.URL.String()),
		),
	)
	defer span.End()

	req = req.WithContext(spanCtx)
	otel.GetTextMapPropagator().Inject(spanCtx, propagation.HeaderCarrier(req.Header))

	p.metrics.IncCounter("outgoing." + req.Proto)
	rsp, err := p.roundTripper.RoundTrip(req)
	if err == nil {
		span.SetAttributes(attribute.Int(statusCodeTag, rsp.StatusCode))
		return rsp, nil
	}

	perr := p.backendError(ctx, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Int(statusCodeTag, perr.code))
	return nil, perr
}

func (p *Proxy) backendError(ctx *context, err error) *proxyError {
	if cerr := ctx.request.Context().Err(); cerr != nil {
		return &proxyError{err: cerr, code: StatusClientClosedRequest}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		p.log.Errorf("net.Error during backend roundtrip to %s: timeout=%v: %v", ctx.route.Backend, nerr.Timeout(), err)
		if nerr.Timeout() {
			return &proxyError{err: err, code: http.StatusGatewayTimeout}
		}

		return &proxyError{err: err, code: http.StatusServiceUnavailable}
	}

	p.log.Errorf("Unexpected error from Go stdlib net/http package during roundtrip: %v", err)
	return &proxyError{err: err, code: http.StatusInternalServerError}
}

// withSpan runs f with the request context carrying a child span of
// the current request span.
func (p *Proxy) withSpan(ctx *context, name string, f func()) {
	parent := ctx.request.Context()
	spanCtx, span := p.tracer.Start(parent, name)
	defer span.End()

	ctx.request = ctx.request.WithContext(spanCtx)
	defer func() { ctx.request = ctx.request.WithContext(parent) }()
	f()
}

func (p *Proxy) do(ctx *context) error {
	var processed []filters.GlobalFilter
	p.withSpan(ctx, requestFiltersSpanName, func() {
		processed = p.chain.ApplyRequest(ctx)
	})

	if ctx.dropped {
		return nil
	}

	if !ctx.served {
		if ctx.route == nil {
			p.log.Debugf("could not find a route for %v", ctx.request.URL)
			p.metrics.IncCounter("routing.failures")
			ctx.response = filters.ErrorResponse(http.StatusNotFound, "")
			ctx.response.Request = ctx.request
		} else {
			backendStart := time.Now()
			rsp, perr := p.makeBackendRequest(ctx)
			if perr != nil {
				p.metrics.IncErrorsBackend(ctx.ServiceID())
				if perr.code == StatusClientClosedRequest {
					return perr
				}

				// the error response still passes the response filters,
				// e.g. a minted device cookie is issued
				p.logProxyError(ctx, perr.code, perr)
				ctx.response = filters.ErrorResponse(perr.code, "")
				ctx.response.Request = ctx.request
			} else {
				ctx.response = rsp
				p.metrics.MeasureBackend(ctx.ServiceID(), backendStart)
			}
		}
	}

	ctx.ensureDefaultResponse()
	removeHopHeaders(ctx.response.Header)
	p.withSpan(ctx, responseFiltersSpanName, func() {
		p.chain.ApplyResponse(processed, ctx)
	})

	return nil
}

func writeResponse(w http.ResponseWriter, rsp *http.Response) error {
	copyHeader(w.Header(), rsp.Header)
	w.WriteHeader(rsp.StatusCode)
	_, err := io.Copy(w, rsp.Body)
	return err
}

func (p *Proxy) errorResponse(ctx *context, err error) {
	code := http.StatusInternalServerError
	var perr *proxyError
	if errors.As(err, &perr) && perr.code != 0 {
		code = perr.code
	}

	p.logProxyError(ctx, code, err)
	rsp := filters.ErrorResponse(code, "")
	if err := writeResponse(ctx.responseWriter, rsp); err != nil {
		p.log.Debugf("Failed to write the error response: %v", err)
	}
}

func (p *Proxy) logProxyError(ctx *context, code int, err error) {
	if code == StatusClientClosedRequest {
		p.log.Infof("Client request: %v", err)
	} else {
		p.log.Errorf("error while proxying, route %s, status code %d: %v", ctx.routeID(), code, err)
	}
}

func (p *Proxy) serveResponse(ctx *context) {
	copyHeader(ctx.responseWriter.Header(), ctx.response.Header)

	if err := ctx.request.Context().Err(); err != nil {
		// deadline exceeded or canceled in stdlib, client closed request
		p.log.Infof("Client request: %v", err)
		ctx.response.StatusCode = StatusClientClosedRequest
	}

	lw := ctx.responseWriter.(*logging.LoggingWriter)
	lw.WriteHeader(ctx.response.StatusCode)
	lw.Flush()
	if err := copyStream(lw, ctx.response.Body); err != nil {
		p.metrics.IncCounter("errors.streaming." + ctx.routeID())
		p.log.Errorf("error while copying the response stream: %v", err)
	}
}

func (p *Proxy) logAccess(ctx *context, lw *logging.LoggingWriter) {
	if p.accessLogDisabled {
		return
	}

	entry := &logging.AccessEntry{
		Request:      ctx.request,
		ResponseSize: lw.GetBytes(),
		StatusCode:   lw.GetCode(),
		RequestTime:  ctx.startServe,
		Duration:     time.Since(ctx.startServe),
		ServiceID:    ctx.ServiceID(),
	}

	if ctx.clientIP.IsValid() {
		entry.ClientIP = ctx.clientIP.String()
	}

	if user, ok := ctx.stateBag[filters.AuthUserKey].(string); ok {
		entry.UserID = user
	}

	logging.LogAccess(entry)
}

// http.Handler implementation
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lw := logging.NewLoggingWriter(w)
	p.metrics.IncCounter("incoming." + r.Proto)

	spanCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	spanCtx, span := p.tracer.Start(spanCtx, ingressSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(methodTag, r.Method),
			attribute.String(urlTag, r.URL.Path),
		),
	)
	defer span.End()
	r = r.WithContext(spanCtx)

	route := p.policies.Get().Routes.Match(r)
	if route != nil {
		span.SetAttributes(
			attribute.String(routeIDTag, route.Id),
			attribute.String(serviceIDTag, route.ServiceID()),
		)
	}

	ctx := newContext(lw, r, route, snet.ClientIP(r, p.trustedProxies))

	defer p.logAccess(ctx, lw)
	defer func() {
		if ctx.response != nil && ctx.response.Body != nil {
			if err := ctx.response.Body.Close(); err != nil {
				p.log.Errorf("error during closing the response body: %v", err)
			}
		}
	}()

	err := p.do(ctx)
	if ctx.dropped {
		p.metrics.IncCounter("dropped")
		p.log.Debugf("request dropped: %s %s", r.Method, r.URL.Path)
		span.SetAttributes(attribute.Bool(droppedTag, true))
		panic(http.ErrAbortHandler)
	}

	service := ctx.ServiceID()
	if service == "" {
		service = unknownService
	}

	if err != nil {
		p.errorResponse(ctx, err)
		span.SetAttributes(attribute.Int(statusCodeTag, lw.GetCode()))
		p.metrics.MeasureServe(service, r.Method, lw.GetCode(), ctx.startServe)
		return
	}

	p.serveResponse(ctx)
	span.SetAttributes(attribute.Int(statusCodeTag, ctx.response.StatusCode))
	if ctx.response.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(ctx.response.StatusCode))
	}

	p.metrics.MeasureServe(service, r.Method, ctx.response.StatusCode, ctx.startServe)
}

// Close stops closing the idle connections of the default round
// tripper.
func (p *Proxy) Close() error {
	p.once.Do(func() { close(p.quit) })
	return nil
}
