package filters

import (
	"errors"
	"math"
	"net/http"
	"net/netip"
)

// FilterContext object providing state and information that is unique to a request.
type FilterContext interface {
	// The response writer object belonging to the incoming request. Used by
	// filters that handle the requests themselves.
	ResponseWriter() http.ResponseWriter

	// The incoming request object. It is forwarded to the backend after
	// the request side of all filters was applied, so changes to its headers
	// are seen by the backend.
	Request() *http.Request

	// The response object. It is returned to the client with the changes
	// applied by the response side of the filters. Nil during the request
	// phase unless a filter has served the request.
	Response() *http.Response

	// Serve can be used to provide a response object directly, which
	// stops the request side of the chain. Only the response side of the
	// filters that were already executed is applied.
	Serve(*http.Response)

	// Served returns true if the request was served with a response by a
	// filter.
	Served() bool

	// Drop terminates the chain without any response. The connection of
	// the client is aborted, and no status code or body is written.
	Drop()

	// Dropped returns true if a filter decided to drop the request.
	Dropped() bool

	// Provides a read-write state bag, unique to a request and shared by all
	// the filters in the chain.
	StateBag() map[string]any

	// ServiceID returns the identifier of the backend service resolved by
	// the routing layer, or the empty string if no route matched.
	ServiceID() string

	// ClientIP returns the address of the client, taken from the
	// X-Forwarded-For header when the direct peer is a trusted proxy.
	ClientIP() netip.Addr
}

// Filter is applied on the request and on the response side of the
// pipeline. Filter instances are shared by all requests, so any state
// stored with a filter must be safe for concurrent use.
type Filter interface {
	// The Request method is called while processing the incoming request.
	Request(FilterContext)

	// The Response method is called while processing the response to be
	// returned.
	Response(FilterContext)
}

// GlobalFilter is a filter applied to every request, ordered by its
// precedence.
type GlobalFilter interface {
	Filter

	// Name is used for logging and metrics.
	Name() string

	// Order is the precedence of the filter. Lower values run first on the
	// request side and last on the response side.
	Order() int
}

// HighestPrecedence is the order of the filter that runs before any other
// filter.
const HighestPrecedence = math.MinInt32

// Precedence of the built-in filters.
const (
	ApiDocsOrder   = HighestPrecedence
	RatelimitOrder = HighestPrecedence + 1
	IdentityOrder  = HighestPrecedence + 2
)

// All built-in filter names.
const (
	ApiDocsName   = "apiDocsPrefix"
	RatelimitName = "ratelimit"
	IdentityName  = "identity"
)

// ErrInvalidFilterParameters is used when a filter is created with
// unusable options.
var ErrInvalidFilterParameters = errors.New("invalid filter parameters")

// State bag keys shared by the filters and the access log.
const (
	// AuthUserKey is set by the identity filter to the resolved user id.
	AuthUserKey = "auth-user"

	// AuthRejectReasonKey is set by the identity filter when a request
	// was rejected.
	AuthRejectReasonKey = "auth-reject-reason"
)
