/*
Package routing matches the incoming requests to the backend services.

A route has a path prefix and a backend address. The prefix matches on
whole path segments, i.e. the route with the path /billing matches the
request paths /billing and /billing/orders, but not /billings. When more
routes match a request, the route with the longest path wins.

The identifier of the service that a route points to is the host name of
its backend address, without the port. It is used by the global filters
to find the rate limit and the whitelist configuration of the service.

The routing table is immutable. It is part of the policy snapshot, and it
is replaced together with the rest of the configuration on reload.
*/
package routing

import (
	"cmp"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// ErrInvalidRoute is returned when a route has no usable path or backend.
var ErrInvalidRoute = errors.New("invalid route")

// Route maps a path prefix to a backend service.
type Route struct {

	// Id of the route, used in the logs.
	Id string `yaml:"id"`

	// Path prefix matched against the request path.
	Path string `yaml:"path"`

	// Backend address, with scheme and host, and an optional base path.
	Backend string `yaml:"backend"`

	// When set, the path prefix is removed from the request path before
	// forwarding the request to the backend.
	StripPrefix bool `yaml:"strip-prefix"`

	backendURL *url.URL
}

// Table holds the routes ordered by the length of their path, longest
// first.
type Table struct {
	routes []*Route
}

func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}

	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	return strings.TrimSuffix(p, "/")
}

// Init validates the route and parses its backend address.
func (r *Route) Init() error {
	u, err := url.Parse(r.Backend)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRoute, r.Id, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %s: unsupported backend scheme %q", ErrInvalidRoute, r.Id, u.Scheme)
	}

	if u.Hostname() == "" {
		return fmt.Errorf("%w: %s: missing backend host", ErrInvalidRoute, r.Id)
	}

	r.Path = normalizePath(r.Path)
	r.backendURL = u
	return nil
}

// BackendURL returns the parsed backend address. Only valid after Init.
func (r *Route) BackendURL() *url.URL {
	return r.backendURL
}

// ServiceID returns the identifier of the service that the route points
// to.
func (r *Route) ServiceID() string {
	if r.backendURL == nil {
		return ""
	}

	return r.backendURL.Hostname()
}

func (r *Route) matches(path string) bool {
	if r.Path == "/" {
		return true
	}

	if !strings.HasPrefix(path, r.Path) {
		return false
	}

	return len(path) == len(r.Path) || path[len(r.Path)] == '/'
}

// ForwardPath returns the path that the backend receives for the request
// path.
func (r *Route) ForwardPath(path string) string {
	if r.StripPrefix && r.Path != "/" {
		path = strings.TrimPrefix(path, r.Path)
	}

	base := ""
	if r.backendURL != nil {
		base = strings.TrimSuffix(r.backendURL.Path, "/")
	}

	if path == "" || path[0] != '/' {
		path = "/" + path
	}

	return base + path
}

// NewTable initializes the routes and creates a routing table. Route ids
// must be unique.
func NewTable(routes []*Route) (*Table, error) {
	ids := make(map[string]bool)
	sorted := make([]*Route, 0, len(routes))
	for _, r := range routes {
		if r == nil {
			continue
		}

		if r.Id == "" {
			return nil, fmt.Errorf("%w: missing id, path: %s", ErrInvalidRoute, r.Path)
		}

		if ids[r.Id] {
			return nil, fmt.Errorf("%w: duplicate id: %s", ErrInvalidRoute, r.Id)
		}

		ids[r.Id] = true
		if err := r.Init(); err != nil {
			return nil, err
		}

		sorted = append(sorted, r)
	}

	slices.SortStableFunc(sorted, func(a, b *Route) int {
		return cmp.Compare(len(b.Path), len(a.Path))
	})

	return &Table{routes: sorted}, nil
}

// Match returns the route with the longest path prefix matching the
// request path, or nil.
func (t *Table) Match(r *http.Request) *Route {
	if t == nil {
		return nil
	}

	p := r.URL.Path
	if p == "" {
		p = "/"
	}

	for _, rt := range t.routes {
		if rt.matches(p) {
			return rt
		}
	}

	return nil
}

// Routes returns the routes of the table.
func (t *Table) Routes() []*Route {
	if t == nil {
		return nil
	}

	return slices.Clone(t.routes)
}

// Services returns the sorted, unique service ids of the routes.
func (t *Table) Services() []string {
	if t == nil {
		return nil
	}

	var s []string
	for _, r := range t.routes {
		s = append(s, r.ServiceID())
	}

	slices.Sort(s)
	return slices.Compact(s)
}
