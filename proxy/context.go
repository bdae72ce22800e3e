package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/aiolos/octopus/routing"
)

type context struct {
	responseWriter http.ResponseWriter
	request        *http.Request
	response       *http.Response
	route          *routing.Route
	served         bool
	dropped        bool
	stateBag       map[string]any
	clientIP       netip.Addr
	startServe     time.Time
}

func defaultBody() io.ReadCloser {
	return io.NopCloser(&bytes.Buffer{})
}

func defaultResponse(r *http.Request) *http.Response {
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Header:     make(http.Header),
		Body:       defaultBody(),
		Request:    r,
	}
}

func newContext(w http.ResponseWriter, r *http.Request, rt *routing.Route, clientIP netip.Addr) *context {
	return &context{
		responseWriter: w,
		request:        r,
		route:          rt,
		stateBag:       make(map[string]any),
		clientIP:       clientIP,
		startServe:     time.Now(),
	}
}

func (c *context) ensureDefaultResponse() {
	if c.response == nil {
		c.response = defaultResponse(c.request)
		return
	}

	if c.response.Header == nil {
		c.response.Header = make(http.Header)
	}

	if c.response.Body == nil {
		c.response.Body = defaultBody()
	}
}

func (c *context) ResponseWriter() http.ResponseWriter { return c.responseWriter }
func (c *context) Request() *http.Request              { return c.request }
func (c *context) Response() *http.Response            { return c.response }
func (c *context) Served() bool                        { return c.served }
func (c *context) Dropped() bool                       { return c.dropped }
func (c *context) StateBag() map[string]any            { return c.stateBag }
func (c *context) ClientIP() netip.Addr                { return c.clientIP }

func (c *context) ServiceID() string {
	if c.route == nil {
		return ""
	}

	return c.route.ServiceID()
}

func (c *context) Serve(rsp *http.Response) {
	if rsp == nil {
		rsp = defaultResponse(c.request)
	}

	rsp.Request = c.request
	c.response = rsp
	c.ensureDefaultResponse()
	c.served = true
}

func (c *context) Drop() {
	c.dropped = true
}

func (c *context) routeID() string {
	if c.route == nil {
		return unknownRouteID
	}

	return c.route.Id
}
