// Package filtertest implements mock versions of the FilterContext and
// GlobalFilter interfaces used during tests.
package filtertest

import (
	"net/http"
	"net/netip"

	"github.com/aiolos/octopus/filters"
)

// Noop filter, used to verify the filter name and the precedence, and to
// record the calls of the chain.
type Filter struct {
	FilterName  string
	FilterOrder int

	// Calls, when set, receives "<name>.request" and "<name>.response"
	// entries in the order of the calls.
	Calls *[]string

	// OnRequest, when set, is called by the request side.
	OnRequest func(filters.FilterContext)

	// OnResponse, when set, is called by the response side.
	OnResponse func(filters.FilterContext)
}

// Simple FilterContext implementation.
type Context struct {
	FResponseWriter http.ResponseWriter
	FRequest        *http.Request
	FResponse       *http.Response
	FServed         bool
	FDropped        bool
	FStateBag       map[string]any
	FServiceID      string
	FClientIP       netip.Addr
}

func (f *Filter) Name() string { return f.FilterName }
func (f *Filter) Order() int   { return f.FilterOrder }

func (f *Filter) Request(ctx filters.FilterContext) {
	if f.Calls != nil {
		*f.Calls = append(*f.Calls, f.FilterName+".request")
	}

	if f.OnRequest != nil {
		f.OnRequest(ctx)
	}
}

func (f *Filter) Response(ctx filters.FilterContext) {
	if f.Calls != nil {
		*f.Calls = append(*f.Calls, f.FilterName+".response")
	}

	if f.OnResponse != nil {
		f.OnResponse(ctx)
	}
}

func (fc *Context) ResponseWriter() http.ResponseWriter { return fc.FResponseWriter }
func (fc *Context) Request() *http.Request              { return fc.FRequest }
func (fc *Context) Response() *http.Response            { return fc.FResponse }
func (fc *Context) Served() bool                        { return fc.FServed }
func (fc *Context) Drop()                               { fc.FDropped = true }
func (fc *Context) Dropped() bool                       { return fc.FDropped }
func (fc *Context) ServiceID() string                   { return fc.FServiceID }
func (fc *Context) ClientIP() netip.Addr                { return fc.FClientIP }

func (fc *Context) StateBag() map[string]any {
	if fc.FStateBag == nil {
		fc.FStateBag = make(map[string]any)
	}

	return fc.FStateBag
}

func (fc *Context) Serve(resp *http.Response) {
	fc.FServed = true
	fc.FResponse = resp
}
