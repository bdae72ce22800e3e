package net

import (
	"net/http"
	"net/netip"
)

// ForwardedHeaders sets the non-standard X-Forwarded-* headers on the
// outgoing backend request.
// See https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers#proxies
type ForwardedHeaders struct {
	// Sets or appends the peer address to the X-Forwarded-For header
	For bool
	// Sets or prepends the peer address to the X-Forwarded-For header, overrides For
	PrependFor bool
	// Sets X-Forwarded-Host to the request host
	Host bool
	// Sets X-Forwarded-Proto value
	Proto string
}

// Set updates the headers of the outgoing request. The incoming request
// provides the peer address and the requested host, since the outgoing
// request has neither.
func (h *ForwardedHeaders) Set(out, in *http.Request) {
	if h.For || h.PrependFor {
		if addr := peerAddr(in); addr.IsValid() {
			setForwardedFor(out.Header, addr, h.PrependFor)
		}
	}

	if h.Host {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}

	if h.Proto != "" {
		out.Header.Set("X-Forwarded-Proto", h.Proto)
	}
}

func setForwardedFor(header http.Header, addr netip.Addr, prepend bool) {
	v := header.Get("X-Forwarded-For")
	switch {
	case v == "":
		v = addr.String()
	case prepend:
		v = addr.String() + ", " + v
	default:
		v = v + ", " + addr.String()
	}

	header.Set("X-Forwarded-For", v)
}
