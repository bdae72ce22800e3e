package net

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// strip port from addresses with hostname, ipv4 or ipv6
func stripPort(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}

	return address
}

func peerAddr(r *http.Request) netip.Addr {
	addr, _ := netip.ParseAddr(stripPort(r.RemoteAddr))
	return addr.Unmap()
}

// ClientIP returns the address of the client that sent the request.
//
// The X-Forwarded-For header is only honored when the peer address is
// one of the trusted proxies. In that case the header is walked from
// the right, skipping trusted hops, and the first untrusted address is
// the client. When every hop is trusted, the leftmost entry is used.
// With an empty or nil trusted set, the peer address is returned.
func ClientIP(r *http.Request, trusted *netipx.IPSet) netip.Addr {
	peer := peerAddr(r)
	if trusted == nil || !peer.IsValid() || !trusted.Contains(peer) {
		return peer
	}

	hops := r.Header.Values("X-Forwarded-For")
	if len(hops) == 0 {
		return peer
	}

	var entries []string
	for _, h := range hops {
		entries = append(entries, strings.Split(h, ",")...)
	}

	client := peer
	for i := len(entries) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(stripPort(strings.TrimSpace(entries[i])))
		if err != nil {
			// a hop we cannot parse ends the trusted chain
			return client
		}

		client = addr.Unmap()
		if !trusted.Contains(client) {
			return client
		}
	}

	return client
}

// ParseIPCIDRs returns a valid IPSet even in case there are parsing
// errors of some partial provided input cidrs. So recently added
// bogus values can be logged and ignored at runtime.
func ParseIPCIDRs(cidrs []string) (*netipx.IPSet, error) {
	var (
		b   netipx.IPSetBuilder
		err error
	)

	for _, w := range cidrs {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}

		if strings.Contains(w, "/") {
			if pref, e := netip.ParsePrefix(w); e != nil {
				err = e
			} else {
				b.AddPrefix(pref)
			}
		} else if addr, e := netip.ParseAddr(w); e != nil {
			err = e
		} else {
			b.Add(addr)
		}
	}

	ips, e := b.IPSet()
	if e != nil {
		return ips, e
	}

	return ips, err
}
