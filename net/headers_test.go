package net

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForwardedHeaders(t *testing.T) {
	for _, tt := range []struct {
		name     string
		headers  ForwardedHeaders
		existing string
		want     http.Header
	}{{
		name:    "no headers",
		headers: ForwardedHeaders{},
		want:    http.Header{},
	}, {
		name:    "set for",
		headers: ForwardedHeaders{For: true},
		want:    http.Header{"X-Forwarded-For": []string{"192.0.2.1"}},
	}, {
		name:     "append for",
		headers:  ForwardedHeaders{For: true},
		existing: "203.0.113.7",
		want:     http.Header{"X-Forwarded-For": []string{"203.0.113.7, 192.0.2.1"}},
	}, {
		name:     "prepend for",
		headers:  ForwardedHeaders{For: true, PrependFor: true},
		existing: "203.0.113.7",
		want:     http.Header{"X-Forwarded-For": []string{"192.0.2.1, 203.0.113.7"}},
	}, {
		name:    "host and proto",
		headers: ForwardedHeaders{Host: true, Proto: "https"},
		want: http.Header{
			"X-Forwarded-Host":  []string{"api.example.org"},
			"X-Forwarded-Proto": []string{"https"},
		},
	}} {
		t.Run(tt.name, func(t *testing.T) {
			in := &http.Request{RemoteAddr: "192.0.2.1:4711", Host: "api.example.org", Header: http.Header{}}
			out := &http.Request{Header: http.Header{}}
			if tt.existing != "" {
				out.Header.Set("X-Forwarded-For", tt.existing)
			}

			tt.headers.Set(out, in)

			assert.Equal(t, tt.want, out.Header)
		})
	}
}

func TestForwardedHeadersInvalidPeer(t *testing.T) {
	in := &http.Request{RemoteAddr: "@", Header: http.Header{}}
	out := &http.Request{Header: http.Header{}}

	h := ForwardedHeaders{For: true}
	h.Set(out, in)

	assert.Empty(t, out.Header.Get("X-Forwarded-For"))
}
