package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiolos/octopus/ratelimit"
)

const testConfig = `
routes:
- id: billing
  path: /billing
  backend: http://billing:8080
  strip-prefix: true
- id: orders
  path: /orders
  backend: http://orders.internal
rate-limit:
  services:
  - id: billing
    default-config:
      max-requests: 50
      time-window: 20
      ban-time: 120
    interfaces:
    - path: /billing/invoices/export
      max-requests: 1
    - path: /billing/invoices
      max-requests: 5
      ban-time: 300
  - id: orders
    interfaces:
    - path: /orders/checkout
      time-window: 30
whitelist:
  services:
  - id: billing
    urls:
    - /billing/public
    - /health
    anonymous-urls:
    - /billing/catalog
`

func parseTestConfig(t *testing.T) *Snapshot {
	t.Helper()
	s, err := Parse([]byte(testConfig))
	require.NoError(t, err)
	return s
}

func TestRateLimitPolicy(t *testing.T) {
	s := parseTestConfig(t)
	global := ratelimit.DefaultPolicy()

	for _, tt := range []struct {
		name      string
		serviceID string
		path      string
		want      ratelimit.Policy
	}{{
		name:      "unknown service uses the global policy",
		serviceID: "unknown",
		path:      "/unknown/foo",
		want:      global,
	}, {
		name:      "service default",
		serviceID: "billing",
		path:      "/billing/customers",
		want:      ratelimit.Policy{MaxRequests: 50, TimeWindow: 20 * time.Second, BanTime: 120 * time.Second},
	}, {
		name:      "interface override for one field",
		serviceID: "billing",
		path:      "/billing/invoices/export/2024",
		want:      ratelimit.Policy{MaxRequests: 1, TimeWindow: 20 * time.Second, BanTime: 120 * time.Second},
	}, {
		name:      "interface override for two fields",
		serviceID: "billing",
		path:      "/billing/invoices/42",
		want:      ratelimit.Policy{MaxRequests: 5, TimeWindow: 20 * time.Second, BanTime: 300 * time.Second},
	}, {
		name:      "interface path is matched by containment",
		serviceID: "billing",
		path:      "/v2/billing/invoices",
		want:      ratelimit.Policy{MaxRequests: 5, TimeWindow: 20 * time.Second, BanTime: 300 * time.Second},
	}, {
		name:      "service without default falls back to global per field",
		serviceID: "orders",
		path:      "/orders/checkout",
		want:      ratelimit.Policy{MaxRequests: 100, TimeWindow: 30 * time.Second, BanTime: 60 * time.Second},
	}, {
		name:      "service without default and no interface match",
		serviceID: "orders",
		path:      "/orders/list",
		want:      global,
	}} {
		t.Run(tt.name, func(t *testing.T) {
			got := s.RateLimitPolicy(tt.serviceID, tt.path, global)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("unexpected policy (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRateLimitInterfaceOrder(t *testing.T) {
	s, err := Parse([]byte(`
rate-limit:
  services:
  - id: billing
    interfaces:
    - path: /billing
      max-requests: 10
    - path: /billing/invoices
      max-requests: 5
`))
	require.NoError(t, err)

	// the first configured interface wins, even when a later one is more specific
	p := s.RateLimitPolicy("billing", "/billing/invoices", ratelimit.DefaultPolicy())
	assert.Equal(t, 10, p.MaxRequests)
}

func TestWhitelist(t *testing.T) {
	s := parseTestConfig(t)

	w := s.Whitelist("billing")
	require.NotNil(t, w)

	assert.True(t, w.Bypass("/billing/public/terms"))
	assert.True(t, w.Bypass("/billing/health"))
	assert.False(t, w.Bypass("/billing/catalog"))

	assert.True(t, w.Anonymous("/billing/catalog/items"))
	assert.False(t, w.Anonymous("/billing/invoices"))

	missing := s.Whitelist("orders")
	assert.Nil(t, missing)
	assert.False(t, missing.Bypass("/orders"))
	assert.False(t, missing.Anonymous("/orders"))
}

func TestParseRoutes(t *testing.T) {
	s := parseTestConfig(t)
	assert.Equal(t, []string{"billing", "orders.internal"}, s.Routes.Services())
	assert.Len(t, s.Routes.Routes(), 2)
}

func TestParseErrors(t *testing.T) {
	for _, tt := range []struct {
		name   string
		config string
	}{{
		name:   "invalid yaml",
		config: "rate-limit: [",
	}, {
		name:   "unknown field",
		config: "rate-limits: {}",
	}, {
		name: "zero max requests",
		config: `
rate-limit:
  services:
  - id: billing
    default-config:
      max-requests: 0`,
	}, {
		name: "negative interface ban time",
		config: `
rate-limit:
  services:
  - id: billing
    interfaces:
    - path: /billing
      ban-time: -1`,
	}, {
		name: "interface without path",
		config: `
rate-limit:
  services:
  - id: billing
    interfaces:
    - max-requests: 3`,
	}, {
		name: "duplicate rate limit service",
		config: `
rate-limit:
  services:
  - id: billing
  - id: billing`,
	}, {
		name: "whitelist service without id",
		config: `
whitelist:
  services:
  - urls: [/foo]`,
	}, {
		name: "empty whitelist url",
		config: `
whitelist:
  services:
  - id: billing
    anonymous-urls: [""]`,
	}, {
		name: "invalid route backend",
		config: `
routes:
- id: billing
  path: /billing
  backend: ftp://billing`,
	}} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.config))
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	s, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, s.Routes.Routes())
	assert.Nil(t, s.Whitelist("billing"))
	assert.Equal(t, ratelimit.DefaultPolicy(), s.RateLimitPolicy("billing", "/billing", ratelimit.DefaultPolicy()))
}

func TestLoadFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(name, []byte(testConfig), 0o644))

	s, err := LoadFile(name)
	require.NoError(t, err)
	assert.NotNil(t, s.RateLimitService("billing"))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
