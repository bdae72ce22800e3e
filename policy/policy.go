/*
Package policy holds the configuration of the gateway that is resolved
per request: the routes, the rate limit policies and the whitelists of
the services.

The configuration is loaded from a YAML file:

	routes:
	- id: billing
	  path: /billing
	  backend: http://billing:8080
	  strip-prefix: true
	rate-limit:
	  services:
	  - id: billing
	    default-config:
	      max-requests: 50
	      time-window: 10
	      ban-time: 60
	    interfaces:
	    - path: /billing/invoices
	      max-requests: 5
	whitelist:
	  services:
	  - id: billing
	    urls:
	    - /billing/public
	    anonymous-urls:
	    - /billing/catalog

Time windows and ban times are given in seconds. The fields of an
interface config fall back to the default config of the service, and
those to the global default, independently for each field. The first
interface whose path is contained in the request path is used, so
overlapping interface paths must be listed from the most specific to the
least specific.

Whitelist entries match when they are contained in the request path.

A loaded configuration is an immutable Snapshot. The Store holds the
current snapshot, and Watch replaces it when the file changes.
*/
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/aiolos/octopus/ratelimit"
	"github.com/aiolos/octopus/routing"
)

// ErrInvalidPolicy is returned when the configuration file cannot be
// used.
var ErrInvalidPolicy = errors.New("invalid policy")

// RateLimitDefault is the default rate limit config of a service. Unset
// fields fall back to the global default.
type RateLimitDefault struct {
	MaxRequests *int `yaml:"max-requests"`
	TimeWindow  *int `yaml:"time-window"`
	BanTime     *int `yaml:"ban-time"`
}

// InterfaceConfig overrides the rate limit config of a service for the
// request paths containing Path.
type InterfaceConfig struct {
	Path        string `yaml:"path"`
	MaxRequests *int   `yaml:"max-requests"`
	TimeWindow  *int   `yaml:"time-window"`
	BanTime     *int   `yaml:"ban-time"`
}

type RateLimitService struct {
	ID         string            `yaml:"id"`
	Default    *RateLimitDefault `yaml:"default-config"`
	Interfaces []InterfaceConfig `yaml:"interfaces"`
}

// WhitelistService lists the paths of a service that skip the identity
// check (URLs), or that accept anonymous users (AnonymousURLs).
type WhitelistService struct {
	ID            string   `yaml:"id"`
	URLs          []string `yaml:"urls"`
	AnonymousURLs []string `yaml:"anonymous-urls"`
}

type rateLimitConfig struct {
	Services []*RateLimitService `yaml:"services"`
}

type whitelistConfig struct {
	Services []*WhitelistService `yaml:"services"`
}

type fileConfig struct {
	Routes    []*routing.Route `yaml:"routes"`
	RateLimit rateLimitConfig  `yaml:"rate-limit"`
	Whitelist whitelistConfig  `yaml:"whitelist"`
}

// Snapshot is an immutable, validated configuration.
type Snapshot struct {
	Routes    *routing.Table
	rateLimit map[string]*RateLimitService
	whitelist map[string]*WhitelistService
}

// Empty returns a snapshot without routes and service configs.
func Empty() *Snapshot {
	t, _ := routing.NewTable(nil)
	return &Snapshot{
		Routes:    t,
		rateLimit: make(map[string]*RateLimitService),
		whitelist: make(map[string]*WhitelistService),
	}
}

func firstMatch(entries []string, path string) (string, bool) {
	for _, e := range entries {
		if strings.Contains(path, e) {
			return e, true
		}
	}

	return "", false
}

// Bypass tells whether the path contains one of the URLs. It returns
// false for a nil whitelist.
func (w *WhitelistService) Bypass(path string) bool {
	if w == nil {
		return false
	}

	_, ok := firstMatch(w.URLs, path)
	return ok
}

// Anonymous tells whether the path contains one of the AnonymousURLs.
// It returns false for a nil whitelist.
func (w *WhitelistService) Anonymous(path string) bool {
	if w == nil {
		return false
	}

	_, ok := firstMatch(w.AnonymousURLs, path)
	return ok
}

// Whitelist returns the whitelist of a service, or nil.
func (s *Snapshot) Whitelist(serviceID string) *WhitelistService {
	return s.whitelist[serviceID]
}

// RateLimitService returns the rate limit config of a service, or nil.
func (s *Snapshot) RateLimitService(serviceID string) *RateLimitService {
	return s.rateLimit[serviceID]
}

func pick(global time.Duration, layers ...*int) time.Duration {
	for _, v := range layers {
		if v != nil {
			return time.Duration(*v) * time.Second
		}
	}

	return global
}

func pickInt(global int, layers ...*int) int {
	for _, v := range layers {
		if v != nil {
			return *v
		}
	}

	return global
}

// Interface returns the first interface config whose path is contained
// in the request path, or nil.
func (s *RateLimitService) Interface(path string) *InterfaceConfig {
	if s == nil {
		return nil
	}

	for i := range s.Interfaces {
		if strings.Contains(path, s.Interfaces[i].Path) {
			return &s.Interfaces[i]
		}
	}

	return nil
}

// RateLimitPolicy resolves the rate limit policy of a request. Each
// field comes from the matching interface config, the default config of
// the service or the global policy, in this order. A service without
// config uses the global policy.
func (s *Snapshot) RateLimitPolicy(serviceID, path string, global ratelimit.Policy) ratelimit.Policy {
	svc := s.rateLimit[serviceID]
	if svc == nil {
		return global
	}

	def := svc.Default
	if def == nil {
		def = &RateLimitDefault{}
	}

	ifc := svc.Interface(path)
	if ifc == nil {
		ifc = &InterfaceConfig{}
	}

	return ratelimit.Policy{
		MaxRequests: pickInt(global.MaxRequests, ifc.MaxRequests, def.MaxRequests),
		TimeWindow:  pick(global.TimeWindow, ifc.TimeWindow, def.TimeWindow),
		BanTime:     pick(global.BanTime, ifc.BanTime, def.BanTime),
	}
}

func positive(name string, v *int) error {
	if v != nil && *v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, *v)
	}

	return nil
}

func validateNumbers(maxRequests, timeWindow, banTime *int) error {
	return errors.Join(
		positive("max-requests", maxRequests),
		positive("time-window", timeWindow),
		positive("ban-time", banTime),
	)
}

func (s *RateLimitService) validate() error {
	if s.Default != nil {
		if err := validateNumbers(s.Default.MaxRequests, s.Default.TimeWindow, s.Default.BanTime); err != nil {
			return fmt.Errorf("default-config: %w", err)
		}
	}

	for i, ifc := range s.Interfaces {
		if ifc.Path == "" {
			return fmt.Errorf("interface %d: missing path", i)
		}

		if err := validateNumbers(ifc.MaxRequests, ifc.TimeWindow, ifc.BanTime); err != nil {
			return fmt.Errorf("interface %s: %w", ifc.Path, err)
		}
	}

	return nil
}

func (w *WhitelistService) validate() error {
	for _, u := range w.URLs {
		if u == "" {
			return errors.New("empty url")
		}
	}

	for _, u := range w.AnonymousURLs {
		if u == "" {
			return errors.New("empty anonymous url")
		}
	}

	return nil
}

// Parse parses and validates a YAML configuration.
func Parse(data []byte) (*Snapshot, error) {
	var c fileConfig
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	routes, err := routing.NewTable(c.Routes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	s := &Snapshot{
		Routes:    routes,
		rateLimit: make(map[string]*RateLimitService),
		whitelist: make(map[string]*WhitelistService),
	}

	for _, svc := range c.RateLimit.Services {
		if svc == nil {
			continue
		}

		if svc.ID == "" {
			return nil, fmt.Errorf("%w: rate-limit service without id", ErrInvalidPolicy)
		}

		if _, ok := s.rateLimit[svc.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate rate-limit service %s", ErrInvalidPolicy, svc.ID)
		}

		if err := svc.validate(); err != nil {
			return nil, fmt.Errorf("%w: rate-limit service %s: %w", ErrInvalidPolicy, svc.ID, err)
		}

		s.rateLimit[svc.ID] = svc
	}

	for _, svc := range c.Whitelist.Services {
		if svc == nil {
			continue
		}

		if svc.ID == "" {
			return nil, fmt.Errorf("%w: whitelist service without id", ErrInvalidPolicy)
		}

		if _, ok := s.whitelist[svc.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate whitelist service %s", ErrInvalidPolicy, svc.ID)
		}

		if err := svc.validate(); err != nil {
			return nil, fmt.Errorf("%w: whitelist service %s: %w", ErrInvalidPolicy, svc.ID, err)
		}

		s.whitelist[svc.ID] = svc
	}

	return s, nil
}

// LoadFile reads and parses a configuration file.
func LoadFile(name string) (*Snapshot, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}
