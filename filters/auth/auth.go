/*
Package auth provides the identity filter.

The filter resolves the user of a request and passes it to the backend
in the headers X-User-Login-Id, X-User-Info-Json and X-Is-Anonymous.

A request carrying a valid session token in the token cookie is
forwarded as an authenticated user. Without a user, the request is
forwarded as an anonymous user when its path matches one of the
anonymous urls of the service. The anonymous user is derived from the
device id, taken from the device header or the device cookie. When the
client has no device id yet, a new one is issued with a cookie.

Any other request is rejected: the connection is dropped, or, when a
reject status is configured, an error response is served.

Requests without a routed service, requests for the api docs, and the
requests to the whitelisted urls of a service are forwarded unchanged.
*/
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aiolos/octopus/filters"
	"github.com/aiolos/octopus/identity"
	"github.com/aiolos/octopus/metrics"
	"github.com/aiolos/octopus/policy"
)

const (
	LoginIDHeader     = "X-User-Login-Id"
	UserInfoHeader    = "X-User-Info-Json"
	IsAnonymousHeader = "X-Is-Anonymous"
	DeviceIDHeader    = "X-Device-Id"

	DefaultTokenCookie  = "live-token"
	DefaultDeviceHeader = "X-Device-ID"
	DefaultDeviceCookie = "device-id"
	DefaultCookieMaxAge = 7 * 24 * time.Hour
	DefaultTimeout      = time.Second

	// ProdEnvironment is the environment where the device cookie is
	// only sent over https.
	ProdEnvironment = "prod"

	apiDocsPath = "api-docs"

	// state bag key of the device cookie to be issued with the response
	deviceCookieKey = "auth:device-cookie"

	rejectNoIdentity = "no-identity"
	rejectAnonymous  = "anonymous-id-failed"
	rejectEmptyPath  = "empty-path"

	bypassKey       = "identity.bypass"
	authenticated   = "identity.authenticated"
	anonymousKey    = "identity.anonymous"
	rejectedKey     = "identity.rejected"
	lookupFailedKey = "identity.lookup.failures"
	deviceIssuedKey = "identity.device.issued"
)

// PolicySource provides the current configuration snapshot, implemented
// by policy.Store.
type PolicySource interface {
	Get() *policy.Snapshot
}

// Options configure the identity filter.
type Options struct {
	Client   identity.Client
	Policies PolicySource

	// TokenCookie is the cookie of the session token, defaults to
	// "live-token".
	TokenCookie string

	// DeviceHeader is the request header of the device id, defaults to
	// "X-Device-ID".
	DeviceHeader string

	// DeviceCookie is the cookie of the device id, defaults to
	// "device-id".
	DeviceCookie string

	// CookieDomain is the domain of an issued device cookie.
	CookieDomain string

	// CookieMaxAge of an issued device cookie, defaults to 7 days.
	CookieMaxAge time.Duration

	// Environment of the gateway. In the "prod" environment the device
	// cookie is marked secure.
	Environment string

	// RejectStatus, when set, is the status served for the rejected
	// requests. Otherwise the rejected requests are dropped.
	RejectStatus int

	// Timeout of a single identity service call, defaults to 1 second.
	Timeout time.Duration

	Metrics metrics.Metrics
}

type filter struct {
	client       identity.Client
	policies     PolicySource
	tokenCookie  string
	deviceHeader string
	deviceCookie string
	cookieDomain string
	cookieMaxAge time.Duration
	secure       bool
	rejectStatus int
	timeout      time.Duration
	metrics      metrics.Metrics
	newDeviceID  func() string
}

// New creates the identity filter.
func New(o Options) (filters.GlobalFilter, error) {
	if o.Client == nil || o.Policies == nil {
		return nil, fmt.Errorf("%w: identity needs a client and a policy source", filters.ErrInvalidFilterParameters)
	}

	if o.RejectStatus != 0 && (o.RejectStatus < 400 || o.RejectStatus > 599) {
		return nil, fmt.Errorf("%w: invalid reject status %d", filters.ErrInvalidFilterParameters, o.RejectStatus)
	}

	if o.TokenCookie == "" {
		o.TokenCookie = DefaultTokenCookie
	}

	if o.DeviceHeader == "" {
		o.DeviceHeader = DefaultDeviceHeader
	}

	if o.DeviceCookie == "" {
		o.DeviceCookie = DefaultDeviceCookie
	}

	if o.CookieMaxAge <= 0 {
		o.CookieMaxAge = DefaultCookieMaxAge
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	return &filter{
		client:       o.Client,
		policies:     o.Policies,
		tokenCookie:  o.TokenCookie,
		deviceHeader: o.DeviceHeader,
		deviceCookie: o.DeviceCookie,
		cookieDomain: o.CookieDomain,
		cookieMaxAge: o.CookieMaxAge,
		secure:       o.Environment == ProdEnvironment,
		rejectStatus: o.RejectStatus,
		timeout:      o.Timeout,
		metrics:      o.Metrics,
		newDeviceID:  newDeviceID,
	}, nil
}

func newDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (*filter) Name() string { return filters.IdentityName }
func (*filter) Order() int   { return filters.IdentityOrder }

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(c.Value)
}

func (f *filter) reject(ctx filters.FilterContext, reason string) {
	f.metrics.IncCounter(rejectedKey)
	ctx.StateBag()[filters.AuthRejectReasonKey] = reason
	log.Debugf("Identity rejected %s: %s", ctx.Request().URL.Path, reason)

	if f.rejectStatus != 0 {
		ctx.Serve(filters.ErrorResponse(f.rejectStatus, ""))
		return
	}

	ctx.Drop()
}

func (f *filter) lookup(ctx filters.FilterContext) *identity.Principal {
	token := cookieValue(ctx.Request(), f.tokenCookie)
	if token == "" {
		return nil
	}

	c, cancel := context.WithTimeout(ctx.Request().Context(), f.timeout)
	defer cancel()

	p, err := f.client.LookupByToken(c, token)
	if err != nil {
		f.metrics.IncCounter(lookupFailedKey)
		log.Warnf("Failed to look up the session token: %v", err)
		return nil
	}

	if p == nil || p.UserID == "" {
		return nil
	}

	return p
}

func userInfo(p *identity.Principal) string {
	profile := []byte(p.Profile)
	if len(profile) == 0 {
		profile, _ = json.Marshal(map[string]string{"userId": p.UserID})
	}

	return base64.StdEncoding.EncodeToString(profile)
}

func (f *filter) Request(ctx filters.FilterContext) {
	if ctx.ServiceID() == "" {
		return
	}

	req := ctx.Request()
	path := req.URL.Path
	if strings.Contains(path, apiDocsPath) {
		f.metrics.IncCounter(bypassKey)
		return
	}

	if path == "" {
		f.reject(ctx, rejectEmptyPath)
		return
	}

	whitelist := f.policies.Get().Whitelist(ctx.ServiceID())
	if whitelist.Bypass(path) {
		f.metrics.IncCounter(bypassKey)
		return
	}

	if p := f.lookup(ctx); p != nil {
		f.metrics.IncCounter(authenticated)
		ctx.StateBag()[filters.AuthUserKey] = p.UserID

		req.Header.Set(LoginIDHeader, p.UserID)
		req.Header.Set(UserInfoHeader, userInfo(p))
		req.Header.Set(IsAnonymousHeader, "false")
		return
	}

	if !whitelist.Anonymous(path) {
		f.reject(ctx, rejectNoIdentity)
		return
	}

	deviceID := strings.TrimSpace(req.Header.Get(f.deviceHeader))
	if deviceID == "" {
		deviceID = cookieValue(req, f.deviceCookie)
	}

	issued := false
	if deviceID == "" {
		deviceID = f.newDeviceID()
		issued = true
	}

	c, cancel := context.WithTimeout(req.Context(), f.timeout)
	defer cancel()

	anonymousID, err := f.client.GetOrCreateAnonymousID(c, deviceID)
	if err != nil || anonymousID == "" {
		log.Errorf("Failed to get the anonymous id of device %s: %v", deviceID, err)
		f.reject(ctx, rejectAnonymous)
		return
	}

	if issued {
		f.metrics.IncCounter(deviceIssuedKey)
		ctx.StateBag()[deviceCookieKey] = f.deviceIDCookie(deviceID)
	}

	f.metrics.IncCounter(anonymousKey)
	ctx.StateBag()[filters.AuthUserKey] = anonymousID

	req.Header.Set(LoginIDHeader, anonymousID)
	req.Header.Set(DeviceIDHeader, deviceID)
	req.Header.Set(IsAnonymousHeader, "true")
	req.Header.Del(UserInfoHeader)
}

func (f *filter) deviceIDCookie(deviceID string) *http.Cookie {
	return &http.Cookie{
		Name:     f.deviceCookie,
		Value:    deviceID,
		Path:     "/",
		Domain:   f.cookieDomain,
		MaxAge:   int(f.cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(f.cookieMaxAge),
		HttpOnly: true,
		Secure:   f.secure,
	}
}

// Response issues the device cookie of a newly assigned device id.
func (f *filter) Response(ctx filters.FilterContext) {
	c, ok := ctx.StateBag()[deviceCookieKey].(*http.Cookie)
	if !ok {
		return
	}

	rsp := ctx.Response()
	if rsp == nil {
		return
	}

	if rsp.Header == nil {
		rsp.Header = make(http.Header)
	}

	rsp.Header.Add("Set-Cookie", c.String())
	rsp.Header.Set("Access-Control-Allow-Credentials", "true")
}
