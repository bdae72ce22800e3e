/*
Package identity resolves the users of the requests with the identity
service.

A session token is exchanged for the profile of an authenticated user.
A device identifier is exchanged for the id of an anonymous user, the
same device always gets the same anonymous id.

The HTTP client talks to the identity service. The cached client can be
put in front of it, to save round trips for repeated tokens and devices.
*/
package identity

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnexpectedStatus is returned when the identity service responds
// with a status that is neither a success nor a missing identity.
var ErrUnexpectedStatus = errors.New("unexpected identity service status")

// ErrInvalidResponse is returned when the response of the identity
// service cannot be used.
var ErrInvalidResponse = errors.New("invalid identity service response")

// Principal is the resolved user of a request.
type Principal struct {
	UserID    string
	Anonymous bool
	DeviceID  string

	// Profile is the JSON profile of an authenticated user, as returned
	// by the identity service.
	Profile json.RawMessage
}

// Client looks up identities.
//
// LookupByToken returns nil and no error when the token belongs to no
// user. GetOrCreateAnonymousID must return the same id for the same
// device id.
type Client interface {
	LookupByToken(ctx context.Context, token string) (*Principal, error)
	GetOrCreateAnonymousID(ctx context.Context, deviceID string) (string, error)
}
