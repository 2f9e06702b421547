// Package identity authenticates callers. The gateway never inspects
// request headers to decide between real and test authentication; the
// Provider implementation is chosen by configuration at startup.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned for malformed, expired, or unknown tokens.
var ErrInvalidToken = errors.New("identity: invalid token")

// Principal is the authenticated caller.
type Principal struct {
	ID string
}

// Provider verifies a bearer token and returns the principal it names.
type Provider interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}
