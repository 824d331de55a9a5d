package gateway

import (
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable indicates the discovery document could not be
// fetched and no cached copy exists. Fatal at startup, recoverable at
// runtime once a cache has been populated.
var ErrUpstreamUnavailable = errors.New("identity provider unavailable")

// ErrInvalidToken indicates a token failed signature or expiry checks.
// Requests carrying one are treated as unauthenticated, never as a server
// error.
var ErrInvalidToken = errors.New("invalid token")

// RouteConflictError reports a proxy rule that would shadow a reserved
// local prefix. It is raised during startup validation so the misrouting
// can never occur at request time.
type RouteConflictError struct {
	Prefix   string
	Reserved string
}

func (e *RouteConflictError) Error() string {
	return fmt.Sprintf("proxy rule %q shadows reserved local prefix %q", e.Prefix, e.Reserved)
}
