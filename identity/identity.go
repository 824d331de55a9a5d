// Package identity is the backend-side contract for the gateway's
// forwarded identity headers. A service deployed behind the gateway reads
// the authenticated principal from these headers instead of re-validating
// tokens; it must trust them only for requests that arrived through the
// gateway's network boundary.
package identity

import (
	"context"
	"net/http"
	"strings"
)

// Header names set by the gateway on every proxied request once a session
// is established. They mirror the gateway's proxy constants.
const (
	HeaderSubject = "X-Auth-Subject"
	HeaderName    = "X-Auth-Name"
	HeaderEmail   = "X-Auth-Email"
	HeaderRoles   = "X-Auth-Roles"
)

// Principal is the identity the gateway authenticated.
type Principal struct {
	Subject string
	Name    string
	Email   string
	Roles   []string
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// FromRequest reads the forwarded identity headers. It returns nil when
// no subject header is present, i.e. the gateway forwarded the request
// anonymously.
func FromRequest(r *http.Request) *Principal {
	subject := r.Header.Get(HeaderSubject)
	if subject == "" {
		return nil
	}
	p := &Principal{
		Subject: subject,
		Name:    r.Header.Get(HeaderName),
		Email:   r.Header.Get(HeaderEmail),
	}
	if roles := r.Header.Get(HeaderRoles); roles != "" {
		for _, role := range strings.Split(roles, ",") {
			if role = strings.TrimSpace(role); role != "" {
				p.Roles = append(p.Roles, role)
			}
		}
	}
	return p
}

type principalKey struct{}

// Middleware attaches the forwarded principal to the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := FromRequest(r); p != nil {
			r = r.WithContext(context.WithValue(r.Context(), principalKey{}, p))
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePrincipal rejects requests the gateway forwarded without an
// established session.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := FromRequest(r)
		if p == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), principalKey{}, p))
		next.ServeHTTP(w, r)
	})
}

// FromContext retrieves the principal attached by Middleware.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}
