package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromRequestParsesHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(HeaderSubject, "user-1")
	r.Header.Set(HeaderName, "Test User")
	r.Header.Set(HeaderEmail, "user@example.com")
	r.Header.Set(HeaderRoles, "admin, viewer")

	p := FromRequest(r)
	if p == nil {
		t.Fatalf("expected principal")
	}
	if p.Subject != "user-1" || p.Email != "user@example.com" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if len(p.Roles) != 2 || !p.HasRole("viewer") {
		t.Fatalf("unexpected roles: %v", p.Roles)
	}
}

func TestFromRequestAnonymous(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if p := FromRequest(r); p != nil {
		t.Fatalf("expected nil principal without subject header, got %+v", p)
	}
}

func TestMiddlewareAttachesPrincipal(t *testing.T) {
	var seen *Principal
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(HeaderSubject, "user-1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if seen == nil || seen.Subject != "user-1" {
		t.Fatalf("principal not attached to context")
	}
}

func TestRequirePrincipalRejectsAnonymous(t *testing.T) {
	h := RequirePrincipal(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run without principal")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
