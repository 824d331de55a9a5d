package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// fakeIdP simulates the identity provider: discovery document, key set,
// and token endpoint. The nonce to embed in minted ID tokens is supplied
// by the test after it parses the challenge redirect.
type fakeIdP struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	mu    sync.Mutex
	nonce string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	idp := &fakeIdP{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/test/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		base := idp.srv.URL + "/realms/test"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 base,
			"authorization_endpoint": base + "/protocol/openid-connect/auth",
			"token_endpoint":         base + "/protocol/openid-connect/token",
			"userinfo_endpoint":      base + "/protocol/openid-connect/userinfo",
			"end_session_endpoint":   base + "/protocol/openid-connect/logout",
			"jwks_uri":               base + "/protocol/openid-connect/certs",
		})
	})
	mux.HandleFunc("/realms/test/protocol/openid-connect/certs", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &idp.key.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"},
		}}
		_ = json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/realms/test/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		idp.mu.Lock()
		nonce := idp.nonce
		idp.mu.Unlock()

		idToken := idp.mint(t, jwt.MapClaims{
			"iss":          idp.srv.URL + "/realms/test",
			"aud":          "webapp",
			"sub":          "user-1",
			"name":         "Test User",
			"email":        "user@example.com",
			"realm_access": map[string]any{"roles": []any{"admin"}},
			"nonce":        nonce,
			"exp":          time.Now().Add(time.Hour).Unix(),
			"iat":          time.Now().Unix(),
		})
		accessToken := idp.mint(t, jwt.MapClaims{
			"iss": idp.srv.URL + "/realms/test",
			"sub": "user-1",
			"exp": time.Now().Add(time.Hour).Unix(),
			"iat": time.Now().Unix(),
		})

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  accessToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      idToken,
			"refresh_token": "refresh-1",
		})
	})

	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

func (f *fakeIdP) mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *fakeIdP) setNonce(nonce string) {
	f.mu.Lock()
	f.nonce = nonce
	f.mu.Unlock()
}

// newTestGateway stands up the full gateway against a fake IdP and a
// backend that echoes the identity headers it received.
func newTestGateway(t *testing.T) (*httptest.Server, *fakeIdP, *httptest.Server) {
	t.Helper()
	idp := newFakeIdP(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"path":    r.URL.Path,
			"subject": r.Header.Get(HeaderSubject),
			"email":   r.Header.Get(HeaderEmail),
			"roles":   r.Header.Get(HeaderRoles),
		})
	}))
	t.Cleanup(backend.Close)

	cfg := DefaultConfig()
	cfg.Server.ExternalURL = "https://gw.example.com"
	cfg.Provider = ProviderConfig{
		ExternalURL:     "https://idp.example.com",
		InternalURL:     idp.srv.URL,
		DiscoveryURL:    idp.srv.URL,
		Realm:           "test",
		ClientID:        "webapp",
		ClientSecret:    "secret",
		StartupAttempts: 1,
	}
	cfg.Backend.Target = backend.URL
	cfg.Sessions.TTL = time.Hour

	gw, err := NewGateway(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewGateway returned error: %v", err)
	}

	srv := httptest.NewServer(gw.Routes())
	t.Cleanup(srv.Close)
	return srv, idp, backend
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// login walks the challenge/callback flow and returns the session cookie.
func login(t *testing.T, srv *httptest.Server, idp *fakeIdP, returnTo string) *http.Cookie {
	t.Helper()
	client := noRedirectClient()

	resp, err := client.Get(srv.URL + "/auth/login?return_to=" + url.QueryEscape(returnTo))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected challenge redirect, got %d", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse challenge location: %v", err)
	}
	state := loc.Query().Get("state")
	idp.setNonce(loc.Query().Get("nonce"))

	resp, err = client.Get(srv.URL + "/auth/callback?state=" + state + "&code=test-code")
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected callback redirect, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != returnTo {
		t.Fatalf("expected redirect to %q, got %q", returnTo, got)
	}

	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName && c.Value != "" {
			return c
		}
	}
	t.Fatalf("callback did not set session cookie")
	return nil
}

func TestHealthAndInfoAreLocal(t *testing.T) {
	srv, _, _ := newTestGateway(t)
	client := noRedirectClient()

	resp, err := client.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "ok" || body["timestamp"] == "" {
		t.Fatalf("unexpected health body: %v", body)
	}

	resp, err = client.Get(srv.URL + "/gateway/info")
	if err != nil {
		t.Fatalf("info request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info returned %d", resp.StatusCode)
	}
}

func TestAPIUnauthenticatedGets401WithoutLocation(t *testing.T) {
	srv, _, _ := newTestGateway(t)

	resp, err := noRedirectClient().Get(srv.URL + "/api/protected")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		t.Fatalf("API 401 must not carry a Location header, got %q", loc)
	}
}

func TestBrowserUnauthenticatedGetsChallengeRedirect(t *testing.T) {
	srv, _, _ := newTestGateway(t)

	resp, err := noRedirectClient().Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "https://idp.example.com/realms/test/protocol/openid-connect/auth?") {
		t.Fatalf("challenge must target the external authorization endpoint, got %q", loc)
	}
	u, err := url.Parse(loc)
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "webapp" {
		t.Fatalf("challenge missing client_id: %q", loc)
	}
	if q.Get("redirect_uri") != "https://gw.example.com/auth/callback" {
		t.Fatalf("unexpected redirect_uri: %q", q.Get("redirect_uri"))
	}
	if q.Get("state") == "" || q.Get("nonce") == "" {
		t.Fatalf("challenge missing state or nonce: %q", loc)
	}
}

func TestLoginEstablishesSession(t *testing.T) {
	srv, idp, _ := newTestGateway(t)
	cookie := login(t, srv, idp, "/dashboard")

	req, _ := http.NewRequest("GET", srv.URL+"/auth/user", nil)
	req.AddCookie(cookie)
	resp, err := noRedirectClient().Do(req)
	if err != nil {
		t.Fatalf("user request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /auth/user, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode user body: %v", err)
	}
	if body["subject"] != "user-1" || body["email"] != "user@example.com" {
		t.Fatalf("unexpected principal: %v", body)
	}
}

func TestProxyForwardsIdentityHeadersAndStripsSpoofed(t *testing.T) {
	srv, idp, _ := newTestGateway(t)
	cookie := login(t, srv, idp, "/")

	req, _ := http.NewRequest("GET", srv.URL+"/tenants/42", nil)
	req.AddCookie(cookie)
	req.Header.Set(HeaderSubject, "spoofed-admin")
	resp, err := noRedirectClient().Do(req)
	if err != nil {
		t.Fatalf("proxied request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected backend response, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode backend body: %v", err)
	}
	if body["path"] != "/tenants/42" {
		t.Fatalf("unexpected proxied path: %v", body["path"])
	}
	if body["subject"] != "user-1" {
		t.Fatalf("backend must see the gateway's subject, got %v", body["subject"])
	}
	if body["roles"] != "admin" {
		t.Fatalf("backend must see forwarded roles, got %v", body["roles"])
	}
}

func TestAPIAcceptsBearerToken(t *testing.T) {
	srv, idp, _ := newTestGateway(t)

	token := idp.mint(t, jwt.MapClaims{
		"iss": idp.srv.URL + "/realms/test",
		"sub": "service-account",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})

	req, _ := http.NewRequest("GET", srv.URL+"/api/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := noRedirectClient().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", resp.StatusCode)
	}
}

func TestLogoutIsIdempotentAndFinal(t *testing.T) {
	srv, idp, _ := newTestGateway(t)
	cookie := login(t, srv, idp, "/")
	client := noRedirectClient()

	logoutOnce := func(withCookie bool) *http.Response {
		req, _ := http.NewRequest("POST", srv.URL+"/auth/logout", nil)
		if withCookie {
			req.AddCookie(cookie)
		}
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("logout request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	first := logoutOnce(true)
	if first.StatusCode != http.StatusFound {
		t.Fatalf("expected logout redirect, got %d", first.StatusCode)
	}
	loc := first.Header.Get("Location")
	if !strings.HasPrefix(loc, "https://idp.example.com/realms/test/protocol/openid-connect/logout?") {
		t.Fatalf("logout must redirect to the external end-session endpoint, got %q", loc)
	}
	u, _ := url.Parse(loc)
	if u.Query().Get("client_id") != "webapp" {
		t.Fatalf("end-session redirect missing client_id: %q", loc)
	}
	if u.Query().Get("post_logout_redirect_uri") != "https://gw.example.com/" {
		t.Fatalf("unexpected post_logout_redirect_uri: %q", u.Query().Get("post_logout_redirect_uri"))
	}

	// Second logout with no session: same response class, never an error.
	second := logoutOnce(false)
	if second.StatusCode != http.StatusFound {
		t.Fatalf("repeated logout must stay a redirect, got %d", second.StatusCode)
	}

	// The cleared cookie must not resurrect the session, no matter how
	// often the same request is replayed.
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest("GET", srv.URL+"/auth/user", nil)
		req.AddCookie(cookie)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("user request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("replay %d after logout: expected 401, got %d", i+1, resp.StatusCode)
		}
	}
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	srv, _, _ := newTestGateway(t)

	resp, err := noRedirectClient().Get(srv.URL + "/auth/callback?state=bogus&code=c")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", resp.StatusCode)
	}
}
