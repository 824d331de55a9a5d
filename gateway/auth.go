package gateway

import (
	"crypto"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Authenticator drives the browser login flow against the provider: it
// issues challenges to the rewritten authorization endpoint and turns the
// callback's code into an established session.
type Authenticator struct {
	cfg      Config
	metadata *MetadataRewriter
	sessions *SessionManager
	store    *InMemoryStore
	logger   *slog.Logger
}

// NewAuthenticator constructs the authenticator.
func NewAuthenticator(cfg Config, metadata *MetadataRewriter, sessions *SessionManager, store *InMemoryStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		cfg:      cfg,
		metadata: metadata,
		sessions: sessions,
		store:    store,
		logger:   logger,
	}
}

func (a *Authenticator) callbackURL() string {
	return strings.TrimSuffix(a.cfg.Server.ExternalURL, "/") + "/auth/callback"
}

// oauthConfig builds the oauth2 configuration from current metadata. The
// authorization URL carries the external alias (the browser follows it),
// the token URL the internal one (the gateway calls it).
func (a *Authenticator) oauthConfig(md *ProviderMetadata) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.cfg.Provider.ClientID,
		ClientSecret: a.cfg.Provider.ClientSecret,
		RedirectURL:  a.callbackURL(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationEndpoint,
			TokenURL: md.TokenEndpoint,
		},
		Scopes: []string{oidc.ScopeOpenID, "profile", "email"},
	}
}

// Challenge redirects the browser to the provider's authorization endpoint
// and records the pending state so the callback can be tied back to the
// originally requested path.
func (a *Authenticator) Challenge(w http.ResponseWriter, r *http.Request, returnTo string) {
	md, err := a.metadata.GetMetadata(r.Context(), false)
	if err != nil {
		a.logger.Error("challenge without metadata", "error", err)
		http.Error(w, "identity provider unavailable", http.StatusServiceUnavailable)
		return
	}

	if returnTo == "" || !strings.HasPrefix(returnTo, "/") {
		returnTo = "/"
	}

	ls := LoginState{
		State:     a.store.NewID(),
		Nonce:     a.store.NewID(),
		ReturnTo:  returnTo,
		CreatedAt: time.Now(),
	}
	a.store.SaveLoginState(ls)

	authURL := a.oauthConfig(md).AuthCodeURL(ls.State, oauth2.SetAuthURLParam("nonce", ls.Nonce))
	a.logger.Info("challenge issued", "return_to", returnTo, "state", ls.State)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback completes the code exchange, verifies the ID token
// against the cached signing keys, and establishes the session cookie.
func (a *Authenticator) HandleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	ls, ok := a.store.ConsumeLoginState(state)
	if !ok {
		http.Error(w, "unknown state", http.StatusBadRequest)
		return
	}

	md, err := a.metadata.GetMetadata(r.Context(), false)
	if err != nil {
		a.logger.Error("callback without metadata", "error", err)
		http.Error(w, "identity provider unavailable", http.StatusServiceUnavailable)
		return
	}

	tok, err := a.oauthConfig(md).Exchange(r.Context(), code)
	if err != nil {
		a.logger.Error("code exchange failed", "error", err)
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		a.logger.Error("id_token missing in token response")
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}

	claims, subject, err := a.verifyIDToken(r, md, rawIDToken, ls.Nonce)
	if err != nil {
		a.logger.Warn("token rejected", "error", err)
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}

	name, _ := claims["name"].(string)
	if name == "" {
		name, _ = claims["preferred_username"].(string)
	}
	email, _ := claims["email"].(string)

	tokens := TokenSet{
		AccessToken:  tok.AccessToken,
		IDToken:      rawIDToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	a.sessions.Establish(w, tokens, subject, name, email, rolesFromClaims(claims))

	http.Redirect(w, r, ls.ReturnTo, http.StatusFound)
}

// verifyIDToken checks the ID token signature against the cached key set.
// Issuer equality is deliberately skipped: the token's iss reflects the
// alias the browser used while the metadata was fetched via the discovery
// alias. See TokenValidator.Validate for the same relaxation on access
// tokens.
func (a *Authenticator) verifyIDToken(r *http.Request, md *ProviderMetadata, rawIDToken, expectedNonce string) (map[string]any, string, error) {
	keys := make([]crypto.PublicKey, 0, len(md.Keys.Keys))
	for _, k := range md.Keys.Keys {
		keys = append(keys, k.Key)
	}

	verifier := oidc.NewVerifier(md.Issuer, &oidc.StaticKeySet{PublicKeys: keys}, &oidc.Config{
		ClientID:        a.cfg.Provider.ClientID,
		SkipIssuerCheck: true,
	})

	idToken, err := verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		return nil, "", fmt.Errorf("verify id_token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, "", fmt.Errorf("parse claims: %w", err)
	}

	if expectedNonce != "" {
		if nonce, ok := claims["nonce"].(string); !ok || nonce != expectedNonce {
			return nil, "", fmt.Errorf("nonce mismatch")
		}
	}

	return claims, idToken.Subject, nil
}
