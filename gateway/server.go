package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Gateway composes the metadata rewriter, session store, dispatcher,
// authenticator, logout coordinator, and backend proxy behind one HTTP
// surface. It owns the metadata cache; nothing here is ambient state.
type Gateway struct {
	Config   Config
	Logger   *slog.Logger
	Metadata *MetadataRewriter

	store      *InMemoryStore
	sessions   *SessionManager
	validator  *TokenValidator
	auth       *Authenticator
	logout     *LogoutCoordinator
	proxy      *BackendProxy
	dispatcher *RouteDispatcher
	local      chi.Router
}

// NewGateway wires the gateway from configuration and performs the initial
// metadata fetch. The identity provider is an essential dependency: if the
// bounded retry window exhausts without a successful fetch, startup fails.
func NewGateway(ctx context.Context, cfg Config, logger *slog.Logger) (*Gateway, error) {
	store := NewInMemoryStore()
	metadata := NewMetadataRewriter(cfg.Provider, nil, logger)
	sessions := NewSessionManager(cfg, store, logger)
	validator := NewTokenValidator(metadata, logger)
	auth := NewAuthenticator(cfg, metadata, sessions, store, logger)
	logout := NewLogoutCoordinator(cfg, metadata, sessions, logger)

	proxy, err := NewBackendProxy(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	dispatcher, err := NewRouteDispatcher(DefaultRules(cfg.Backend.ExtraProxyPrefixes))
	if err != nil {
		return nil, fmt.Errorf("route table: %w", err)
	}

	g := &Gateway{
		Config:     cfg,
		Logger:     logger,
		Metadata:   metadata,
		store:      store,
		sessions:   sessions,
		validator:  validator,
		auth:       auth,
		logout:     logout,
		proxy:      proxy,
		dispatcher: dispatcher,
	}
	g.local = g.localRoutes()

	if err := g.waitForMetadata(ctx); err != nil {
		return nil, err
	}

	return g, nil
}

// waitForMetadata retries the initial discovery fetch with backoff. The
// gateway must not accept authenticated traffic before the first
// successful fetch.
func (g *Gateway) waitForMetadata(ctx context.Context) error {
	attempts := g.Config.Provider.StartupAttempts
	if attempts <= 0 {
		attempts = DefaultStartupAttempts
	}
	backoff := g.Config.Provider.StartupBackoff
	if backoff <= 0 {
		backoff = DefaultStartupBackoff
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			g.Logger.Warn("metadata fetch retry", "attempt", i+1, "of", attempts, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if _, lastErr = g.Metadata.GetMetadata(ctx, true); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("initial metadata fetch exhausted %d attempts: %w", attempts, lastErr)
}

// Routes returns the gateway's complete HTTP surface: middleware chain in
// front of the route dispatcher.
func (g *Gateway) Routes() http.Handler {
	var h http.Handler = http.HandlerFunc(g.dispatch)
	h = SecurityHeadersMiddleware(g.Config.Server.TLS.HSTSMaxAge)(h)
	h = LoggingMiddleware(g.Logger)(h)
	h = RecoveryMiddleware(g.Logger)(h)
	h = RequestIDMiddleware(h)
	return h
}

// dispatch routes every request to exactly one of the local surface or
// the backend proxy, applying the matched rule's authorization policy
// first.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	rule, ok := g.dispatcher.Resolve(r.URL.Path)
	if !ok {
		// Unreachable with the catch-all registered; kept as a guard.
		http.NotFound(w, r)
		return
	}

	principal := g.resolvePrincipal(r, rule)
	if principal != nil {
		r = withPrincipal(r, principal)
	}

	if rule.Auth == AuthRequired && principal == nil {
		switch rule.Style {
		case Style401JSON:
			// API callers cannot follow an HTML redirect; no Location
			// header, just the status.
			writeError(w, http.StatusUnauthorized, "unauthorized")
		default:
			g.auth.Challenge(w, r, r.URL.RequestURI())
		}
		return
	}

	switch rule.Kind {
	case HandlerLocal:
		g.local.ServeHTTP(w, r)
	default:
		g.proxy.Forward(w, r, principal)
	}
}

// resolvePrincipal checks the session cookie and, for API-style rules,
// falls back to a bearer access token validated against the cached key
// set. Neither path performs network I/O.
func (g *Gateway) resolvePrincipal(r *http.Request, rule RouteRule) *Principal {
	if sess := g.sessions.Fetch(r); sess != nil {
		return &Principal{
			Subject: sess.Subject,
			Name:    sess.Name,
			Email:   sess.Email,
			Roles:   sess.Roles,
		}
	}

	if rule.Style == Style401JSON {
		if token := extractBearerToken(r.Header.Get("Authorization")); token != "" {
			principal, err := g.validator.Validate(r.Context(), token)
			if err == nil {
				return principal
			}
		}
	}

	return nil
}
