package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// LogoutCoordinator terminates both sides of a session: the gateway's
// cookie-bound record and, via redirect, the provider's own session.
type LogoutCoordinator struct {
	cfg      Config
	metadata *MetadataRewriter
	sessions *SessionManager
	logger   *slog.Logger
}

// NewLogoutCoordinator constructs the coordinator.
func NewLogoutCoordinator(cfg Config, metadata *MetadataRewriter, sessions *SessionManager, logger *slog.Logger) *LogoutCoordinator {
	return &LogoutCoordinator{
		cfg:      cfg,
		metadata: metadata,
		sessions: sessions,
		logger:   logger,
	}
}

// Logout clears the local session and redirects the browser to the
// provider's end-session endpoint. The two steps are independent: local
// clearing runs unconditionally even when the remote URL cannot be built,
// and a missing session is a no-op rather than an error, so calling
// logout twice yields the same response class both times. A failed remote
// redirect leaves at worst a dangling provider session; a surviving local
// session would silently re-authenticate the user on the next refresh,
// which is the failure this ordering guards against.
func (lc *LogoutCoordinator) Logout(w http.ResponseWriter, r *http.Request) {
	lc.sessions.Clear(w, r)
	lc.logger.Info("logout invoked", "remote", r.RemoteAddr)

	target, err := lc.endSessionURL(r)
	if err != nil {
		// Partial logout: local termination succeeded, which is what the
		// caller's own authentication state depends on.
		lc.logger.Warn("end-session redirect unavailable, local session cleared", "error", err)
		target = lc.externalRoot()
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (lc *LogoutCoordinator) endSessionURL(r *http.Request) (string, error) {
	md, err := lc.metadata.GetMetadata(r.Context(), false)
	if err != nil {
		return "", err
	}
	if md.EndSessionEndpoint == "" {
		return "", errNoEndSession
	}
	endpoint, err := url.Parse(md.EndSessionEndpoint)
	if err != nil {
		return "", err
	}

	q := endpoint.Query()
	q.Set("client_id", lc.cfg.Provider.ClientID)
	q.Set("post_logout_redirect_uri", lc.externalRoot())
	endpoint.RawQuery = q.Encode()
	return endpoint.String(), nil
}

func (lc *LogoutCoordinator) externalRoot() string {
	return strings.TrimSuffix(lc.cfg.Server.ExternalURL, "/") + "/"
}

var errNoEndSession = errors.New("provider metadata has no end_session_endpoint")
