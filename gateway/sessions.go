package gateway

import (
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "gw_session"

// SessionManager handles the cookie-backed session lifecycle: establish on
// provider callback, sliding renewal on activity, clear on logout.
type SessionManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	ttl          time.Duration
	sliding      bool
	secure       bool
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Sessions.TTL,
		sliding:      cfg.Sessions.Sliding,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session associated with the request cookie if present
// and unexpired. Sliding renewal extends the expiry on each hit when
// enabled.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	sess, ok := sm.store.GetSession(cookie.Value)
	if !ok {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		sm.store.DeleteSession(sess.ID)
		return nil
	}

	if sm.sliding {
		sess.ExpiresAt = time.Now().Add(sm.ttl)
		sm.store.SaveSession(sess)
	}
	return &sess
}

// Establish creates a session from a validated token set and claims and
// sets the cookie. SameSite stays Lax so the provider's redirect back to
// the callback still carries it.
func (sm *SessionManager) Establish(w http.ResponseWriter, tokens TokenSet, subject, name, email string, roles []string) *Session {
	sess := Session{
		ID:        sm.store.NewID(),
		Subject:   subject,
		Name:      name,
		Email:     email,
		Roles:     roles,
		Tokens:    tokens,
		AuthTime:  time.Now(),
		ExpiresAt: time.Now().Add(sm.ttl),
	}
	sm.store.SaveSession(sess)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})

	sm.logger.Info("session established", "subject", subject, "session_id", sess.ID)
	return &sess
}

// Clear removes the session record and expires the cookie. Clearing
// without a session is a no-op, never an error, so logout stays
// idempotent.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sm.store.DeleteSession(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
