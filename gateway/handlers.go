package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Version reported by /gateway/info.
const Version = "1.0.0"

// localRoutes builds the handler surface for the reserved prefixes. The
// dispatcher guarantees these paths never reach the backend; chi handles
// per-method routing within them.
func (g *Gateway) localRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", g.handleHealth)
	r.Get("/gateway/info", g.handleInfo)

	r.Get("/auth/login", g.handleLogin)
	r.Post("/auth/login", g.handleLogin)
	r.Get("/auth/callback", g.auth.HandleCallback)
	r.Post("/auth/logout", g.logout.Logout)
	r.Get("/auth/user", g.handleUser)

	r.Route("/api", func(api chi.Router) {
		api.Get("/protected", g.handleProtected)
		api.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "not found")
		})
	})

	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         "authgw",
		"version":      Version,
		"external_url": g.Config.Server.ExternalURL,
		"realm":        g.Config.Provider.Realm,
	})
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")
	g.auth.Challenge(w, r, returnTo)
}

func (g *Gateway) handleUser(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": p.Subject,
		"name":    p.Name,
		"email":   p.Email,
		"roles":   p.Roles,
	})
}

// handleProtected is only reachable through an AuthRequired rule, so a
// principal is always present.
func (g *Gateway) handleProtected(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": p.Subject,
		"roles":   p.Roles,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
