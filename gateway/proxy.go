package gateway

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// Forwarded identity headers. The backend trusts them only for requests
// arriving through the gateway's network boundary; any copies supplied by
// the client are stripped before the principal is attached.
const (
	HeaderSubject = "X-Auth-Subject"
	HeaderName    = "X-Auth-Name"
	HeaderEmail   = "X-Auth-Email"
	HeaderRoles   = "X-Auth-Roles"
)

// BackendProxy forwards requests to the UI service with the authenticated
// principal attached as identity headers. The backend never re-validates
// tokens; the gateway's decision is authoritative.
type BackendProxy struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// NewBackendProxy creates the proxy for the configured backend target.
func NewBackendProxy(cfg BackendConfig, logger *slog.Logger) (*BackendProxy, error) {
	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid backend target: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProxyTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)

		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			prior := req.Header.Get("X-Forwarded-For")
			if prior != "" {
				clientIP = prior + ", " + clientIP
			}
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", req.Host)
	}

	bp := &BackendProxy{target: targetURL, logger: logger}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		bp.logger.Error("proxy error",
			"target", cfg.Target,
			"path", r.URL.Path,
			"error", err,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}
	bp.proxy = proxy

	logger.Info("backend proxy configured", "target", cfg.Target, "preserve_host", cfg.PreserveHost)
	return bp, nil
}

// Forward hands the request to the backend. Identity headers are reset on
// every request so a client can never smuggle its own, and populated from
// the principal when one exists. Cancellation of the inbound request
// propagates through the request context to the upstream call.
func (bp *BackendProxy) Forward(w http.ResponseWriter, r *http.Request, principal *Principal) {
	r.Header.Del(HeaderSubject)
	r.Header.Del(HeaderName)
	r.Header.Del(HeaderEmail)
	r.Header.Del(HeaderRoles)

	if principal != nil {
		r.Header.Set(HeaderSubject, principal.Subject)
		if principal.Name != "" {
			r.Header.Set(HeaderName, principal.Name)
		}
		if principal.Email != "" {
			r.Header.Set(HeaderEmail, principal.Email)
		}
		if len(principal.Roles) > 0 {
			r.Header.Set(HeaderRoles, strings.Join(principal.Roles, ","))
		}
	}

	bp.proxy.ServeHTTP(w, r)
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
