package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"
)

// rawDiscovery mirrors the provider's published discovery document. Only
// the fields the gateway consumes are decoded; everything else is ignored.
type rawDiscovery struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
	EndSessionEndpoint               string   `json:"end_session_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	ResponseModesSupported           []string `json:"response_modes_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

// ProviderMetadata is the cached, alias-corrected view of the discovery
// document. Browser-facing endpoints carry the external alias, endpoints
// the gateway calls itself carry the internal alias. Trust material (key
// set, supported algorithms and parameters) is copied verbatim from the
// source document.
type ProviderMetadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	EndSessionEndpoint    string
	JWKSURI               string

	Keys jose.JSONWebKeySet

	ResponseTypesSupported           []string
	ResponseModesSupported           []string
	GrantTypesSupported              []string
	SubjectTypesSupported            []string
	ScopesSupported                  []string
	IDTokenSigningAlgValuesSupported []string

	FetchedAt time.Time
}

// MetadataRewriter fetches the discovery document from the discovery alias
// and rewrites endpoint URLs for their respective consumers. It is the only
// shared mutable state in the gateway; concurrent refreshes coalesce into
// one upstream fetch and readers are never blocked while a stale copy is
// available.
type MetadataRewriter struct {
	cfg    ProviderConfig
	client *http.Client
	logger *slog.Logger

	group singleflight.Group

	mu     sync.RWMutex
	cached *ProviderMetadata
	stale  bool
}

// NewMetadataRewriter constructs the rewriter. No fetch happens until the
// first GetMetadata call.
func NewMetadataRewriter(cfg ProviderConfig, client *http.Client, logger *slog.Logger) *MetadataRewriter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &MetadataRewriter{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// GetMetadata returns the current metadata, fetching it if necessary.
// A stale cache is served immediately while a refresh proceeds in the
// background; forceRefresh joins (or starts) the in-flight fetch and waits
// for its result.
func (m *MetadataRewriter) GetMetadata(ctx context.Context, forceRefresh bool) (*ProviderMetadata, error) {
	m.mu.RLock()
	cached, stale := m.cached, m.stale
	m.mu.RUnlock()

	if cached != nil && !stale && !forceRefresh {
		return cached, nil
	}

	if cached != nil && !forceRefresh {
		// Stale but usable: serve it and refresh off the request path.
		go func() {
			if _, err := m.refresh(); err != nil {
				m.logger.Warn("background metadata refresh failed", "error", err)
			}
		}()
		return cached, nil
	}

	md, err := m.refresh()
	if err != nil {
		if cached != nil {
			m.logger.Warn("metadata refresh failed, serving cached copy", "error", err, "fetched_at", cached.FetchedAt)
			return cached, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return md, nil
}

// RequestRefresh marks the cache stale without blocking; the next
// GetMetadata call performs the fetch.
func (m *MetadataRewriter) RequestRefresh() {
	m.mu.Lock()
	m.stale = true
	m.mu.Unlock()
}

// StartRefresh launches the periodic refresh ticker.
func (m *MetadataRewriter) StartRefresh(stop <-chan struct{}) {
	if m.cfg.RefreshInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.refresh(); err != nil {
					m.logger.Warn("scheduled metadata refresh failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// refresh coalesces concurrent fetches into a single upstream call. The
// fetch runs under its own timeout so an inbound request being cancelled
// never aborts a refresh other callers are waiting on.
func (m *MetadataRewriter) refresh() (*ProviderMetadata, error) {
	v, err, _ := m.group.Do("discovery", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		md, err := m.fetch(ctx)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.cached = md
		m.stale = false
		m.mu.Unlock()

		m.logger.Info("provider metadata refreshed",
			"issuer", md.Issuer,
			"authorization_endpoint", md.AuthorizationEndpoint,
			"token_endpoint", md.TokenEndpoint,
			"keys", len(md.Keys.Keys),
		)
		return md, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ProviderMetadata), nil
}

func (m *MetadataRewriter) fetch(ctx context.Context) (*ProviderMetadata, error) {
	var raw rawDiscovery
	if err := m.getJSON(ctx, m.cfg.DiscoveryEndpoint(), &raw); err != nil {
		return nil, fmt.Errorf("fetch discovery document: %w", err)
	}

	md, err := rewriteMetadata(raw, m.cfg.ExternalURL, m.cfg.InternalURL)
	if err != nil {
		return nil, err
	}

	if raw.JWKSURI != "" {
		if err := m.getJSON(ctx, raw.JWKSURI, &md.Keys); err != nil {
			return nil, fmt.Errorf("fetch signing keys: %w", err)
		}
	}

	md.FetchedAt = time.Now()
	return md, nil
}

func (m *MetadataRewriter) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", rawURL, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// rewriteMetadata builds the alias-corrected metadata from a raw document.
// Only endpoints whose consumer differs by alias are rewritten: the
// browser follows authorization and end-session URLs (external alias), the
// gateway itself calls token and userinfo (internal alias). jwks_uri and
// all trust material pass through untouched.
func rewriteMetadata(raw rawDiscovery, external, internal string) (*ProviderMetadata, error) {
	md := &ProviderMetadata{
		Issuer:                           raw.Issuer,
		JWKSURI:                          raw.JWKSURI,
		ResponseTypesSupported:           raw.ResponseTypesSupported,
		ResponseModesSupported:           raw.ResponseModesSupported,
		GrantTypesSupported:              raw.GrantTypesSupported,
		SubjectTypesSupported:            raw.SubjectTypesSupported,
		ScopesSupported:                  raw.ScopesSupported,
		IDTokenSigningAlgValuesSupported: raw.IDTokenSigningAlgValuesSupported,
	}

	rewrites := []struct {
		name  string
		raw   string
		alias string
		dst   *string
	}{
		{"authorization_endpoint", raw.AuthorizationEndpoint, external, &md.AuthorizationEndpoint},
		{"end_session_endpoint", raw.EndSessionEndpoint, external, &md.EndSessionEndpoint},
		{"token_endpoint", raw.TokenEndpoint, internal, &md.TokenEndpoint},
		{"userinfo_endpoint", raw.UserinfoEndpoint, internal, &md.UserinfoEndpoint},
	}
	for _, rw := range rewrites {
		if rw.raw == "" {
			continue
		}
		rewritten, err := rebaseURL(rw.raw, rw.alias)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", rw.name, err)
		}
		*rw.dst = rewritten
	}

	return md, nil
}

// rebaseURL keeps the path suffix of the raw endpoint and replaces its
// origin with the given alias base URL.
func rebaseURL(rawEndpoint, alias string) (string, error) {
	u, err := url.Parse(rawEndpoint)
	if err != nil {
		return "", err
	}
	base := strings.TrimSuffix(alias, "/")
	rebased := base + u.Path
	if u.RawQuery != "" {
		rebased += "?" + u.RawQuery
	}
	return rebased, nil
}
