package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session and refresh defaults
const (
	DefaultSessionTTL      = 12 * time.Hour
	DefaultRefreshInterval = 30 * time.Minute
	DefaultStartupAttempts = 5
	DefaultStartupBackoff  = 2 * time.Second
	DefaultProxyTimeout    = 30 * time.Second
)

// Config captures the full gateway configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Backend  BackendConfig  `yaml:"backend"`
	Sessions SessionConfig  `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and cookie concerns.
type ServerConfig struct {
	ExternalURL     string    `yaml:"external_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour for production listeners.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ProviderConfig names the identity provider deployment and its network aliases.
// All three URLs point at the same realm/client configuration; only
// reachability differs per caller (browser vs gateway process).
type ProviderConfig struct {
	ExternalURL     string        `yaml:"external_url"`
	InternalURL     string        `yaml:"internal_url"`
	DiscoveryURL    string        `yaml:"discovery_url"`
	Realm           string        `yaml:"realm"`
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	StartupAttempts int           `yaml:"startup_attempts"`
	StartupBackoff  time.Duration `yaml:"startup_backoff"`
}

// BackendConfig describes the proxied UI service.
type BackendConfig struct {
	Target             string        `yaml:"target"`
	PreserveHost       bool          `yaml:"preserve_host"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`

	// ExtraProxyPrefixes adds proxy rules ahead of the catch-all. They are
	// validated against the reserved local prefixes at startup.
	ExtraProxyPrefixes []string `yaml:"extra_proxy_prefixes"`
}

// SessionConfig controls the cookie lifecycle.
type SessionConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	Sliding bool          `yaml:"sliding"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ExternalURL:     "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".autocert",
				HSTSMaxAge: 31536000,
			},
		},
		Provider: ProviderConfig{
			RefreshInterval: DefaultRefreshInterval,
			StartupAttempts: DefaultStartupAttempts,
			StartupBackoff:  DefaultStartupBackoff,
		},
		Backend: BackendConfig{
			Timeout: DefaultProxyTimeout,
		},
		Sessions: SessionConfig{
			TTL:     DefaultSessionTTL,
			Sliding: true,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGW_SERVER_EXTERNAL_URL":      func(v string) { cfg.Server.ExternalURL = v },
		"AUTHGW_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHGW_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHGW_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHGW_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHGW_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"AUTHGW_PROVIDER_EXTERNAL_URL":    func(v string) { cfg.Provider.ExternalURL = v },
		"AUTHGW_PROVIDER_INTERNAL_URL":    func(v string) { cfg.Provider.InternalURL = v },
		"AUTHGW_PROVIDER_DISCOVERY_URL":   func(v string) { cfg.Provider.DiscoveryURL = v },
		"AUTHGW_PROVIDER_REALM":           func(v string) { cfg.Provider.Realm = v },
		"AUTHGW_PROVIDER_CLIENT_ID":       func(v string) { cfg.Provider.ClientID = v },
		"AUTHGW_PROVIDER_CLIENT_SECRET":   func(v string) { cfg.Provider.ClientSecret = v },
		"AUTHGW_BACKEND_TARGET":           func(v string) { cfg.Backend.Target = v },
		"AUTHGW_SESSIONS_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.ExternalURL == "" {
		slog.Error("Missing required configuration", "field", "server.external_url")
		return errors.New("server.external_url is required")
	}
	if err := validateBaseURL("server.external_url", c.Server.ExternalURL); err != nil {
		return err
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	for field, val := range map[string]string{
		"provider.external_url":  c.Provider.ExternalURL,
		"provider.internal_url":  c.Provider.InternalURL,
		"provider.discovery_url": c.Provider.DiscoveryURL,
	} {
		if val == "" {
			slog.Error("Missing required configuration", "field", field)
			return fmt.Errorf("%s is required", field)
		}
		if err := validateBaseURL(field, val); err != nil {
			return err
		}
	}

	if c.Provider.Realm == "" {
		slog.Error("Missing required configuration", "field", "provider.realm")
		return errors.New("provider.realm is required")
	}
	if c.Provider.ClientID == "" {
		slog.Error("Missing required configuration", "field", "provider.client_id")
		return errors.New("provider.client_id is required")
	}

	if c.Backend.Target == "" {
		slog.Error("Missing required configuration", "field", "backend.target")
		return errors.New("backend.target is required")
	}
	if err := validateBaseURL("backend.target", c.Backend.Target); err != nil {
		return err
	}

	if c.Sessions.TTL <= 0 {
		slog.Error("Invalid configuration value", "field", "sessions.ttl", "value", c.Sessions.TTL)
		return errors.New("sessions.ttl must be positive")
	}

	return nil
}

func validateBaseURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", field, "value", raw, "reason", "must be an absolute http(s) URL")
		return fmt.Errorf("%s must be an absolute http(s) URL, got: %s", field, raw)
	}
	return nil
}

// DiscoveryEndpoint returns the URL the gateway fetches the discovery
// document from. The path layout follows the provider's realm convention.
func (c ProviderConfig) DiscoveryEndpoint() string {
	return strings.TrimSuffix(c.DiscoveryURL, "/") + "/realms/" + c.Realm + "/.well-known/openid-configuration"
}
