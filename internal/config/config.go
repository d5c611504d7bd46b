// Package config loads tokengate settings from an optional YAML file and the
// environment. Environment variables win over the file; the file wins over
// defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// ListenAddr like "127.0.0.1:8080". ENV: TOKENGATE_LISTEN_ADDR
	ListenAddr string `yaml:"listen_addr" env:"TOKENGATE_LISTEN_ADDR"`
	// PublicURL is the externally visible URL of the protected resource and
	// the default expected audience. ENV: TOKENGATE_PUBLIC_URL
	PublicURL string `yaml:"public_url" env:"TOKENGATE_PUBLIC_URL"`
	// UpstreamURL receives authenticated requests. ENV: TOKENGATE_UPSTREAM_URL
	UpstreamURL string `yaml:"upstream_url" env:"TOKENGATE_UPSTREAM_URL"`
	// ForwardAuthorization passes the caller's Authorization header upstream.
	ForwardAuthorization bool `yaml:"forward_authorization" env:"TOKENGATE_FORWARD_AUTHORIZATION"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool   `yaml:"trust_proxy_headers" env:"TOKENGATE_TRUST_PROXY_HEADERS"`
	TenantClaim       string `yaml:"tenant_claim" env:"TOKENGATE_TENANT_CLAIM"`
	LogLevel          string `yaml:"log_level" env:"TOKENGATE_LOG_LEVEL"`

	Issuer   string `yaml:"issuer" env:"OIDC_ISSUER"`
	Audience string `yaml:"audience" env:"OIDC_AUDIENCE"`
	// JWKSURL skips OIDC discovery when set.
	JWKSURL string `yaml:"jwks_url" env:"OIDC_JWKS_URL"`

	Introspection Introspection `yaml:"introspection"`

	// RequiredScopes is space-delimited. ENV: REQUIRED_SCOPES
	RequiredScopes string `yaml:"required_scopes" env:"REQUIRED_SCOPES"`
}

type Introspection struct {
	// Endpoint enables opaque token fallback. ENV: INTROSPECTION_ENDPOINT
	Endpoint string `yaml:"endpoint" env:"INTROSPECTION_ENDPOINT"`
	// Discover uses the issuer's advertised introspection_endpoint.
	Discover        bool          `yaml:"discover" env:"INTROSPECTION_DISCOVER"`
	ClientID        string        `yaml:"client_id" env:"INTROSPECTION_CLIENT_ID"`
	ClientSecret    string        `yaml:"client_secret" env:"INTROSPECTION_CLIENT_SECRET"`
	Timeout         time.Duration `yaml:"timeout" env:"INTROSPECTION_TIMEOUT"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds" env:"INTROSPECTION_CACHE_TTL"`
	CacheMaxEntries int           `yaml:"cache_max_entries" env:"INTROSPECTION_CACHE_MAX_ENTRIES"`
	Singleflight    bool          `yaml:"singleflight" env:"INTROSPECTION_SINGLEFLIGHT"`
}

// Default returns the settings used when neither file nor environment says
// otherwise.
func Default() Config {
	return Config{
		ListenAddr:  "127.0.0.1:8080",
		TenantClaim: "tenant",
		LogLevel:    "info",
		Introspection: Introspection{
			Timeout:         10 * time.Second,
			CacheTTLSeconds: 300,
			CacheMaxEntries: 10000,
			Singleflight:    true,
		},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("error reading environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks what every command needs: an issuer and an audience, and
// well-formed URLs.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("config: issuer is required (OIDC_ISSUER)")
	}
	if c.Audience == "" {
		return errors.New("config: audience is required (OIDC_AUDIENCE)")
	}
	for name, v := range map[string]string{
		"issuer":                 c.Issuer,
		"jwks_url":               c.JWKSURL,
		"public_url":             c.PublicURL,
		"upstream_url":           c.UpstreamURL,
		"introspection.endpoint": c.Introspection.Endpoint,
	} {
		if v == "" {
			continue
		}
		if err := checkHTTPURL(v); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if c.Introspection.Timeout < 0 {
		return errors.New("config: introspection.timeout must not be negative")
	}
	if c.Introspection.CacheMaxEntries < 0 {
		return errors.New("config: introspection.cache_max_entries must not be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// ValidateServe adds the requirements of the proxy server.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.PublicURL == "" {
		return errors.New("config: public_url is required (TOKENGATE_PUBLIC_URL)")
	}
	if c.ListenAddr == "" {
		return errors.New("config: listen_addr is required")
	}
	return nil
}

// Scopes splits RequiredScopes.
func (c *Config) Scopes() []string { return strings.Fields(c.RequiredScopes) }

// CacheTTL converts the configured seconds. Zero or less disables caching.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Introspection.CacheTTLSeconds) * time.Second
}

// IntrospectionConfigured reports whether opaque token fallback is on.
func (c *Config) IntrospectionConfigured() bool {
	return c.Introspection.Endpoint != "" || c.Introspection.Discover
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
