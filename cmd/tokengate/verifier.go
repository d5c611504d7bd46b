package main

import (
	"context"
	"log/slog"

	"github.com/ggoodman/mcp-tokengate/auth"
	"github.com/ggoodman/mcp-tokengate/internal/config"
	"github.com/prometheus/client_golang/prometheus"
)

// buildVerifier wires cfg into an auth.Verifier. A JWKS URL selects the
// manual path; otherwise the issuer is discovered.
func buildVerifier(ctx context.Context, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*auth.Verifier, error) {
	opts := []auth.Option{
		auth.WithLogger(log),
		auth.WithCacheTTL(cfg.CacheTTL()),
		auth.WithCacheMaxEntries(cfg.Introspection.CacheMaxEntries),
		auth.WithIntrospectionTimeout(cfg.Introspection.Timeout),
	}
	if reg != nil {
		opts = append(opts, auth.WithMetricsRegisterer(reg))
	}
	if cfg.Introspection.Endpoint != "" {
		opts = append(opts, auth.WithIntrospection(cfg.Introspection.Endpoint))
	}
	if cfg.Introspection.ClientID != "" || cfg.Introspection.ClientSecret != "" {
		opts = append(opts, auth.WithClientCredentials(cfg.Introspection.ClientID, cfg.Introspection.ClientSecret))
	}
	if !cfg.Introspection.Singleflight {
		opts = append(opts, auth.WithoutSingleflight())
	}
	if scopes := cfg.Scopes(); len(scopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(scopes...))
	}

	if cfg.JWKSURL != "" {
		sec := auth.SecurityConfig{
			Issuer:                cfg.Issuer,
			Audiences:             []string{cfg.Audience},
			JWKSURL:               cfg.JWKSURL,
			IntrospectionEndpoint: cfg.Introspection.Endpoint,
		}
		return sec.NewVerifier(ctx, opts...)
	}
	if cfg.Introspection.Discover {
		opts = append(opts, auth.WithIntrospectionDiscovery())
	}
	return auth.NewFromDiscovery(ctx, cfg.Issuer, cfg.Audience, opts...)
}
