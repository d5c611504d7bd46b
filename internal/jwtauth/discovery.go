package jwtauth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
)

// Metadata is what the verifier knows about its issuer. Fields other than
// Issuer and JWKSURI are advertisement-only and never used for validation.
type Metadata struct {
	Issuer                string
	JWKSURI               string
	AuthorizationEndpoint string
	TokenEndpoint         string
	IntrospectionEndpoint string
	ScopesSupported       []string
	// IntrospectionAuthMethods lists introspection_endpoint_auth_methods_supported.
	IntrospectionAuthMethods []string
}

func (m Metadata) copy() Metadata {
	m.ScopesSupported = append([]string(nil), m.ScopesSupported...)
	m.IntrospectionAuthMethods = append([]string(nil), m.IntrospectionAuthMethods...)
	return m
}

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and issuer and
// builds a Verifier for the configured policies. JWKS keys are auto-refreshed.
// An advertised introspection_endpoint is recorded in Metadata; whether to use
// it is the caller's decision.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer            string   `json:"issuer"`
		JwksURI           string   `json:"jwks_uri"`
		Authorization     string   `json:"authorization_endpoint"`
		Token             string   `json:"token_endpoint"`
		Introspection     string   `json:"introspection_endpoint"`
		IntrospectionAuth []string `json:"introspection_endpoint_auth_methods_supported"`
		Scopes            []string `json:"scopes_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	cc := *cfg
	// go-oidc has already verified that the discovered issuer matches.
	if meta.Issuer != "" {
		cc.Issuer = meta.Issuer
	}
	v, err := NewWithKeyfunc(&cc, kf.Keyfunc)
	if err != nil {
		return nil, err
	}
	v.meta = Metadata{
		Issuer:                   cc.Issuer,
		JWKSURI:                  meta.JwksURI,
		AuthorizationEndpoint:    meta.Authorization,
		TokenEndpoint:            meta.Token,
		IntrospectionEndpoint:    meta.Introspection,
		IntrospectionAuthMethods: append([]string(nil), meta.IntrospectionAuth...),
		ScopesSupported:          append([]string(nil), meta.Scopes...),
	}
	return v, nil
}
