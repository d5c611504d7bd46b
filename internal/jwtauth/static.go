package jwtauth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
)

// NewStatic constructs a verifier that validates JWT access tokens against a
// statically configured issuer, audiences and JWKS URI (no discovery). The
// key set is fetched once here and refreshed in the background until ctx is
// cancelled.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	v, err := NewWithKeyfunc(cfg, kf.Keyfunc)
	if err != nil {
		return nil, err
	}
	v.meta.JWKSURI = jwksURI
	return v, nil
}
