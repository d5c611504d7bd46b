package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-tokengate/internal/jwtauth"
)

// SecurityConfig is the immutable description of how this resource validates
// and advertises bearer token authentication.
//
// A zero value is invalid; populate required fields then call Validate.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default: ["RS256"] if empty
	JWKSURL     string   // optional override / filled by discovery

	// IntrospectionEndpoint enables opaque token fallback when set.
	IntrospectionEndpoint string

	Leeway time.Duration // clock skew tolerance (default 60s)

	OIDC *OIDCExtra // optional extended metadata for advertisement only
}

// OIDCExtra carries optional authorization server metadata surfaced for
// client bootstrapping. None of these fields are used for validation.
type OIDCExtra struct {
	AuthorizationEndpoint             string
	TokenEndpoint                     string
	ScopesSupported                   []string
	IntrospectionAuthMethodsSupported []string
}

// Normalize fills defaults.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

// Validate returns an error if required invariants are not met.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = append([]string(nil), c.Audiences...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	if c.OIDC != nil {
		ox := *c.OIDC
		ox.ScopesSupported = append([]string(nil), c.OIDC.ScopesSupported...)
		ox.IntrospectionAuthMethodsSupported = append([]string(nil), c.OIDC.IntrospectionAuthMethodsSupported...)
		dup.OIDC = &ox
	}
	return dup
}

// NewVerifier constructs a dual-mode verifier from this configuration without
// performing OIDC discovery. It expects:
//   - c.Issuer (non-empty)
//   - at least one audience in c.Audiences
//   - c.JWKSURL (non-empty)
//
// When c.IntrospectionEndpoint is set opaque tokens fall back to
// introspection; WithIntrospection or WithIntrospector override it.
func (c SecurityConfig) NewVerifier(ctx context.Context, opts ...Option) (*Verifier, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if cc.JWKSURL == "" {
		return nil, errors.New("security: JWKSURL required for manual JWT verifier")
	}

	s := newSettings(opts)
	jc := s.jwtConfig(cc.Issuer, cc.Audiences)
	if s.allowedAlgs == nil {
		jc.AllowedAlgs = append([]string(nil), cc.AllowedAlgs...)
	}
	if !s.leewaySet {
		jc.Leeway = cc.Leeway
	}

	jv, err := jwtauth.NewStatic(ctx, jc, cc.JWKSURL)
	if err != nil {
		return nil, err
	}
	if s.introspectionEndpoint == "" {
		s.introspectionEndpoint = cc.IntrospectionEndpoint
	}
	cc.AllowedAlgs = jc.AllowedAlgs
	cc.Leeway = jc.Leeway
	cc.Audiences = append([]string(nil), jc.ExpectedAudiences...)
	return newVerifier(jwtLocalVerifier{v: jv}, s, cc)
}

// SecurityDescriptor exposes security configuration for transports to advertise.
type SecurityDescriptor interface{ SecurityConfig() SecurityConfig }

// SecurityProvider combines validation + descriptor. Returned by constructors.
type SecurityProvider interface {
	Authenticator
	SecurityDescriptor
}
