package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-tokengate/internal/introspect"
	"github.com/ggoodman/mcp-tokengate/internal/jwtauth"
	"github.com/ggoodman/mcp-tokengate/internal/metrics"
	"github.com/ggoodman/mcp-tokengate/internal/tokencache"
	"golang.org/x/sync/singleflight"
)

// Verifier accepts signed tokens verified locally and, when introspection is
// configured, opaque tokens verified by the issuing authority. Introspection
// verdicts are cached per verifier instance under a digest of the token.
//
// A single call runs: local verification, then (only on failure and only
// with introspection configured) cache lookup, then introspection. Every
// rejection matches ErrUnauthorized; the joined cause identifies the step
// that failed.
type Verifier struct {
	local        LocalVerifier
	introspector Introspector
	cache        *tokencache.Cache[*AccessToken]
	flight       *singleflight.Group

	requiredScopes []string
	scopeModeAny   bool

	// introspectTimeout bounds a shared introspection call, which outlives
	// the caller that started it.
	introspectTimeout time.Duration

	log     *slog.Logger
	metrics *metrics.Verifier
	now     func() time.Time
	sec     SecurityConfig
}

var _ SecurityProvider = (*Verifier)(nil)

// NewVerifier builds a Verifier around local. Signed-token options
// (WithAllowedAlgs, WithLeeway, ...) do not apply here since local is
// already constructed.
func NewVerifier(local LocalVerifier, opts ...Option) (*Verifier, error) {
	if local == nil {
		return nil, errors.New("local verifier is required")
	}
	return newVerifier(local, newSettings(opts), SecurityConfig{})
}

// NewFromDiscovery returns a Verifier whose local step validates JWT access
// tokens using keys discovered via OpenID Connect discovery (jwks_uri,
// issuer, etc.).
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected audience ("aud") claim, typically your public MCP endpoint URL
//
// Opaque token fallback is enabled by WithIntrospection, WithIntrospector or
// WithIntrospectionDiscovery.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...Option) (*Verifier, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	s := newSettings(opts)
	jc := s.jwtConfig(issuer, []string{audience})
	jv, err := jwtauth.NewFromDiscovery(ctx, jc)
	if err != nil {
		return nil, err
	}
	meta := jv.Metadata()
	if s.introspectionEndpoint == "" && s.discoverIntrospection {
		if meta.IntrospectionEndpoint == "" {
			return nil, errors.New("introspection discovery requested but issuer advertises no introspection_endpoint")
		}
		s.introspectionEndpoint = meta.IntrospectionEndpoint
	}

	sec := SecurityConfig{
		Issuer:      meta.Issuer,
		Audiences:   append([]string(nil), jc.ExpectedAudiences...),
		AllowedAlgs: append([]string(nil), jc.AllowedAlgs...),
		JWKSURL:     meta.JWKSURI,
		Leeway:      jc.Leeway,
	}
	if meta.AuthorizationEndpoint != "" || meta.TokenEndpoint != "" || len(meta.ScopesSupported) > 0 {
		sec.OIDC = &OIDCExtra{
			AuthorizationEndpoint:             meta.AuthorizationEndpoint,
			TokenEndpoint:                     meta.TokenEndpoint,
			ScopesSupported:                   meta.ScopesSupported,
			IntrospectionAuthMethodsSupported: meta.IntrospectionAuthMethods,
		}
	}
	return newVerifier(jwtLocalVerifier{v: jv}, s, sec)
}

func newVerifier(local LocalVerifier, s *settings, sec SecurityConfig) (*Verifier, error) {
	v := &Verifier{
		local:             local,
		introspector:      s.introspector,
		requiredScopes:    s.requiredScopes,
		scopeModeAny:      s.scopeModeAny,
		introspectTimeout: s.introspectionTimeout,
		log:               s.logger,
		now:               s.now,
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.introspectTimeout <= 0 {
		v.introspectTimeout = introspect.DefaultTimeout
	}

	if v.introspector == nil && s.introspectionEndpoint != "" {
		c, err := introspect.New(introspect.Config{
			Endpoint:     s.introspectionEndpoint,
			ClientID:     s.clientID,
			ClientSecret: s.clientSecret,
			Timeout:      s.introspectionTimeout,
			HTTPClient:   s.httpClient,
		})
		if err != nil {
			return nil, err
		}
		v.introspector = introspectionClient{c: c}
		sec.IntrospectionEndpoint = c.Endpoint()
	}
	if v.introspector != nil {
		v.cache = tokencache.New[*AccessToken](tokencache.Config{
			TTL:        s.cacheTTL,
			MaxEntries: s.cacheMaxEntries,
			Now:        v.now,
		})
		if s.singleflight {
			v.flight = &singleflight.Group{}
		}
	}
	v.metrics = metrics.NewVerifier(s.registerer, v.cacheLen)
	v.sec = sec.Copy()
	return v, nil
}

// SecurityConfig describes what this verifier enforces, for advertisement.
func (v *Verifier) SecurityConfig() SecurityConfig { return v.sec.Copy() }

// IntrospectionEnabled reports whether opaque tokens can be accepted.
func (v *Verifier) IntrospectionEnabled() bool { return v.introspector != nil }

// PurgeCache drops every cached introspection verdict, so the next use of
// each opaque token is introspected again.
func (v *Verifier) PurgeCache() {
	if v.cache != nil {
		v.cache.Purge()
	}
}

func (v *Verifier) cacheLen() int {
	if v.cache == nil {
		return 0
	}
	return v.cache.Len()
}

// CheckAuthentication implements Authenticator.
func (v *Verifier) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	at, err := v.Verify(ctx, tok)
	if err != nil {
		return nil, err
	}
	return at, nil
}

// Verify returns the identity bound to tok or an error matching
// ErrUnauthorized (or ErrInsufficientScope when a scope policy is set).
func (v *Verifier) Verify(ctx context.Context, tok string) (*AccessToken, error) {
	if tok == "" {
		return nil, v.reject(ctx, "", "empty", errors.New("empty token"))
	}

	at, localErr := v.local.VerifyLocal(ctx, tok)
	if localErr == nil {
		return v.accept(ctx, metrics.OutcomeLocal, at)
	}
	if v.introspector == nil {
		return nil, v.reject(ctx, "", reasonFor(localErr), localErr)
	}

	digest := tokencache.Digest(tok)
	v.log.DebugContext(ctx, "verify.local.fallback",
		slog.String("token_sha256", digest[:8]),
		slog.String("reason", reasonFor(localErr)),
	)

	if cached, ok := v.cache.LookupDigest(digest); ok {
		return v.accept(ctx, metrics.OutcomeCache, cached)
	}

	at, err := v.introspect(ctx, tok, digest)
	if err != nil {
		return nil, v.reject(ctx, digest, reasonFor(err), err)
	}
	return v.accept(ctx, metrics.OutcomeIntrospection, at)
}

// introspect performs the single introspection attempt for digest, sharing
// one in-flight call between concurrent callers when single-flight is on.
// The shared call is detached from the caller that started it so that its
// cancellation cannot fail the others; each caller still stops waiting when
// its own ctx is done.
func (v *Verifier) introspect(ctx context.Context, tok, digest string) (*AccessToken, error) {
	if v.flight == nil {
		return v.introspectAndStore(ctx, tok, digest)
	}
	ch := v.flight.DoChan(digest, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.introspectTimeout)
		defer cancel()
		return v.introspectAndStore(sctx, tok, digest)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AccessToken), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", introspect.ErrUnreachable, ctx.Err())
	}
}

func (v *Verifier) introspectAndStore(ctx context.Context, tok, digest string) (*AccessToken, error) {
	start := time.Now()
	at, err := v.introspector.Introspect(ctx, tok)
	if err == nil && at == nil {
		err = fmt.Errorf("%w: introspector returned no identity", introspect.ErrMalformed)
	}
	dur := time.Since(start)
	if err != nil {
		v.metrics.Introspected(reasonFor(err), dur)
		return nil, err
	}
	v.metrics.Introspected("ok", dur)

	expiry, stored := v.cache.StoreDigest(digest, at, at.ExpiresAt())
	v.log.DebugContext(ctx, "verify.introspect.ok",
		slog.String("token_sha256", digest[:8]),
		slog.Bool("cached", stored),
		slog.Time("cache_expiry", expiry),
		slog.Duration("dur", dur),
	)
	return at, nil
}

func (v *Verifier) accept(ctx context.Context, outcome string, at *AccessToken) (*AccessToken, error) {
	if err := v.checkScopes(at); err != nil {
		v.metrics.Verified(outcome, "insufficient_scope")
		v.log.InfoContext(ctx, "verify.scope.fail", slog.String("user_id", at.UserID()), slog.String("via", outcome))
		return nil, err
	}
	v.metrics.Verified(outcome, "ok")
	v.log.DebugContext(ctx, "verify.ok", slog.String("user_id", at.UserID()), slog.String("via", outcome))
	return at, nil
}

func (v *Verifier) reject(ctx context.Context, digest, reason string, cause error) error {
	v.metrics.Verified(metrics.OutcomeRejected, reason)
	attrs := []any{slog.String("reason", reason), slog.String("err", cause.Error())}
	if digest != "" {
		attrs = append(attrs, slog.String("token_sha256", digest[:8]))
	}
	switch reason {
	case "unreachable", "malformed", "error":
		v.log.WarnContext(ctx, "verify.fail", attrs...)
	default:
		v.log.InfoContext(ctx, "verify.fail", attrs...)
	}
	return errors.Join(ErrUnauthorized, cause)
}

func (v *Verifier) checkScopes(at *AccessToken) error {
	if len(v.requiredScopes) == 0 {
		return nil
	}
	if v.scopeModeAny {
		for _, want := range v.requiredScopes {
			if at.HasScope(want) {
				return nil
			}
		}
		return ErrInsufficientScope
	}
	for _, want := range v.requiredScopes {
		if !at.HasScope(want) {
			return fmt.Errorf("%w: missing %s", ErrInsufficientScope, want)
		}
	}
	return nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, jwtauth.ErrNotAJWT):
		return "not_jwt"
	case errors.Is(err, jwtauth.ErrExpired):
		return "expired"
	case errors.Is(err, jwtauth.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, jwtauth.ErrIssuerMismatch):
		return "issuer_mismatch"
	case errors.Is(err, jwtauth.ErrAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, jwtauth.ErrUnauthorized):
		return "invalid_claims"
	case errors.Is(err, introspect.ErrInactive):
		return "inactive"
	case errors.Is(err, introspect.ErrMalformed):
		return "malformed"
	case errors.Is(err, introspect.ErrUnreachable):
		return "unreachable"
	}
	return "error"
}
