package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-tokengate/internal/jwtauth"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Verifier: signed-token policy (algorithms, leeway,
// audiences), introspection fallback, caching, scope policy and telemetry.
type Option func(*settings)

type settings struct {
	allowedAlgs    []string
	leeway         time.Duration
	leewaySet      bool
	extraAudiences []string
	requireATJWT   bool

	introspector          Introspector
	introspectionEndpoint string
	discoverIntrospection bool
	clientID              string
	clientSecret          string
	introspectionTimeout  time.Duration
	httpClient            *http.Client

	cacheTTL        time.Duration
	cacheMaxEntries int
	singleflight    bool

	requiredScopes []string
	scopeModeAny   bool

	logger     *slog.Logger
	registerer prometheus.Registerer
	now        func() time.Time
}

func newSettings(opts []Option) *settings {
	s := &settings{singleflight: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *settings) jwtConfig(issuer string, audiences []string) *jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = append(append([]string(nil), audiences...), s.extraAudiences...)
	if s.allowedAlgs != nil {
		cfg.AllowedAlgs = append([]string(nil), s.allowedAlgs...)
	}
	if s.leewaySet {
		cfg.Leeway = s.leeway
	}
	cfg.RequireATJWT = s.requireATJWT
	return cfg
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) Option {
	return func(s *settings) { s.allowedAlgs = append([]string{}, algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(s *settings) { s.leeway, s.leewaySet = d, true }
}

// WithAudiences accepts additional audiences beyond the primary one, which is
// mostly useful when the served endpoint differs from the registered one
// (local development).
func WithAudiences(aud ...string) Option {
	return func(s *settings) { s.extraAudiences = append(s.extraAudiences, aud...) }
}

// WithRequireATJWT enforces the RFC 9068 "at+jwt" typ header on signed tokens.
func WithRequireATJWT() Option {
	return func(s *settings) { s.requireATJWT = true }
}

// WithIntrospection enables opaque token fallback against an RFC 7662
// endpoint. Without it (or WithIntrospector) any token that fails local
// verification is rejected.
func WithIntrospection(endpoint string) Option {
	return func(s *settings) { s.introspectionEndpoint = endpoint }
}

// WithIntrospectionDiscovery uses the introspection_endpoint advertised in
// OIDC discovery metadata when no endpoint was configured explicitly.
func WithIntrospectionDiscovery() Option {
	return func(s *settings) { s.discoverIntrospection = true }
}

// WithIntrospector installs a custom introspection component. It takes
// precedence over WithIntrospection.
func WithIntrospector(i Introspector) Option {
	return func(s *settings) { s.introspector = i }
}

// WithClientCredentials authenticates introspection calls with HTTP Basic.
func WithClientCredentials(clientID, clientSecret string) Option {
	return func(s *settings) { s.clientID, s.clientSecret = clientID, clientSecret }
}

// WithIntrospectionTimeout bounds each introspection call (default 10s).
func WithIntrospectionTimeout(d time.Duration) Option {
	return func(s *settings) { s.introspectionTimeout = d }
}

// WithHTTPClient sets the client used for introspection calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// WithCacheTTL bounds how long an introspection verdict is reused
// (default 5m). The credential's own expiry always caps it. A value <= 0
// disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(s *settings) {
		if d <= 0 {
			d = -1
		}
		s.cacheTTL = d
	}
}

// WithCacheMaxEntries bounds the number of cached verdicts (default 10000).
func WithCacheMaxEntries(n int) Option {
	return func(s *settings) { s.cacheMaxEntries = n }
}

// WithoutSingleflight lets concurrent verifications of the same uncached
// opaque token each call the introspection endpoint.
func WithoutSingleflight() Option {
	return func(s *settings) { s.singleflight = false }
}

// WithRequiredScopes requires all of the provided scopes to be granted.
func WithRequiredScopes(scopes ...string) Option {
	return func(s *settings) {
		s.requiredScopes = append([]string(nil), scopes...)
		s.scopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes.
func WithAnyRequiredScope(scopes ...string) Option {
	return func(s *settings) {
		s.requiredScopes = append([]string(nil), scopes...)
		s.scopeModeAny = true
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetricsRegisterer registers the verifier's collectors with r.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = r }
}

// WithClock overrides the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}
