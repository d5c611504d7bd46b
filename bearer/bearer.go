// Package bearer protects HTTP handlers with RFC 6750 bearer authentication
// and advertises the resource's authorization server through an RFC 9728
// Protected Resource Metadata document.
package bearer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/mcp-tokengate/auth"
	"github.com/ggoodman/mcp-tokengate/internal/logctx"
	"github.com/ggoodman/mcp-tokengate/internal/wellknown"
)

// DefaultVerifyTimeout bounds a single verification, introspection included.
const DefaultVerifyTimeout = 15 * time.Second

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	bearerPrefix          = "Bearer "
)

// Option configures a Middleware.
type Option func(*config)

type config struct {
	logger        *slog.Logger
	realm         string
	resourceURL   *url.URL
	resourceName  string
	verifyTimeout time.Duration
	security      *auth.SecurityConfig
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely per
// RFC 6750 (it is optional) keeping challenges concise.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// WithResourceURL sets the public URL of the protected resource. It becomes
// the PRM "resource" value and determines the resource_metadata location
// sent in challenges.
func WithResourceURL(u *url.URL) Option {
	return func(c *config) { c.resourceURL = u }
}

// WithResourceName sets a human-readable name surfaced in PRM.
func WithResourceName(name string) Option {
	return func(c *config) { c.resourceName = name }
}

// WithVerifyTimeout bounds each verification (default 15s). The bound is
// derived from the request context so an abandoned request also ends any
// in-flight introspection.
func WithVerifyTimeout(d time.Duration) Option {
	return func(c *config) { c.verifyTimeout = d }
}

// WithSecurityConfig overrides what is advertised in PRM. Without it the
// authenticator's own SecurityConfig is used when it has one.
func WithSecurityConfig(sc auth.SecurityConfig) Option {
	return func(c *config) { cc := sc.Copy(); c.security = &cc }
}

// Middleware authenticates requests before handing them to the wrapped
// handler.
type Middleware struct {
	authn         auth.Authenticator
	log           *slog.Logger
	realm         string
	verifyTimeout time.Duration

	prm    wellknown.ProtectedResourceMetadata
	prmURL *url.URL
}

// New builds a Middleware around authn.
func New(authn auth.Authenticator, opts ...Option) (*Middleware, error) {
	if authn == nil {
		return nil, errors.New("authenticator is required")
	}
	cfg := &config{logger: slog.Default(), verifyTimeout: DefaultVerifyTimeout}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.verifyTimeout <= 0 {
		cfg.verifyTimeout = DefaultVerifyTimeout
	}

	lh := cfg.logger.Handler()
	if _, ok := lh.(logctx.Handler); !ok {
		lh = logctx.Handler{Handler: lh}
	}
	m := &Middleware{
		authn:         authn,
		log:           slog.New(lh),
		realm:         cfg.realm,
		verifyTimeout: cfg.verifyTimeout,
	}

	if cfg.resourceURL != nil {
		if cfg.resourceURL.Scheme != "https" && cfg.resourceURL.Scheme != "http" {
			return nil, fmt.Errorf("resource URL must use HTTP or HTTPS scheme, got %q", cfg.resourceURL.Scheme)
		}
		m.prmURL = wellknown.ProtectedResourceURL(cfg.resourceURL)

		sec := cfg.security
		if sec == nil {
			if sd, ok := authn.(auth.SecurityDescriptor); ok {
				cc := sd.SecurityConfig()
				sec = &cc
			}
		}
		m.prm = wellknown.ProtectedResourceMetadata{
			Resource:               cfg.resourceURL.String(),
			BearerMethodsSupported: []string{"header"},
			ResourceName:           cfg.resourceName,
		}
		if sec != nil {
			if sec.Issuer != "" {
				m.prm.AuthorizationServers = []string{sec.Issuer}
			}
			m.prm.JwksURI = sec.JWKSURL
			if sec.OIDC != nil {
				m.prm.ScopesSupported = sec.OIDC.ScopesSupported
			}
		}
	}
	return m, nil
}

// ProtectedResourceMetadataPath is the path the PRM document is served on;
// empty when no resource URL was configured.
func (m *Middleware) ProtectedResourceMetadataPath() string {
	if m.prmURL == nil {
		return ""
	}
	return m.prmURL.Path
}

// ProtectedResourceMetadataHandler serves the PRM document.
func (m *Middleware) ProtectedResourceMetadataHandler() http.Handler {
	return wellknown.Handler(m.prm)
}

// Wrap returns a handler that only calls next for authenticated requests.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ui := m.checkAuthentication(r.Context(), r, w)
		if ui == nil {
			return
		}
		ctx := context.WithValue(r.Context(), userInfoKey{}, ui)
		ad := &logctx.AuthData{UserID: ui.UserID()}
		if at, ok := ui.(*auth.AccessToken); ok {
			ad.ClientID = at.ClientID()
			ad.Source = string(at.Source())
		}
		next.ServeHTTP(w, r.WithContext(logctx.WithAuthData(ctx, ad)))
	})
}

type userInfoKey struct{}

// UserInfoFromContext returns the identity stored by Wrap.
func UserInfoFromContext(ctx context.Context) (auth.UserInfo, bool) {
	ui, ok := ctx.Value(userInfoKey{}).(auth.UserInfo)
	return ui, ok
}

// AccessTokenFromContext returns the identity stored by Wrap when it is an
// *auth.AccessToken.
func AccessTokenFromContext(ctx context.Context) (*auth.AccessToken, bool) {
	at, ok := ctx.Value(userInfoKey{}).(*auth.AccessToken)
	return at, ok
}

func (m *Middleware) resourceMetadata() string {
	if m.prmURL == nil {
		return ""
	}
	return m.prmURL.String()
}

func (m *Middleware) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: If the request lacks any authentication information the
		// resource server SHOULD NOT include an error code.
		m.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(m.realm, m.resourceMetadata(), nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		m.challenge(ctx, w, http.StatusBadRequest, "invalid_request", "malformed bearer authorization header")
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		m.challenge(ctx, w, http.StatusBadRequest, "invalid_request", "empty bearer token")
		return nil
	}

	vctx, cancel := context.WithTimeout(ctx, m.verifyTimeout)
	defer cancel()
	userInfo, err := m.authn.CheckAuthentication(vctx, tok)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			m.challenge(ctx, w, http.StatusUnauthorized, "invalid_token", describe(err))
		case errors.Is(err, auth.ErrInsufficientScope):
			m.challenge(ctx, w, http.StatusForbidden, "insufficient_scope", "token lacks a required scope")
		default:
			m.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "authentication failed")
		}
		return nil
	}
	if userInfo == nil {
		m.log.ErrorContext(ctx, "auth.check.err", slog.String("err", "authenticator returned no identity"))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "authentication failed")
		return nil
	}
	return userInfo
}

func (m *Middleware) challenge(ctx context.Context, w http.ResponseWriter, status int, code, desc string) {
	m.log.InfoContext(ctx, "auth.check.fail", slog.Int("status", status), slog.String("error", code), slog.String("err", desc))
	w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(m.realm, m.resourceMetadata(), map[string]string{
		"error":             code,
		"error_description": desc,
	}))
	writeJSONError(w, status, code, desc)
}

// describe picks a client-facing description; the joined error carries
// internal detail that is only logged.
func describe(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, auth.ErrInactive):
		return "token is not active"
	case errors.Is(err, auth.ErrIntrospectionUnreachable), errors.Is(err, auth.ErrIntrospectionMalformed):
		return "token could not be verified"
	}
	return "invalid token"
}

func writeJSONError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="..."
//
// Realm and resource_metadata are omitted when empty. Known params come in a
// fixed order; any others follow alphabetically.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	known := []string{"error", "error_description", "scope"}
	for _, k := range known {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	for _, k := range slices.Sorted(maps.Keys(params)) {
		if slices.Contains(known, k) {
			continue
		}
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(params[k])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
