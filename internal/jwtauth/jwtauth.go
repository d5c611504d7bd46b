package jwtauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for self-contained access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences contains the primary audience (index 0) followed by any
	// additional accepted audiences. A token is accepted when its aud claim
	// intersects this set.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
	// RequireATJWT enforces the RFC 9068 "at+jwt" typ header. Off by default:
	// many authorities issue plain JWT access tokens.
	RequireATJWT bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

func (c *Config) normalize() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	for _, a := range c.ExpectedAudiences {
		if a == "" {
			return errors.New("empty audience entry")
		}
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if slices.Contains(c.AllowedAlgs, "none") {
		return errors.New(`alg "none" is never allowed`)
	}
	return nil
}

// ErrUnauthorized indicates that a structurally valid token failed
// validation. Every specific claim or signature error below wraps it.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

var (
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	ErrExpired          = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrIssuerMismatch   = fmt.Errorf("%w: issuer mismatch", ErrUnauthorized)
	ErrAudienceMismatch = fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	ErrMissingSubject   = fmt.Errorf("%w: missing sub", ErrUnauthorized)
	ErrInvalidClaims    = fmt.Errorf("%w: invalid claims", ErrUnauthorized)
)

// ErrNotAJWT means the credential is not a JWS compact serialization at all.
// It is the expected outcome for opaque tokens and is not a validation
// failure of a signed token.
var ErrNotAJWT = errors.New("jwtauth: not a jwt")

// Token is a verified self-contained access token.
type Token struct {
	Subject   string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
	Claims    map[string]any
}

// Verifier checks signature, issuer, audience and time claims of signed
// tokens against a key set. It is safe for concurrent use.
type Verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	meta    Metadata
}

// NewWithKeyfunc builds a Verifier around an arbitrary key source. The
// allowed-algorithm policy in cfg is enforced before kf is consulted.
func NewWithKeyfunc(cfg *Config, kf jwt.Keyfunc) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if kf == nil {
		return nil, errors.New("keyfunc is required")
	}
	cc := *cfg
	cc.ExpectedAudiences = append([]string(nil), cfg.ExpectedAudiences...)
	cc.AllowedAlgs = append([]string(nil), cfg.AllowedAlgs...)
	if err := cc.normalize(); err != nil {
		return nil, err
	}
	return &Verifier{cfg: cc, keyfunc: restrictAlgs(cc.AllowedAlgs, kf), meta: Metadata{Issuer: cc.Issuer}}, nil
}

func restrictAlgs(allowed []string, kf jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		if !slices.Contains(allowed, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf(t)
	}
}

// Metadata returns what is known about the issuer. For discovery-built
// verifiers it includes advertised endpoints.
func (v *Verifier) Metadata() Metadata { return v.meta.copy() }

// Verify validates tok. A credential that is not shaped like a JWS fails with
// ErrNotAJWT before any key lookup happens.
func (v *Verifier) Verify(ctx context.Context, tok string) (*Token, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrNotAJWT)
	}
	if !looksLikeJWS(tok) {
		return nil, ErrNotAJWT
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, classify(err)
	}

	if v.cfg.RequireATJWT {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrInvalidClaims)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidClaims)
	}
	if !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, ErrAudienceMismatch
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(v.cfg.Leeway).Add(5 * time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrInvalidClaims)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrMissingSubject
	}

	out := &Token{
		Subject: sub,
		Scopes:  scopesFromClaims(claims),
		Claims:  map[string]any(claims),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	switch {
	case stringClaim(claims, "client_id") != "":
		out.ClientID = stringClaim(claims, "client_id")
	case stringClaim(claims, "azp") != "":
		out.ClientID = stringClaim(claims, "azp")
	default:
		out.ClientID = sub
	}
	return out, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrNotAJWT, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	}
	return fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
}

// looksLikeJWS reports whether tok has three base64url segments and a header
// that decodes to a JSON object naming an algorithm.
func looksLikeJWS(tok string) bool {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return false
	}
	hdr, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var h struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(hdr, &h); err != nil {
		return false
	}
	return h.Alg != ""
}

func stringClaim(c jwt.MapClaims, name string) string {
	s, _ := c[name].(string)
	return s
}

func scopesFromClaims(c jwt.MapClaims) []string {
	for _, name := range []string{"scope", "scp"} {
		switch v := c[name].(type) {
		case string:
			return strings.Fields(v)
		case []any:
			out := make([]string, 0, len(v))
			for _, e := range v {
				if s, ok := e.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return []string{}
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
