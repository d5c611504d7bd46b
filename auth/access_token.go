package auth

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Source records which path accepted a token.
type Source string

const (
	SourceLocal         Source = "local"
	SourceIntrospection Source = "introspection"
)

// TokenInfo carries the fields used to build an AccessToken.
type TokenInfo struct {
	ClientID  string
	Subject   string
	Scopes    []string
	ExpiresAt time.Time
	Claims    map[string]any
	Source    Source
}

// AccessToken is a verified identity. It is immutable once constructed and
// safe to share between goroutines; it never holds the raw credential.
type AccessToken struct {
	clientID  string
	subject   string
	scopes    []string
	expiresAt time.Time
	claims    map[string]any
	source    Source
}

var _ UserInfo = (*AccessToken)(nil)

// NewAccessToken copies info into a new AccessToken.
func NewAccessToken(info TokenInfo) *AccessToken {
	scopes := slices.Clone(info.Scopes)
	if scopes == nil {
		scopes = []string{}
	}
	claims := maps.Clone(info.Claims)
	if claims == nil {
		claims = map[string]any{}
	}
	return &AccessToken{
		clientID:  info.ClientID,
		subject:   info.Subject,
		scopes:    scopes,
		expiresAt: info.ExpiresAt,
		claims:    claims,
		source:    info.Source,
	}
}

// ClientID is the client the token was issued to.
func (t *AccessToken) ClientID() string { return t.clientID }

// Subject is the sub claim, empty when the authority did not report one.
func (t *AccessToken) Subject() string { return t.subject }

// UserID returns the subject, or the client identifier for tokens that carry
// no subject (machine credentials).
func (t *AccessToken) UserID() string {
	if t.subject != "" {
		return t.subject
	}
	return t.clientID
}

// Scopes returns a copy of the granted scopes.
func (t *AccessToken) Scopes() []string { return slices.Clone(t.scopes) }

// HasScope reports whether s was granted.
func (t *AccessToken) HasScope(s string) bool { return slices.Contains(t.scopes, s) }

// ExpiresAt is the credential's own expiry; zero when none was claimed.
func (t *AccessToken) ExpiresAt() time.Time { return t.expiresAt }

// Expired reports whether the credential claims an expiry not after now.
func (t *AccessToken) Expired(now time.Time) bool {
	return !t.expiresAt.IsZero() && !t.expiresAt.After(now)
}

func (t *AccessToken) Source() Source { return t.source }

// Claim returns a single top-level claim.
func (t *AccessToken) Claim(name string) (any, bool) {
	v, ok := t.claims[name]
	return v, ok
}

// StringClaim returns a top-level claim when it is a string.
func (t *AccessToken) StringClaim(name string) string {
	s, _ := t.claims[name].(string)
	return s
}

// Claims unmarshals the full claim set into ref.
func (t *AccessToken) Claims(ref any) error {
	b, err := json.Marshal(t.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
