package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv       *httptest.Server
	issuer    string
	jwksPath  string
	metaExtra map[string]any
	jwksHits  atomic.Int32
}

func newMockOIDC(t *testing.T, keysJSON []byte, metaExtra map[string]any) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys", metaExtra: metaExtra}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		for k, v := range m.metaExtra {
			meta[k] = v
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		m.jwksHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	return m
}

func (m *mockOIDC) Close() { m.srv.Close() }

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	return cfg
}

const testAudience = "https://api.example.com/mcp"

func newStaticVerifier(t *testing.T) (*Verifier, *mockOIDC, *rsa.PrivateKey, string) {
	t.Helper()
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	t.Cleanup(oidc.Close)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewStatic(ctx, baseConfig(oidc.issuer, testAudience), oidc.issuer+oidc.jwksPath)
	if err != nil {
		t.Fatalf("new static: %v", err)
	}
	return v, oidc, pk, kid
}

func validClaims(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   testAudience,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "mcp:read mcp:write",
	}
}

func TestVerifier_HappyPath(t *testing.T) {
	v, oidc, pk, kid := newStaticVerifier(t)

	claims := validClaims(oidc.issuer)
	claims["tenant"] = "acme"
	tok := signToken(t, pk, kid, "", claims)

	got, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Subject != "user-123" || got.ClientID != "user-123" {
		t.Fatalf("want sub/client user-123, got %+v", got)
	}
	if want := []string{"mcp:read", "mcp:write"}; !reflect.DeepEqual(got.Scopes, want) {
		t.Fatalf("scopes = %v, want %v", got.Scopes, want)
	}
	if got.ExpiresAt.Unix() != claims["exp"].(int64) {
		t.Fatalf("expiresAt = %v, want %v", got.ExpiresAt.Unix(), claims["exp"])
	}
	if got.Claims["tenant"] != "acme" {
		t.Fatalf("custom claim lost: %v", got.Claims)
	}
}

func TestVerifier_ClientIDFromClaims(t *testing.T) {
	v, oidc, pk, kid := newStaticVerifier(t)

	claims := validClaims(oidc.issuer)
	claims["azp"] = "cli-app"
	got, err := v.Verify(context.Background(), signToken(t, pk, kid, "", claims))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ClientID != "cli-app" {
		t.Fatalf("want azp client id, got %q", got.ClientID)
	}

	claims["client_id"] = "explicit"
	got, err = v.Verify(context.Background(), signToken(t, pk, kid, "", claims))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ClientID != "explicit" {
		t.Fatalf("want client_id to win, got %q", got.ClientID)
	}
}

func TestVerifier_ScpArray(t *testing.T) {
	v, oidc, pk, kid := newStaticVerifier(t)
	claims := validClaims(oidc.issuer)
	delete(claims, "scope")
	claims["scp"] = []string{"a", "b"}
	got, err := v.Verify(context.Background(), signToken(t, pk, kid, "", claims))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(got.Scopes, want) {
		t.Fatalf("scopes = %v, want %v", got.Scopes, want)
	}
}

func TestVerifier_NotAJWT(t *testing.T) {
	v, oidc, _, _ := newStaticVerifier(t)
	before := oidc.jwksHits.Load()

	for _, tok := range []string{
		"pat_0123456789abcdef",
		"a.b",
		"a.b.c",
		"eyJub3QiOiJhbGcifQ.e30.sig", // header without alg
		"",
	} {
		_, err := v.Verify(context.Background(), tok)
		if !errors.Is(err, ErrNotAJWT) {
			t.Fatalf("%q: want ErrNotAJWT, got %v", tok, err)
		}
		if errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%q: structural failure must not look like a claim failure", tok)
		}
	}
	if after := oidc.jwksHits.Load(); after != before {
		t.Fatalf("opaque tokens triggered %d key set fetches", after-before)
	}
}

func TestVerifier_ClaimFailures(t *testing.T) {
	v, oidc, pk, kid := newStaticVerifier(t)
	otherKey, _, _ := genRSA(t)

	tests := []struct {
		name string
		tok  func() string
		want error
	}{
		{
			name: "expired",
			tok: func() string {
				c := validClaims(oidc.issuer)
				c["exp"] = time.Now().Add(-time.Minute).Unix()
				return signToken(t, pk, kid, "", c)
			},
			want: ErrExpired,
		},
		{
			name: "missing exp",
			tok: func() string {
				c := validClaims(oidc.issuer)
				delete(c, "exp")
				return signToken(t, pk, kid, "", c)
			},
			want: ErrInvalidClaims,
		},
		{
			name: "issuer mismatch",
			tok: func() string {
				c := validClaims(oidc.issuer)
				c["iss"] = "https://evil.example.com"
				return signToken(t, pk, kid, "", c)
			},
			want: ErrIssuerMismatch,
		},
		{
			name: "audience mismatch",
			tok: func() string {
				c := validClaims(oidc.issuer)
				c["aud"] = "https://unknown"
				return signToken(t, pk, kid, "", c)
			},
			want: ErrAudienceMismatch,
		},
		{
			name: "wrong key",
			tok:  func() string { return signToken(t, otherKey, kid, "", validClaims(oidc.issuer)) },
			want: ErrInvalidSignature,
		},
		{
			name: "disallowed alg",
			tok: func() string {
				tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(oidc.issuer))
				tok.Header["kid"] = kid
				s, err := tok.SignedString([]byte("shared-secret"))
				if err != nil {
					t.Fatalf("sign: %v", err)
				}
				return s
			},
			want: ErrInvalidSignature,
		},
		{
			name: "missing sub",
			tok: func() string {
				c := validClaims(oidc.issuer)
				delete(c, "sub")
				return signToken(t, pk, kid, "", c)
			},
			want: ErrMissingSubject,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.tok())
			if !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("claim failures must wrap ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestVerifier_AudienceArray(t *testing.T) {
	v, oidc, pk, kid := newStaticVerifier(t)
	c := validClaims(oidc.issuer)
	c["aud"] = []string{"https://other", testAudience}
	if _, err := v.Verify(context.Background(), signToken(t, pk, kid, "", c)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifier_RequireATJWT(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	cfg := baseConfig(oidc.issuer, testAudience)
	cfg.RequireATJWT = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewStatic(ctx, cfg, oidc.issuer+oidc.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := v.Verify(ctx, signToken(t, pk, kid, "JWT", validClaims(oidc.issuer))); !errors.Is(err, ErrInvalidClaims) {
		t.Fatalf("want ErrInvalidClaims for typ JWT, got %v", err)
	}
	if _, err := v.Verify(ctx, signToken(t, pk, kid, "at+jwt", validClaims(oidc.issuer))); err != nil {
		t.Fatalf("at+jwt rejected: %v", err)
	}
}

func TestNewFromDiscovery_IntrospectionMetadata(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()
	oidc.metaExtra = map[string]any{
		"introspection_endpoint":                        oidc.issuer + "/oauth2/introspect",
		"introspection_endpoint_auth_methods_supported": []string{"client_secret_basic"},
		"scopes_supported":                              []string{"openid", "mcp:read"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, testAudience))
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}

	meta := v.Metadata()
	if meta.IntrospectionEndpoint != oidc.issuer+"/oauth2/introspect" {
		t.Fatalf("introspection endpoint = %q", meta.IntrospectionEndpoint)
	}
	if meta.JWKSURI != oidc.issuer+"/keys" {
		t.Fatalf("jwks uri = %q", meta.JWKSURI)
	}
	if !reflect.DeepEqual(meta.ScopesSupported, []string{"openid", "mcp:read"}) {
		t.Fatalf("scopes supported = %v", meta.ScopesSupported)
	}

	if _, err := v.Verify(ctx, signToken(t, pk, kid, "", validClaims(oidc.issuer))); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestNewFromDiscovery_MissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, map[string]any{"jwks_uri": ""})
	defer oidc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, "aud")); err == nil {
		t.Fatalf("expected error due to missing jwks_uri")
	}
}

func TestNewWithKeyfunc_Validation(t *testing.T) {
	kf := func(*jwt.Token) (any, error) { return nil, errors.New("unused") }
	tests := []struct {
		name string
		cfg  *Config
	}{
		{name: "nil config", cfg: nil},
		{name: "no issuer", cfg: &Config{ExpectedAudiences: []string{"a"}}},
		{name: "no audience", cfg: &Config{Issuer: "i"}},
		{name: "empty audience", cfg: &Config{Issuer: "i", ExpectedAudiences: []string{""}}},
		{name: "alg none", cfg: &Config{Issuer: "i", ExpectedAudiences: []string{"a"}, AllowedAlgs: []string{"none"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWithKeyfunc(tt.cfg, kf); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
