package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-tokengate/auth/authtest"
	jose "github.com/go-jose/go-jose/v4"
)

// newJWKSServer publishes a throwaway RSA key so the manual verifier path can
// start; the tests only present opaque tokens.
func newJWKSServer(t *testing.T) string {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	body, err := json.Marshal(struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/keys"
}

func runVerify(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"verify"}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func setVerifyEnv(t *testing.T, introspection string) {
	t.Helper()
	t.Setenv("OIDC_ISSUER", "https://issuer.example.com")
	t.Setenv("OIDC_AUDIENCE", "https://mcp.example.com/api")
	t.Setenv("OIDC_JWKS_URL", newJWKSServer(t))
	t.Setenv("INTROSPECTION_ENDPOINT", introspection)
	t.Setenv("TOKENGATE_LOG_LEVEL", "debug")
}

func TestVerifyCmd_OpaqueToken(t *testing.T) {
	stub := authtest.NewIntrospectionServer(t)
	stub.SetActive("pat_cli_123", map[string]any{"client_id": "cli", "sub": "alice", "scope": "mcp:read"})
	setVerifyEnv(t, stub.Endpoint())

	out, logs, err := runVerify(t, "pat_cli_123\n")
	if err != nil {
		t.Fatalf("verify: %v (logs %s)", err, logs)
	}
	var res verifyResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !res.Valid || res.ClientID != "cli" || res.Subject != "alice" || res.Source != "introspection" {
		t.Fatalf("result = %+v", res)
	}
	if strings.Contains(out, "pat_cli_123") || strings.Contains(logs, "pat_cli_123") {
		t.Fatalf("token echoed:\nout=%s\nlogs=%s", out, logs)
	}
}

func TestVerifyCmd_Rejected(t *testing.T) {
	stub := authtest.NewIntrospectionServer(t)
	setVerifyEnv(t, stub.Endpoint())

	out, _, err := runVerify(t, "", "--token", "pat_revoked")
	if err == nil {
		t.Fatalf("expected non-nil error for rejected token")
	}
	var res verifyResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Valid || res.Reason != "inactive" {
		t.Fatalf("result = %+v", res)
	}
}

func TestVerifyCmd_NoToken(t *testing.T) {
	stub := authtest.NewIntrospectionServer(t)
	setVerifyEnv(t, stub.Endpoint())

	if _, _, err := runVerify(t, "   \n"); err == nil {
		t.Fatalf("expected error when no token is given")
	}
}

func TestReadToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc\n", "abc"},
		{"  Bearer abc  \nignored", "abc"},
	}
	for _, tt := range tests {
		got, err := readToken(strings.NewReader(tt.in))
		if err != nil || got != tt.want {
			t.Errorf("readToken(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
