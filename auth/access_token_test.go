package auth

import (
	"reflect"
	"testing"
	"time"
)

func TestAccessToken_Immutable(t *testing.T) {
	scopes := []string{"mcp:read"}
	claims := map[string]any{"tenant": "acme"}
	at := NewAccessToken(TokenInfo{ClientID: "cli", Scopes: scopes, Claims: claims})

	scopes[0] = "mutated"
	claims["tenant"] = "mutated"
	got := at.Scopes()
	got[0] = "mutated again"

	if !at.HasScope("mcp:read") {
		t.Fatalf("scopes alias caller slice: %v", at.Scopes())
	}
	if at.StringClaim("tenant") != "acme" {
		t.Fatalf("claims alias caller map: %q", at.StringClaim("tenant"))
	}
}

func TestAccessToken_UserIDFallsBackToClient(t *testing.T) {
	if got := NewAccessToken(TokenInfo{ClientID: "svc"}).UserID(); got != "svc" {
		t.Fatalf("UserID() = %q, want svc", got)
	}
	if got := NewAccessToken(TokenInfo{ClientID: "svc", Subject: "alice"}).UserID(); got != "alice" {
		t.Fatalf("UserID() = %q, want alice", got)
	}
}

func TestAccessToken_Expired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		exp  time.Time
		want bool
	}{
		{name: "no expiry", exp: time.Time{}, want: false},
		{name: "future", exp: now.Add(time.Minute), want: false},
		{name: "now", exp: now, want: true},
		{name: "past", exp: now.Add(-time.Minute), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := NewAccessToken(TokenInfo{ExpiresAt: tt.exp})
			if got := at.Expired(now); got != tt.want {
				t.Fatalf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAccessToken_Claims(t *testing.T) {
	at := NewAccessToken(TokenInfo{Claims: map[string]any{
		"tenant": "acme",
		"groups": []any{"a", "b"},
	}})
	var ref struct {
		Tenant string   `json:"tenant"`
		Groups []string `json:"groups"`
	}
	if err := at.Claims(&ref); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if ref.Tenant != "acme" || !reflect.DeepEqual(ref.Groups, []string{"a", "b"}) {
		t.Fatalf("unexpected claims: %+v", ref)
	}
	if _, ok := at.Claim("missing"); ok {
		t.Fatalf("missing claim reported present")
	}
}
