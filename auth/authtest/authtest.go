// Package authtest provides authenticators and an introspection endpoint stub
// for tests and local development.
package authtest

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/mcp-tokengate/auth"
)

// NoAuth is a test authenticator that accepts any non-empty token.
// Used for testing and development environments where authentication is not required
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a new NoAuth authenticator with the specified user ID
// If userID is empty, it defaults to "test-user"
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

// CheckAuthentication accepts every non-empty token as n.UserID.
func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, auth.ErrUnauthorized
	}
	return auth.NewAccessToken(auth.TokenInfo{
		ClientID: n.UserID,
		Subject:  n.UserID,
		Source:   auth.SourceLocal,
	}), nil
}

// Static accepts exactly the tokens it was built with.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]*auth.AccessToken
}

// NewStatic returns an authenticator that knows the given tokens.
func NewStatic(tokens map[string]auth.TokenInfo) *Static {
	s := &Static{tokens: make(map[string]*auth.AccessToken, len(tokens))}
	for tok, info := range tokens {
		s.tokens[tok] = auth.NewAccessToken(info)
	}
	return s
}

// Add registers tok, replacing any previous identity.
func (s *Static) Add(tok string, info auth.TokenInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok] = auth.NewAccessToken(info)
}

// CheckAuthentication implements auth.Authenticator.
func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	s.mu.RLock()
	at, ok := s.tokens[tok]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Join(auth.ErrUnauthorized, auth.ErrInactive)
	}
	return at, nil
}

// IntrospectionServer is an RFC 7662 endpoint stub. Tokens it does not know
// are reported inactive.
type IntrospectionServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	responses map[string]func() map[string]any
	status    int
	gate      chan struct{}
	lastUser  string
	lastPass  string
	lastBasic bool

	calls atomic.Int32
}

// NewIntrospectionServer starts a stub that is closed when t finishes.
func NewIntrospectionServer(t testing.TB) *IntrospectionServer {
	t.Helper()
	s := &IntrospectionServer{responses: map[string]func() map[string]any{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.srv.Close)
	return s
}

// Endpoint is the introspection URL.
func (s *IntrospectionServer) Endpoint() string { return s.srv.URL + "/introspect" }

// Calls reports how many introspection requests were received.
func (s *IntrospectionServer) Calls() int { return int(s.calls.Load()) }

// SetActive reports tok as active with the given claims.
func (s *IntrospectionServer) SetActive(tok string, claims map[string]any) {
	body := maps.Clone(claims)
	if body == nil {
		body = map[string]any{}
	}
	body["active"] = true
	s.SetResponse(tok, body)
}

// SetResponse answers tok with body verbatim.
func (s *IntrospectionServer) SetResponse(tok string, body map[string]any) {
	s.Handle(tok, func() map[string]any { return body })
}

// Handle answers tok with whatever fn returns at request time.
func (s *IntrospectionServer) Handle(tok string, fn func() map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[tok] = fn
}

// SetStatus makes every response fail with code. Zero restores normal replies.
func (s *IntrospectionServer) SetStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

// Block holds every request until the returned release func is called or the
// client gives up.
func (s *IntrospectionServer) Block(t testing.TB) (release func()) {
	t.Helper()
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	release = func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
	t.Cleanup(release)
	return release
}

// LastBasicAuth returns the HTTP Basic credentials of the latest request.
func (s *IntrospectionServer) LastBasicAuth() (user, pass string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUser, s.lastPass, s.lastBasic
}

func (s *IntrospectionServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/introspect" {
		http.NotFound(w, r)
		return
	}
	s.calls.Add(1)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	user, pass, basic := r.BasicAuth()

	s.mu.Lock()
	s.lastUser, s.lastPass, s.lastBasic = user, pass, basic
	gate := s.gate
	status := s.status
	fn := s.responses[r.PostForm.Get("token")]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	body := map[string]any{"active": false}
	if fn != nil {
		body = fn()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
