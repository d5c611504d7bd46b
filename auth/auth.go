package auth

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-tokengate/internal/introspect"
	"github.com/ggoodman/mcp-tokengate/internal/jwtauth"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// Diagnostic causes joined to ErrUnauthorized. They are exported so custom
// LocalVerifier and Introspector implementations can report the same kinds.
var (
	// ErrNotAJWT means the credential is not a signed token at all. It is the
	// expected trigger for introspection fallback.
	ErrNotAJWT          = jwtauth.ErrNotAJWT
	ErrInvalidSignature = jwtauth.ErrInvalidSignature
	ErrTokenExpired     = jwtauth.ErrExpired
	ErrIssuerMismatch   = jwtauth.ErrIssuerMismatch
	ErrAudienceMismatch = jwtauth.ErrAudienceMismatch

	ErrInactive                 = introspect.ErrInactive
	ErrIntrospectionUnreachable = introspect.ErrUnreachable
	ErrIntrospectionMalformed   = introspect.ErrMalformed
)

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// LocalVerifier validates self-contained signed tokens without contacting
// the issuer. It must fail with an error matching ErrNotAJWT when the
// credential is not a signed token.
type LocalVerifier interface {
	VerifyLocal(ctx context.Context, tok string) (*AccessToken, error)
}

// Introspector asks the issuing authority about an opaque token. Inactive
// tokens must yield an error matching ErrInactive.
type Introspector interface {
	Introspect(ctx context.Context, tok string) (*AccessToken, error)
}

// LocalVerifierFunc adapts a function to LocalVerifier.
type LocalVerifierFunc func(ctx context.Context, tok string) (*AccessToken, error)

func (f LocalVerifierFunc) VerifyLocal(ctx context.Context, tok string) (*AccessToken, error) {
	return f(ctx, tok)
}

// IntrospectorFunc adapts a function to Introspector.
type IntrospectorFunc func(ctx context.Context, tok string) (*AccessToken, error)

func (f IntrospectorFunc) Introspect(ctx context.Context, tok string) (*AccessToken, error) {
	return f(ctx, tok)
}

type jwtLocalVerifier struct{ v *jwtauth.Verifier }

func (j jwtLocalVerifier) VerifyLocal(ctx context.Context, tok string) (*AccessToken, error) {
	t, err := j.v.Verify(ctx, tok)
	if err != nil {
		return nil, err
	}
	return NewAccessToken(TokenInfo{
		ClientID:  t.ClientID,
		Subject:   t.Subject,
		Scopes:    t.Scopes,
		ExpiresAt: t.ExpiresAt,
		Claims:    t.Claims,
		Source:    SourceLocal,
	}), nil
}

type introspectionClient struct{ c *introspect.Client }

func (i introspectionClient) Introspect(ctx context.Context, tok string) (*AccessToken, error) {
	r, err := i.c.Introspect(ctx, tok)
	if err != nil {
		return nil, err
	}
	return NewAccessToken(TokenInfo{
		ClientID:  r.ClientID,
		Subject:   r.Subject,
		Scopes:    r.Scopes,
		ExpiresAt: r.ExpiresAt,
		Claims:    r.Claims,
		Source:    SourceIntrospection,
	}), nil
}
