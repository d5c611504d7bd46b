// Package auth verifies bearer credentials presented to a protected resource
// that delegates authorization to an external OAuth 2.0 / OIDC authorization
// server.
//
// Two kinds of credential are accepted. Signed JWT access tokens are verified
// locally against the issuer's published keys. Opaque tokens (personal access
// tokens, service credentials) cannot be verified locally; when an RFC 7662
// introspection endpoint is configured they are checked with the issuer and
// the verdict is cached for a bounded time.
//
// # Verification Flow
//
// Verify runs, in order:
//
//  1. local signature and claim verification; success returns immediately
//  2. with introspection configured, a lookup in the in-memory verdict cache
//  3. a single introspection call, shared between concurrent callers
//     presenting the same token
//
// Active verdicts are cached until the earlier of now+TTL and the token's own
// exp. Inactive verdicts and failed calls are never cached. The cache is keyed
// by the SHA-256 digest of the token; raw tokens are never stored or logged.
//
// Example:
//
//	ctx := context.Background()
//	v, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://mcp.example/api",
//	    auth.WithIntrospectionDiscovery(),
//	    auth.WithClientCredentials(clientID, clientSecret),
//	    auth.WithRequiredScopes("mcp:read"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	at, err := v.Verify(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 */ }
//	if errors.Is(err, auth.ErrInsufficientScope) { /* 403 */ }
//	log.Println(at.ClientID(), at.Source())
//
// # Scopes
//
// WithRequiredScopes enforces that all provided scopes were granted;
// WithAnyRequiredScope relaxes this so at least one matches. The policy
// applies to locally verified and introspected tokens alike.
//
// Algorithms & Clock Skew
//
// By default only RS256 is accepted. Use WithAllowedAlgs to broaden the set.
// WithLeeway adds tolerance for clock skew when validating exp/iat/nbf.
//
// # Errors
//
// Every rejection matches ErrUnauthorized. The joined cause tells why:
// ErrNotAJWT, ErrTokenExpired, ErrInvalidSignature and friends for the local
// step; ErrInactive, ErrIntrospectionUnreachable or ErrIntrospectionMalformed
// for introspection. ErrInsufficientScope signals successful authentication
// but missing required scope(s).
package auth
