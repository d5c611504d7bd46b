// Package introspect implements an OAuth 2.0 Token Introspection (RFC 7662)
// client used to validate opaque reference tokens.
package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single introspection round trip.
const DefaultTimeout = 10 * time.Second

// UnknownClientID is reported when the response names neither client_id nor azp.
const UnknownClientID = "unknown"

const maxResponseBytes = 1 << 20

var (
	// ErrInactive means the authority answered and the token is not active.
	ErrInactive = errors.New("introspect: token inactive")
	// ErrUnreachable covers transport failures, timeouts and non-200 replies.
	ErrUnreachable = errors.New("introspect: endpoint unreachable")
	// ErrMalformed means a 200 reply could not be decoded.
	ErrMalformed = errors.New("introspect: malformed response")
)

// Config describes how to reach the introspection endpoint.
type Config struct {
	Endpoint string
	// ClientID and ClientSecret authenticate this resource server to the
	// authority with HTTP Basic. Both must be set for Basic auth to be sent.
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	// HTTPClient defaults to a client with no timeout of its own; Timeout is
	// applied per request through the context.
	HTTPClient *http.Client
}

// Result is the active verdict for a token.
type Result struct {
	ClientID  string
	Subject   string
	Scopes    []string
	ExpiresAt time.Time
	// Claims is the entire decoded response body.
	Claims map[string]any
}

// Client is safe for concurrent use.
type Client struct {
	endpoint     string
	clientID     string
	clientSecret string
	timeout      time.Duration
	hc           *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("introspect: endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("introspect: invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("introspect: endpoint must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	c := &Client{
		endpoint:     u.String(),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		timeout:      cfg.Timeout,
		hc:           cfg.HTTPClient,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	return c, nil
}

// Endpoint returns the configured endpoint URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Introspect asks the authority about tok. It makes exactly one attempt.
func (c *Client) Introspect(ctx context.Context, tok string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("token", tok)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.clientID != "" && c.clientSecret != "" {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		// url.Error embeds the request URL, never the form body.
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims == nil {
		return nil, fmt.Errorf("%w: response is not a JSON object", ErrMalformed)
	}
	return fromClaims(claims)
}

func fromClaims(claims map[string]any) (*Result, error) {
	if active, _ := claims["active"].(bool); !active {
		return nil, ErrInactive
	}

	res := &Result{
		ClientID: UnknownClientID,
		Scopes:   ParseScopes(claims["scope"]),
		Claims:   claims,
	}
	if v, _ := claims["client_id"].(string); v != "" {
		res.ClientID = v
	} else if v, _ := claims["azp"].(string); v != "" {
		res.ClientID = v
	}
	res.Subject, _ = claims["sub"].(string)
	if exp, ok := NumericDate(claims["exp"]); ok {
		res.ExpiresAt = exp
	}
	return res, nil
}

// ParseScopes accepts a space-delimited string or a JSON array of strings.
// Anything else yields an empty, non-nil slice.
func ParseScopes(v any) []string {
	switch s := v.(type) {
	case string:
		return strings.Fields(s)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return append([]string{}, s...)
	}
	return []string{}
}

// maxNumericDate is the largest magnitude a float64 holds exactly. Values
// beyond it (or non-finite) are treated as absent.
const maxNumericDate = 1 << 53

// NumericDate converts a JSON number of seconds since the epoch.
func NumericDate(v any) (time.Time, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || n > maxNumericDate || n < -maxNumericDate {
			return time.Time{}, false
		}
		sec := int64(n)
		nsec := int64((n - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return NumericDate(f)
	case int64:
		return NumericDate(float64(n))
	case int:
		return NumericDate(float64(n))
	}
	return time.Time{}, false
}
