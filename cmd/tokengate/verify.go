package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ggoodman/mcp-tokengate/auth"
	"github.com/spf13/cobra"
)

type verifyResult struct {
	Valid     bool       `json:"valid"`
	Source    string     `json:"source,omitempty"`
	ClientID  string     `json:"client_id,omitempty"`
	Subject   string     `json:"subject,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func newVerifyCmd(root *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify one bearer token and print the resulting identity",
		Long: `verify checks a single token the same way the proxy does and prints the
identity as JSON. The token is read from --token or, when omitted, from the
first line of standard input. It is never echoed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if token == "" {
				token, err = readToken(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}

			log := root.logger(cfg, cmd.ErrOrStderr())
			v, err := buildVerifier(cmd.Context(), cfg, log, nil)
			if err != nil {
				return fmt.Errorf("verifier: %w", err)
			}

			at, verr := v.Verify(cmd.Context(), token)
			res := describeResult(at, verr)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if verr != nil {
				return errors.New("token rejected")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token to verify (default: read from stdin)")
	return cmd
}

func readToken(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64<<10)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return "", errors.New("no token given")
	}
	tok := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(sc.Text()), "Bearer "))
	if tok == "" {
		return "", errors.New("no token given")
	}
	return tok, nil
}

func describeResult(at *auth.AccessToken, err error) verifyResult {
	if err != nil {
		reason := "rejected"
		switch {
		case errors.Is(err, auth.ErrInsufficientScope):
			reason = "insufficient_scope"
		case errors.Is(err, auth.ErrTokenExpired):
			reason = "expired"
		case errors.Is(err, auth.ErrInactive):
			reason = "inactive"
		case errors.Is(err, auth.ErrIntrospectionUnreachable):
			reason = "introspection_unreachable"
		case errors.Is(err, auth.ErrIntrospectionMalformed):
			reason = "introspection_malformed"
		case errors.Is(err, auth.ErrNotAJWT):
			reason = "not_a_jwt"
		case errors.Is(err, auth.ErrInvalidSignature):
			reason = "invalid_signature"
		case errors.Is(err, auth.ErrIssuerMismatch):
			reason = "issuer_mismatch"
		case errors.Is(err, auth.ErrAudienceMismatch):
			reason = "audience_mismatch"
		}
		return verifyResult{Reason: reason}
	}
	res := verifyResult{
		Valid:    true,
		Source:   string(at.Source()),
		ClientID: at.ClientID(),
		Subject:  at.Subject(),
		Scopes:   at.Scopes(),
	}
	if exp := at.ExpiresAt(); !exp.IsZero() {
		res.ExpiresAt = &exp
	}
	return res
}
