package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/ggoodman/mcp-tokengate/internal/config"
	"github.com/ggoodman/mcp-tokengate/internal/logctx"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "tokengate",
		Short: "Bearer token gate for MCP resource servers",
		Long: `tokengate verifies bearer tokens in front of an MCP resource server.

Signed JWT access tokens are verified locally against the issuer's JWKS.
Opaque tokens are checked with the issuer's RFC 7662 introspection endpoint
when one is configured, and active verdicts are cached in memory.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file; environment variables take precedence")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides TOKENGATE_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "log format (json or text)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newVerifyCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

func (o *rootOptions) logger(cfg *config.Config, w io.Writer) *slog.Logger {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewJSONHandler(w, hopts)
	if o.logFormat == "text" {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(logctx.Handler{Handler: h})
}
