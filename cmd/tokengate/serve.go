package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ggoodman/mcp-tokengate/bearer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authenticating reverse proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			log := root.logger(cfg, cmd.ErrOrStderr())
			ctx := cmd.Context()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			v, err := buildVerifier(ctx, cfg, log, reg)
			if err != nil {
				return fmt.Errorf("verifier: %w", err)
			}
			publicURL, err := url.Parse(cfg.PublicURL)
			if err != nil {
				return fmt.Errorf("public url: %w", err)
			}
			mw, err := bearer.New(v,
				bearer.WithLogger(log),
				bearer.WithResourceURL(publicURL),
				bearer.WithResourceName("tokengate"),
			)
			if err != nil {
				return err
			}
			h, err := newHandler(handlerConfig{
				PublicURL:            publicURL,
				UpstreamURL:          cfg.UpstreamURL,
				ForwardAuthorization: cfg.ForwardAuthorization,
				TrustProxyHeaders:    cfg.TrustProxyHeaders,
				TenantClaim:          cfg.TenantClaim,
				Middleware:           mw,
				Gatherer:             reg,
				Logger:               log,
			})
			if err != nil {
				return err
			}

			log.InfoContext(ctx, "serve.start",
				slog.String("addr", cfg.ListenAddr),
				slog.String("public_url", cfg.PublicURL),
				slog.Bool("introspection", v.IntrospectionEnabled()),
			)
			return serve(ctx, log, cfg.ListenAddr, h)
		},
	}
}

// serve runs h until ctx ends, then drains in-flight requests.
func serve(ctx context.Context, log *slog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("serve.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
