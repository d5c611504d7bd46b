package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-tokengate/auth"
	"github.com/ggoodman/mcp-tokengate/bearer"
	"github.com/ggoodman/mcp-tokengate/internal/logctx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Identity headers set on proxied requests. Client-supplied copies of any
// X-Auth-* header are removed first.
const (
	authHeaderPrefix = "X-Auth-"
	clientIDHeader   = "X-Auth-Client-Id"
	subjectHeader    = "X-Auth-Subject"
	scopesHeader     = "X-Auth-Scopes"
	tenantHeader     = "X-Auth-Tenant"
	requestIDHeader  = "X-Request-Id"
)

var (
	jsonMediaType    = contenttype.NewMediaType("application/json")
	whoamiMediaTypes = []contenttype.MediaType{jsonMediaType}
)

type handlerConfig struct {
	PublicURL            *url.URL
	UpstreamURL          string
	ForwardAuthorization bool
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Only safe behind a proxy that overwrites them.
	TrustProxyHeaders bool
	TenantClaim       string
	Middleware        *bearer.Middleware
	Gatherer          prometheus.Gatherer
	Logger            *slog.Logger
}

// newHandler mounts health, metrics and PRM publicly and everything under the
// public URL's path behind bearer authentication.
func newHandler(cfg handlerConfig) (http.Handler, error) {
	if cfg.Middleware == nil {
		return nil, errors.New("bearer middleware is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := ""
	if cfg.PublicURL != nil {
		base = strings.TrimSuffix(cfg.PublicURL.Path, "/")
	}

	r := chi.NewRouter()
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if p := cfg.Middleware.ProtectedResourceMetadataPath(); p != "" {
		prm := cfg.Middleware.ProtectedResourceMetadataHandler()
		r.Method(http.MethodGet, p, prm)
		r.Method(http.MethodOptions, p, prm)
	}

	var proxy http.Handler
	if cfg.UpstreamURL != "" {
		up, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("upstream url: %w", err)
		}
		proxy = newProxy(up, cfg.ForwardAuthorization, cfg.TenantClaim, cfg.Logger)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(cfg.Middleware.Wrap)
		pr.Get(base+"/whoami", whoami(cfg.TenantClaim))
		if proxy != nil {
			if base != "" {
				pr.Handle(base, proxy)
			}
			pr.Handle(base+"/*", proxy)
		}
	})
	return r, nil
}

type whoamiResponse struct {
	UserID    string     `json:"user_id"`
	ClientID  string     `json:"client_id,omitempty"`
	Subject   string     `json:"subject,omitempty"`
	Scopes    []string   `json:"scopes"`
	Tenant    string     `json:"tenant,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Source    string     `json:"source,omitempty"`
}

func whoami(tenantClaim string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := contenttype.GetAcceptableMediaType(r, whoamiMediaTypes); err != nil {
			http.Error(w, "only application/json is available", http.StatusNotAcceptable)
			return
		}
		ui, ok := bearer.UserInfoFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		resp := whoamiResponse{UserID: ui.UserID(), Scopes: []string{}}
		if at, ok := ui.(*auth.AccessToken); ok {
			resp.ClientID = at.ClientID()
			resp.Subject = at.Subject()
			resp.Scopes = at.Scopes()
			resp.Source = string(at.Source())
			if tenantClaim != "" {
				resp.Tenant = at.StringClaim(tenantClaim)
			}
			if exp := at.ExpiresAt(); !exp.IsZero() {
				resp.ExpiresAt = &exp
			}
		}
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func newProxy(upstream *url.URL, forwardAuthorization bool, tenantClaim string, log *slog.Logger) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()

			for name := range pr.Out.Header {
				if strings.HasPrefix(name, authHeaderPrefix) {
					pr.Out.Header.Del(name)
				}
			}
			if !forwardAuthorization {
				pr.Out.Header.Del("Authorization")
			}

			ui, ok := bearer.UserInfoFromContext(pr.In.Context())
			if !ok {
				return
			}
			pr.Out.Header.Set(subjectHeader, ui.UserID())
			if at, ok := ui.(*auth.AccessToken); ok {
				pr.Out.Header.Set(clientIDHeader, at.ClientID())
				if s := at.Subject(); s != "" {
					pr.Out.Header.Set(subjectHeader, s)
				}
				pr.Out.Header.Set(scopesHeader, strings.Join(at.Scopes(), " "))
				if tenantClaim != "" {
					if t := at.StringClaim(tenantClaim); t != "" {
						pr.Out.Header.Set(tenantHeader, t)
					}
				}
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.ErrorContext(r.Context(), "proxy.upstream.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// requestLogger tags each request with an ID and logs its outcome. Request
// headers are never logged.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := uuid.NewString()
			w.Header().Set(requestIDHeader, id)
			ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
				RequestID:  id,
				Method:     r.Method,
				UserAgent:  r.UserAgent(),
				RemoteAddr: r.RemoteAddr,
				Path:       r.URL.Path,
			})
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.InfoContext(ctx, "http.request",
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("dur", time.Since(start)),
			)
		})
	}
}
