// Package api assembles the HTTP surface of the SOAR server: component
// routes, health, Prometheus exposition and the middleware stack.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"boundary-soar/internal/config"
	"boundary-soar/internal/middleware"
	"boundary-soar/internal/response"
)

// Registrar is implemented by every component HTTP handler.
type Registrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Options configures NewMux.
type Options struct {
	Routes  []Registrar
	Checks  map[string]Check
	Version string

	// Gatherer is exposed on MetricsPath. Nil disables the endpoint.
	Gatherer    prometheus.Gatherer
	MetricsPath string

	CheckTimeout time.Duration
}

// NewMux builds the router.
func NewMux(opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	for _, r := range opts.Routes {
		r.RegisterRoutes(mux)
	}

	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}
	mux.Handle("GET /health", &health{
		checks:  opts.Checks,
		version: opts.Version,
		timeout: opts.CheckTimeout,
		started: time.Now(),
	})

	if opts.Gatherer != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

type health struct {
	checks  map[string]Check
	version string
	timeout time.Duration
	started time.Time
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func (h *health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := healthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	}
	status := http.StatusOK

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(names))
		}
		if err := h.checks[name](ctx); err != nil {
			slog.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}

// Stack is the middleware stack wrapped around the router.
type Stack struct {
	Handler http.Handler
	limiter *middleware.RateLimiter
}

// Close stops background work owned by the stack.
func (s *Stack) Close() {
	s.limiter.Stop()
}

// Wrap applies, outermost first: panic recovery, request logging, security
// headers, rate limiting, enforcement and authentication. The enforcement
// state also supplies per-IP rate limit overrides.
func Wrap(h http.Handler, cfg *config.Config, enf *response.Enforcement, resolver response.CountryResolver, verify middleware.CaptchaVerifier) (*Stack, error) {
	auth, err := middleware.NewAuth(cfg.Auth)
	if err != nil {
		return nil, err
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit, enf)
	if cfg.RateLimit.Enabled {
		limiter.StartCleanup()
	}

	enforcement := middleware.NewEnforcement(cfg.Enforcement, enf, resolver, verify)

	return &Stack{
		Handler: middleware.Chain(h,
			middleware.Recovery,
			middleware.Logging,
			middleware.SecurityHeaders(cfg.SecurityHeaders),
			limiter.Middleware,
			enforcement.Middleware,
			auth.Middleware,
		),
		limiter: limiter,
	}, nil
}
