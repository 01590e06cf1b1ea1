package middleware

import (
	"fmt"
	"net/http"
)

// SecurityHeadersConfig holds the response headers set on every API reply.
type SecurityHeadersConfig struct {
	Enabled               bool              `yaml:"enabled"`
	HSTSMaxAge            int               `yaml:"hsts_max_age"`
	HSTSIncludeSubdomains bool              `yaml:"hsts_include_subdomains"`
	ContentSecurityPolicy string            `yaml:"content_security_policy"`
	FrameOptions          string            `yaml:"frame_options"`
	ReferrerPolicy        string            `yaml:"referrer_policy"`
	NoStore               bool              `yaml:"no_store"`
	Custom                map[string]string `yaml:"custom"`
}

// DefaultSecurityHeadersConfig returns headers suited to a JSON API.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		Enabled:               true,
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		FrameOptions:          "DENY",
		ReferrerPolicy:        "no-referrer",
		NoStore:               true,
	}
}

// SecurityHeaders returns middleware setting the configured headers.
func SecurityHeaders(cfg SecurityHeadersConfig) Middleware {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	headers := map[string]string{"X-Content-Type-Options": "nosniff"}
	if cfg.HSTSMaxAge > 0 {
		hsts := fmt.Sprintf("max-age=%d", cfg.HSTSMaxAge)
		if cfg.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
		headers["Strict-Transport-Security"] = hsts
	}
	if cfg.ContentSecurityPolicy != "" {
		headers["Content-Security-Policy"] = cfg.ContentSecurityPolicy
	}
	if cfg.FrameOptions != "" {
		headers["X-Frame-Options"] = cfg.FrameOptions
	}
	if cfg.ReferrerPolicy != "" {
		headers["Referrer-Policy"] = cfg.ReferrerPolicy
	}
	if cfg.NoStore {
		headers["Cache-Control"] = "no-store"
	}
	for k, v := range cfg.Custom {
		headers[k] = v
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}
