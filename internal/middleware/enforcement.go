package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"boundary-soar/internal/metrics"
	"boundary-soar/internal/response"
)

// Enforcer is the enforcement state consulted per request.
// *response.Enforcement implements it.
type Enforcer interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
	IsLocked(ctx context.Context, user string) (bool, error)
	CaptchaRequired(ip string) bool
	ClearCaptcha(ip string)
	CountryBlocked(code string) bool
	User(user string) response.UserFlags
}

// EnforcementConfig configures the enforcement middleware.
type EnforcementConfig struct {
	Enabled    bool `yaml:"enabled"`
	TrustProxy bool `yaml:"trust_proxy"`
	// UserHeader carries the authenticated user id set by the fronting
	// gateway.
	UserHeader        string   `yaml:"user_header"`
	SessionIssuedAt   string   `yaml:"session_issued_header"`
	MFAVerifiedHeader string   `yaml:"mfa_verified_header"`
	APIKeyHeader      string   `yaml:"api_key_header"`
	ExemptPaths       []string `yaml:"exempt_paths"`
}

// DefaultEnforcementConfig returns the default configuration.
func DefaultEnforcementConfig() EnforcementConfig {
	return EnforcementConfig{
		Enabled:           true,
		UserHeader:        "X-User-ID",
		SessionIssuedAt:   "X-Session-Issued-At",
		MFAVerifiedHeader: "X-MFA-Verified",
		APIKeyHeader:      "X-API-Key",
		ExemptPaths:       []string{"/health", "/metrics"},
	}
}

// CaptchaVerifier reports whether the request carries a solved challenge.
type CaptchaVerifier func(r *http.Request) bool

// Enforcement refuses requests from blocked addresses, blocked countries,
// locked accounts and restricted users.
type Enforcement struct {
	cfg      EnforcementConfig
	enforcer Enforcer
	resolver response.CountryResolver
	verify   CaptchaVerifier
	exempt   map[string]bool
}

// NewEnforcement creates the middleware. resolver and verify may be nil.
func NewEnforcement(cfg EnforcementConfig, enforcer Enforcer, resolver response.CountryResolver, verify CaptchaVerifier) *Enforcement {
	return &Enforcement{
		cfg:      cfg,
		enforcer: enforcer,
		resolver: resolver,
		verify:   verify,
		exempt:   pathSet(cfg.ExemptPaths),
	}
}

type denial struct {
	status int
	code   string
	msg    string
}

// Middleware applies the checks to every non-exempt path.
func (e *Enforcement) Middleware(next http.Handler) http.Handler {
	if !e.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if e.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if d := e.check(r); d != nil {
			metrics.IncDenied(d.code)
			slog.Warn("request denied by enforcement",
				"code", d.code,
				"ip", ClientIP(r, e.cfg.TrustProxy),
				"path", r.URL.Path,
			)
			writeError(w, d.status, d.code, d.msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (e *Enforcement) check(r *http.Request) *denial {
	ctx := r.Context()
	ip := ClientIP(r, e.cfg.TrustProxy)

	// enforcement store failures fail open
	if blocked, err := e.enforcer.IsBlocked(ctx, ip); err != nil {
		slog.Error("block lookup failed", "error", err)
	} else if blocked {
		return &denial{http.StatusForbidden, "IP_BLOCKED", "address is blocked"}
	}

	if e.resolver != nil {
		if code, err := e.resolver.Country(ip); err == nil && code != "" && e.enforcer.CountryBlocked(code) {
			return &denial{http.StatusForbidden, "COUNTRY_BLOCKED", "requests from this region are blocked"}
		}
	}

	if e.enforcer.CaptchaRequired(ip) {
		if e.verify == nil || !e.verify(r) {
			return &denial{http.StatusPreconditionRequired, "CAPTCHA_REQUIRED", "challenge required"}
		}
		e.enforcer.ClearCaptcha(ip)
	}

	user := r.Header.Get(e.cfg.UserHeader)
	if user == "" {
		return nil
	}
	if locked, err := e.enforcer.IsLocked(ctx, user); err != nil {
		slog.Error("lock lookup failed", "error", err)
	} else if locked {
		return &denial{http.StatusLocked, "ACCOUNT_LOCKED", "account is locked"}
	}

	flags := e.enforcer.User(user)
	if flags.SessionsInvalidatedAt != nil {
		issued, err := time.Parse(time.RFC3339, r.Header.Get(e.cfg.SessionIssuedAt))
		if err != nil || !issued.After(*flags.SessionsInvalidatedAt) {
			return &denial{http.StatusUnauthorized, "SESSION_REVOKED", "session has been revoked"}
		}
	}
	if flags.APIKeysDisabled && r.Header.Get(e.cfg.APIKeyHeader) != "" {
		return &denial{http.StatusForbidden, "API_KEY_DISABLED", "api keys are disabled for this user"}
	}
	if flags.RequireMFA && r.Header.Get(e.cfg.MFAVerifiedHeader) != "true" {
		return &denial{http.StatusUnauthorized, "MFA_REQUIRED", "multi-factor authentication required"}
	}
	if flags.AccessLevel == response.AccessLimited && r.Method != http.MethodGet && r.Method != http.MethodHead {
		return &denial{http.StatusForbidden, "ACCESS_LIMITED", "account access is limited to reads"}
	}
	return nil
}
