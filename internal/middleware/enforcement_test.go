package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"boundary-soar/internal/response"
	"boundary-soar/internal/store"
)

func TestEnforcementMiddleware(t *testing.T) {
	ctx := context.Background()
	enf := response.NewEnforcement(store.NewMemory[response.IPBlock](), store.NewMemory[response.AccountLock]())

	if err := enf.BlockIP(ctx, "203.0.113.1", "test", time.Hour); err != nil {
		t.Fatal(err)
	}
	enf.BlockCountry("RU", "test")
	enf.RequireCaptcha("203.0.113.3")
	enf.PutLock(ctx, response.AccountLock{UserID: "locked", Active: true})
	revokedAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	enf.UpdateUser("revoked", func(f *response.UserFlags) { f.SessionsInvalidatedAt = &revokedAt })
	enf.UpdateUser("mfa", func(f *response.UserFlags) { f.RequireMFA = true })
	enf.UpdateUser("limited", func(f *response.UserFlags) { f.AccessLevel = response.AccessLimited })
	enf.UpdateUser("nokeys", func(f *response.UserFlags) { f.APIKeysDisabled = true })

	resolver := response.StaticResolver{"198.51.100.0/24": "RU"}
	verify := func(r *http.Request) bool { return r.Header.Get("X-Captcha-Token") == "solved" }
	h := NewEnforcement(DefaultEnforcementConfig(), enf, resolver, verify).Middleware(okHandler)

	tests := []struct {
		name       string
		method     string
		path       string
		ip         string
		headers    map[string]string
		wantStatus int
	}{
		{"clean", http.MethodGet, "/v1/incidents", "192.0.2.1", nil, http.StatusOK},
		{"blocked ip", http.MethodGet, "/v1/incidents", "203.0.113.1", nil, http.StatusForbidden},
		{"blocked ip exempt path", http.MethodGet, "/health", "203.0.113.1", nil, http.StatusOK},
		{"blocked country", http.MethodGet, "/v1/incidents", "198.51.100.8", nil, http.StatusForbidden},
		{"captcha pending", http.MethodGet, "/", "203.0.113.3", nil, http.StatusPreconditionRequired},
		{"captcha solved", http.MethodGet, "/", "203.0.113.3", map[string]string{"X-Captcha-Token": "solved"}, http.StatusOK},
		{"captcha cleared", http.MethodGet, "/", "203.0.113.3", nil, http.StatusOK},
		{"locked account", http.MethodGet, "/", "192.0.2.1", map[string]string{"X-User-ID": "locked"}, http.StatusLocked},
		{"revoked session", http.MethodGet, "/", "192.0.2.1", map[string]string{
			"X-User-ID": "revoked", "X-Session-Issued-At": "2026-03-10T11:00:00Z",
		}, http.StatusUnauthorized},
		{"fresh session", http.MethodGet, "/", "192.0.2.1", map[string]string{
			"X-User-ID": "revoked", "X-Session-Issued-At": "2026-03-10T13:00:00Z",
		}, http.StatusOK},
		{"mfa missing", http.MethodGet, "/", "192.0.2.1", map[string]string{"X-User-ID": "mfa"}, http.StatusUnauthorized},
		{"mfa verified", http.MethodGet, "/", "192.0.2.1", map[string]string{"X-User-ID": "mfa", "X-MFA-Verified": "true"}, http.StatusOK},
		{"limited read", http.MethodGet, "/", "192.0.2.1", map[string]string{"X-User-ID": "limited"}, http.StatusOK},
		{"limited write", http.MethodPost, "/", "192.0.2.1", map[string]string{"X-User-ID": "limited"}, http.StatusForbidden},
		{"api key disabled", http.MethodGet, "/", "192.0.2.1", map[string]string{"X-User-ID": "nokeys", "X-API-Key": "k"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.path, nil)
			r.RemoteAddr = tt.ip + ":1234"
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}
