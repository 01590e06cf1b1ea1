package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashToken(t *testing.T) {
	if _, err := HashToken("short"); err == nil {
		t.Error("HashToken(short) error = nil")
	}
	h, err := HashToken("a-long-enough-operator-token")
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(h), []byte("a-long-enough-operator-token")) != nil {
		t.Error("hash does not verify")
	}
}

func TestAuthMiddleware(t *testing.T) {
	const token = "operator-token-0123456789"
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultAuthConfig()
	cfg.Enabled = true
	cfg.APIKeys = []string{"producer-key"}
	cfg.AdminTokenHash = string(hash)
	a, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth() error = %v", err)
	}
	h := a.Middleware(okHandler)

	tests := []struct {
		name       string
		method     string
		path       string
		headers    map[string]string
		wantStatus int
	}{
		{"read is open", http.MethodGet, "/v1/policies", nil, http.StatusOK},
		{"ingest with key", http.MethodPost, "/v1/signals", map[string]string{"X-API-Key": "producer-key"}, http.StatusOK},
		{"ingest without key", http.MethodPost, "/v1/signals", nil, http.StatusUnauthorized},
		{"ingest wrong key", http.MethodPost, "/v1/signals", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"admin without token", http.MethodPut, "/v1/policies/p", nil, http.StatusUnauthorized},
		{"admin bearer", http.MethodPut, "/v1/policies/p", map[string]string{"Authorization": "Bearer " + token}, http.StatusOK},
		{"admin header", http.MethodDelete, "/v1/rules/r", map[string]string{"X-Admin-Token": token}, http.StatusOK},
		{"admin wrong token", http.MethodPost, "/v1/rules", map[string]string{"X-Admin-Token": "guess"}, http.StatusUnauthorized},
		{"api key is not admin", http.MethodPost, "/v1/rules", map[string]string{"X-API-Key": "producer-key"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	if a.verified.Len() != 1 {
		t.Errorf("verified cache = %d entries, want 1", a.verified.Len())
	}
}

func TestNewAuth_RejectsBadHash(t *testing.T) {
	cfg := DefaultAuthConfig()
	cfg.Enabled = true
	cfg.AdminTokenHash = "plaintext"
	if _, err := NewAuth(cfg); err == nil {
		t.Error("NewAuth() error = nil for a non-bcrypt hash")
	}
}
