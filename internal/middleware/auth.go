package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"

	"boundary-soar/internal/metrics"
)

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// APIKeys authenticate signal producers on IngestPaths.
	APIKeys      []string `yaml:"api_keys"`
	APIKeyHeader string   `yaml:"api_key_header"`
	IngestPaths  []string `yaml:"ingest_paths"`
	// AdminTokenHash is the bcrypt hash of the operator token required on
	// every other mutating request.
	AdminTokenHash string `yaml:"admin_token_hash"`
}

// DefaultAuthConfig returns the default authentication configuration.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		APIKeyHeader: "X-API-Key",
		IngestPaths:  []string{"/v1/signals"},
	}
}

// MinTokenLength is the shortest admin token HashToken accepts.
const MinTokenLength = 16

// HashToken returns the bcrypt hash to store as AdminTokenHash.
func HashToken(token string) (string, error) {
	if len(token) < MinTokenLength {
		return "", errors.New("middleware: admin token too short")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Auth checks API keys on ingest paths and the admin token on other
// mutating requests. Reads pass through.
type Auth struct {
	cfg    AuthConfig
	keys   [][]byte
	ingest map[string]bool
	// verified caches sha256 digests of tokens bcrypt already accepted.
	verified *lru.Cache[string, struct{}]
}

// NewAuth creates the auth middleware.
func NewAuth(cfg AuthConfig) (*Auth, error) {
	if cfg.Enabled && cfg.AdminTokenHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.AdminTokenHash)); err != nil {
			return nil, errors.New("middleware: admin_token_hash is not a bcrypt hash")
		}
	}
	cache, err := lru.New[string, struct{}](16)
	if err != nil {
		return nil, err
	}
	a := &Auth{cfg: cfg, ingest: pathSet(cfg.IngestPaths), verified: cache}
	for _, k := range cfg.APIKeys {
		a.keys = append(a.keys, []byte(k))
	}
	return a, nil
}

// Middleware enforces authentication when enabled.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	if !a.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case a.ingest[r.URL.Path]:
			if !a.validKey(r.Header.Get(a.cfg.APIKeyHeader)) {
				metrics.IncDenied("invalid_api_key")
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
				return
			}
		case isMutating(r.Method):
			if !a.validAdmin(bearer(r)) {
				metrics.IncDenied("invalid_admin_token")
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) validKey(key string) bool {
	if key == "" {
		return false
	}
	ok := false
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

func (a *Auth) validAdmin(token string) bool {
	if token == "" || a.cfg.AdminTokenHash == "" {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	digest := hex.EncodeToString(sum[:])
	if a.verified.Contains(digest) {
		return true
	}
	if bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminTokenHash), []byte(token)) != nil {
		return false
	}
	a.verified.Add(digest, struct{}{})
	return true
}

func bearer(r *http.Request) string {
	if t := r.Header.Get("X-Admin-Token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
