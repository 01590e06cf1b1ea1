package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"boundary-soar/internal/metrics"
	"boundary-soar/internal/response"
)

// RateLimitConfig holds the default per-IP limit.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	BurstSize     int           `yaml:"burst_size"`
	WindowSize    time.Duration `yaml:"window_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	TrustProxy    bool          `yaml:"trust_proxy"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1000,
		BurstSize:     100,
		WindowSize:    time.Minute,
		CleanupPeriod: 5 * time.Minute,
		ExemptPaths:   []string{"/health", "/metrics"},
	}
}

// OverrideSource supplies per-IP limits set by the rate_limit action.
// *response.Enforcement implements it.
type OverrideSource interface {
	RateLimit(ip string) (response.RateLimitOverride, bool)
}

// RateLimiter counts requests per IP in fixed windows. An override from
// OverrideSource replaces the default limit and window; tripping it refuses
// the address for the override's block duration.
type RateLimiter struct {
	cfg       RateLimitConfig
	overrides OverrideSource
	exempt    map[string]bool
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	count        int
	windowEnd    time.Time
	blockedUntil time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter creates a rate limiter. overrides may be nil.
func NewRateLimiter(cfg RateLimitConfig, overrides OverrideSource) *RateLimiter {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	return &RateLimiter{
		cfg:       cfg,
		overrides: overrides,
		exempt:    pathSet(cfg.ExemptPaths),
		now:       time.Now,
		clients:   make(map[string]*clientState),
		stop:      make(chan struct{}),
	}
}

// Allow records a request from ip and reports whether it may proceed.
func (rl *RateLimiter) Allow(ip string) Decision {
	now := rl.now()
	limit := rl.cfg.RequestsPerIP + rl.cfg.BurstSize
	window := rl.cfg.WindowSize
	var blockFor time.Duration
	if rl.overrides != nil {
		if o, ok := rl.overrides.RateLimit(ip); ok && o.Requests > 0 && o.Window > 0 {
			limit, window, blockFor = o.Requests, o.Window, o.BlockDuration
		}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok {
		c = &clientState{windowEnd: now.Add(window)}
		rl.clients[ip] = c
	}

	if now.Before(c.blockedUntil) {
		return Decision{Limit: limit, Reset: c.blockedUntil}
	}
	if !now.Before(c.windowEnd) {
		c.count = 0
		c.windowEnd = now.Add(window)
	}
	if c.count >= limit {
		if blockFor > 0 {
			c.blockedUntil = now.Add(blockFor)
			return Decision{Limit: limit, Reset: c.blockedUntil}
		}
		return Decision{Limit: limit, Reset: c.windowEnd}
	}

	c.count++
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - c.count,
		Reset:     c.windowEnd,
	}
}

// Cleanup drops clients whose window and block both ended before now.
func (rl *RateLimiter) Cleanup() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, c := range rl.clients {
		if c.windowEnd.Before(now) && c.blockedUntil.Before(now) {
			delete(rl.clients, ip)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every CleanupPeriod until Stop.
func (rl *RateLimiter) StartCleanup() {
	if rl.cfg.CleanupPeriod <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(rl.cfg.CleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := rl.Cleanup(); n > 0 {
					slog.Debug("rate limiter cleanup", "removed", n)
				}
			case <-rl.stop:
				return
			}
		}
	}()
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Tracked returns the number of tracked addresses.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware applies the limiter to every non-exempt path.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r, rl.cfg.TrustProxy)
		d := rl.Allow(ip)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if !d.Allowed {
			metrics.IncDenied("rate_limited")
			slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			retryAfter := int(d.Reset.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
