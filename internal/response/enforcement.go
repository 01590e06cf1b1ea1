package response

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"boundary-soar/internal/metrics"
	"boundary-soar/internal/store"
)

// IPBlock is an address block. Records are never deleted; Active flips to
// false on expiry or rollback.
type IPBlock struct {
	IP               string     `json:"ip"`
	Reason           string     `json:"reason"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CausingSignalIDs []string   `json:"causing_signal_ids,omitempty"`
	ExecutionID      string     `json:"execution_id,omitempty"`
	Active           bool       `json:"active"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
}

// AccountLock is an account lock with the same lifecycle as IPBlock.
type AccountLock struct {
	UserID           string     `json:"user_id"`
	Reason           string     `json:"reason"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CausingSignalIDs []string   `json:"causing_signal_ids,omitempty"`
	ExecutionID      string     `json:"execution_id,omitempty"`
	Active           bool       `json:"active"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
}

func activeAt(active bool, expires *time.Time, now time.Time) bool {
	return active && (expires == nil || expires.After(now))
}

// RateLimitOverride tightens the request limit for one address. After the
// limit trips the address is refused for BlockDuration.
type RateLimitOverride struct {
	IP            string        `json:"ip"`
	Requests      int           `json:"requests"`
	Window        time.Duration `json:"window"`
	BlockDuration time.Duration `json:"block_duration"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// UserFlags are the per-user enforcement flags.
type UserFlags struct {
	RequireMFA            bool       `json:"require_mfa,omitempty"`
	SessionsInvalidatedAt *time.Time `json:"sessions_invalidated_at,omitempty"`
	APIKeysDisabled       bool       `json:"api_keys_disabled,omitempty"`
	AccessLevel           string     `json:"access_level,omitempty"`
}

// AccessLimited is the access level of a quarantined user.
const AccessLimited = "limited"

// Enforcement holds the state remediation actions produce and request
// middleware consults.
type Enforcement struct {
	blocks store.Store[IPBlock]
	locks  store.Store[AccountLock]
	now    func() time.Time

	mu         sync.RWMutex
	rateLimits map[string]RateLimitOverride
	users      map[string]UserFlags
	captcha    map[string]time.Time
	countries  map[string]string
}

// NewEnforcement creates enforcement state over the given stores.
func NewEnforcement(blocks store.Store[IPBlock], locks store.Store[AccountLock]) *Enforcement {
	return &Enforcement{
		blocks:     blocks,
		locks:      locks,
		now:        time.Now,
		rateLimits: make(map[string]RateLimitOverride),
		users:      make(map[string]UserFlags),
		captcha:    make(map[string]time.Time),
		countries:  make(map[string]string),
	}
}

// SetClock replaces the time source used for expiry decisions.
func (e *Enforcement) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// PutBlock creates or overwrites the block for b.IP.
func (e *Enforcement) PutBlock(ctx context.Context, b IPBlock) error {
	if b.IP == "" {
		return ErrMissingField
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocks.Put(ctx, b.IP, b)
}

// BlockIP blocks ip for d. A zero duration blocks until rollback.
func (e *Enforcement) BlockIP(ctx context.Context, ip, reason string, d time.Duration) error {
	now := e.now()
	b := IPBlock{IP: ip, Reason: reason, CreatedAt: now, Active: true}
	if d > 0 {
		exp := now.Add(d)
		b.ExpiresAt = &exp
	}
	return e.PutBlock(ctx, b)
}

// UnblockIP deactivates the block for ip. A non-empty executionID limits
// this to the block that execution created; a block written since by another
// execution or a threshold is left in place. It reports whether an active
// block was deactivated.
func (e *Enforcement) UnblockIP(ctx context.Context, ip, executionID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok, err := e.blocks.Get(ctx, ip)
	if err != nil || !ok || !b.Active {
		return false, err
	}
	if executionID != "" && b.ExecutionID != executionID {
		return false, nil
	}
	now := e.now()
	b.Active = false
	b.DeactivatedAt = &now
	return true, e.blocks.Put(ctx, ip, b)
}

// IsBlocked reports whether ip has an active, unexpired block.
func (e *Enforcement) IsBlocked(ctx context.Context, ip string) (bool, error) {
	b, ok, err := e.blocks.Get(ctx, ip)
	if err != nil || !ok {
		return false, err
	}
	return activeAt(b.Active, b.ExpiresAt, e.now()), nil
}

// GetBlock returns the block record for ip, active or not.
func (e *Enforcement) GetBlock(ctx context.Context, ip string) (IPBlock, bool, error) {
	return e.blocks.Get(ctx, ip)
}

// PutLock creates or overwrites the lock for l.UserID.
func (e *Enforcement) PutLock(ctx context.Context, l AccountLock) error {
	if l.UserID == "" {
		return ErrMissingField
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locks.Put(ctx, l.UserID, l)
}

// UnlockAccount deactivates the lock for user, restricted to the lock
// executionID created when executionID is non-empty.
func (e *Enforcement) UnlockAccount(ctx context.Context, user, executionID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok, err := e.locks.Get(ctx, user)
	if err != nil || !ok || !l.Active {
		return false, err
	}
	if executionID != "" && l.ExecutionID != executionID {
		return false, nil
	}
	now := e.now()
	l.Active = false
	l.DeactivatedAt = &now
	return true, e.locks.Put(ctx, user, l)
}

// IsLocked reports whether user has an active, unexpired lock.
func (e *Enforcement) IsLocked(ctx context.Context, user string) (bool, error) {
	l, ok, err := e.locks.Get(ctx, user)
	if err != nil || !ok {
		return false, err
	}
	return activeAt(l.Active, l.ExpiresAt, e.now()), nil
}

// GetLock returns the lock record for user, active or not.
func (e *Enforcement) GetLock(ctx context.Context, user string) (AccountLock, bool, error) {
	return e.locks.Get(ctx, user)
}

// ActiveBlocks returns active, unexpired blocks sorted by creation time.
func (e *Enforcement) ActiveBlocks(ctx context.Context) ([]IPBlock, error) {
	now := e.now()
	var out []IPBlock
	err := e.blocks.Range(ctx, func(_ string, b IPBlock) bool {
		if activeAt(b.Active, b.ExpiresAt, now) {
			out = append(out, b)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// ActiveLocks returns active, unexpired locks sorted by creation time.
func (e *Enforcement) ActiveLocks(ctx context.Context) ([]AccountLock, error) {
	now := e.now()
	var out []AccountLock
	err := e.locks.Range(ctx, func(_ string, l AccountLock) bool {
		if activeAt(l.Active, l.ExpiresAt, now) {
			out = append(out, l)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// SetRateLimit registers a rate-limit override.
func (e *Enforcement) SetRateLimit(o RateLimitOverride) error {
	if o.IP == "" {
		return ErrMissingField
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateLimits[o.IP] = o
	return nil
}

// RateLimit returns the unexpired override for ip.
func (e *Enforcement) RateLimit(ip string) (RateLimitOverride, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.rateLimits[ip]
	if !ok || !o.ExpiresAt.After(e.now()) {
		return RateLimitOverride{}, false
	}
	return o, true
}

// UpdateUser applies fn to the flags of user.
func (e *Enforcement) UpdateUser(user string, fn func(*UserFlags)) error {
	if user == "" {
		return ErrMissingField
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.users[user]
	fn(&f)
	e.users[user] = f
	return nil
}

// User returns the flags of user.
func (e *Enforcement) User(user string) UserFlags {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.users[user]
}

// RequireCaptcha flags ip for a challenge on its next request.
func (e *Enforcement) RequireCaptcha(ip string) error {
	if ip == "" {
		return ErrMissingField
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captcha[ip] = e.now()
	return nil
}

// CaptchaRequired reports whether ip must pass a challenge.
func (e *Enforcement) CaptchaRequired(ip string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.captcha[ip]
	return ok
}

// ClearCaptcha removes the challenge flag once ip has passed it.
func (e *Enforcement) ClearCaptcha(ip string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.captcha, ip)
}

// BlockCountry blocks an ISO country code.
func (e *Enforcement) BlockCountry(code, reason string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return errors.New("response: empty country code")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.countries[code] = reason
	return nil
}

// CountryBlocked reports whether an ISO country code is blocked.
func (e *Enforcement) CountryBlocked(code string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.countries[strings.ToUpper(code)]
	return ok
}

// ExpireReport counts records deactivated by Expire.
type ExpireReport struct {
	Blocks     int `json:"blocks"`
	Locks      int `json:"locks"`
	RateLimits int `json:"rate_limits"`
}

// Expire deactivates blocks and locks whose expiry has passed and drops
// expired rate-limit overrides. Running it again is a no-op.
func (e *Enforcement) Expire(ctx context.Context, now time.Time) (ExpireReport, error) {
	var report ExpireReport

	e.mu.Lock()
	defer e.mu.Unlock()

	var expiredBlocks []IPBlock
	err := e.blocks.Range(ctx, func(_ string, b IPBlock) bool {
		if b.Active && b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
			expiredBlocks = append(expiredBlocks, b)
		}
		return true
	})
	if err != nil {
		return report, err
	}
	for _, b := range expiredBlocks {
		b.Active = false
		b.DeactivatedAt = &now
		if err := e.blocks.Put(ctx, b.IP, b); err != nil {
			return report, err
		}
		report.Blocks++
	}

	var expiredLocks []AccountLock
	err = e.locks.Range(ctx, func(_ string, l AccountLock) bool {
		if l.Active && l.ExpiresAt != nil && !l.ExpiresAt.After(now) {
			expiredLocks = append(expiredLocks, l)
		}
		return true
	})
	if err != nil {
		return report, err
	}
	for _, l := range expiredLocks {
		l.Active = false
		l.DeactivatedAt = &now
		if err := e.locks.Put(ctx, l.UserID, l); err != nil {
			return report, err
		}
		report.Locks++
	}

	for ip, o := range e.rateLimits {
		if !o.ExpiresAt.After(now) {
			delete(e.rateLimits, ip)
			report.RateLimits++
		}
	}
	return report, nil
}

// publishGauges updates the active enforcement gauges.
func (e *Enforcement) publishGauges(ctx context.Context) {
	if blocks, err := e.ActiveBlocks(ctx); err == nil {
		metrics.SetActiveBlocks("ip", len(blocks))
	}
	if locks, err := e.ActiveLocks(ctx); err == nil {
		metrics.SetActiveBlocks("account", len(locks))
	}
	e.mu.RLock()
	n := len(e.countries)
	e.mu.RUnlock()
	metrics.SetActiveBlocks("country", n)
}
