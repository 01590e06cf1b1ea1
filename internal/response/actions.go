package response

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"boundary-soar/internal/incident"
	"boundary-soar/internal/signal"
)

// ExecutionContext is passed to an action handler.
type ExecutionContext struct {
	ExecutionID string
	Policy      *Policy
	Now         time.Time
}

// Result is the outcome payload of an action.
type Result map[string]any

// ActionHandler executes one kind of action.
type ActionHandler interface {
	Kind() ActionKind
	Execute(ctx context.Context, sig signal.ThreatSignal, ec ExecutionContext) (Result, error)
}

// Rollbacker is implemented by handlers whose effect can be undone.
type Rollbacker interface {
	Rollback(ctx context.Context, exec *Execution) (Result, error)
}

// IncidentCreator creates incidents for notify_security.
type IncidentCreator interface {
	Create(ctx context.Context, p incident.Params) (*incident.Incident, error)
}

// ActionConfig holds action defaults.
type ActionConfig struct {
	BlockDuration     time.Duration `yaml:"block_duration"`
	LockDuration      time.Duration `yaml:"lock_duration"`
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	RateLimitBlock    time.Duration `yaml:"rate_limit_block"`
	RateLimitTTL      time.Duration `yaml:"rate_limit_ttl"`
}

// DefaultActionConfig returns the default action configuration.
func DefaultActionConfig() ActionConfig {
	return ActionConfig{
		BlockDuration:     24 * time.Hour,
		LockDuration:      24 * time.Hour,
		RateLimitRequests: 10,
		RateLimitWindow:   time.Minute,
		RateLimitBlock:    30 * time.Minute,
		RateLimitTTL:      24 * time.Hour,
	}
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	return nil
}

func reasonFor(sig signal.ThreatSignal, ec ExecutionContext) string {
	return fmt.Sprintf("%s (policy %s, risk %.0f)", sig.ThreatType, ec.Policy.ID, sig.RiskScore)
}

// BlockIPHandler blocks signal.IPAddress.
type BlockIPHandler struct {
	Enforcement *Enforcement
	Duration    time.Duration
}

func (h *BlockIPHandler) Kind() ActionKind { return ActionBlockIP }

func (h *BlockIPHandler) Execute(ctx context.Context, sig signal.ThreatSignal, ec ExecutionContext) (Result, error) {
	if err := requireField("ip_address", sig.IPAddress); err != nil {
		return nil, err
	}
	b := IPBlock{
		IP:               sig.IPAddress,
		Reason:           reasonFor(sig, ec),
		CreatedAt:        ec.Now,
		CausingSignalIDs: []string{sig.ID},
		ExecutionID:      ec.ExecutionID,
		Active:           true,
	}
	if h.Duration > 0 {
		exp := ec.Now.Add(h.Duration)
		b.ExpiresAt = &exp
	}
	if err := h.Enforcement.PutBlock(ctx, b); err != nil {
		return nil, err
	}
	return Result{"ip_address": b.IP, "expires_at": b.ExpiresAt}, nil
}

func (h *BlockIPHandler) Rollback(ctx context.Context, exec *Execution) (Result, error) {
	ip := exec.Signal.IPAddress
	deactivated, err := h.Enforcement.UnblockIP(ctx, ip, exec.ID)
	if err != nil {
		return nil, err
	}
	res := Result{"ip_address": ip, "deactivated": deactivated}
	if !deactivated {
		if b, ok, _ := h.Enforcement.GetBlock(ctx, ip); ok && b.Active && b.ExecutionID != exec.ID {
			res["superseded_by"] = b.ExecutionID
		}
	}
	return res, nil
}

// LockAccountHandler locks signal.UserID. A missing user is a failure.
type LockAccountHandler struct {
	Enforcement *Enforcement
	Duration    time.Duration
}

func (h *LockAccountHandler) Kind() ActionKind { return ActionLockAccount }

func (h *LockAccountHandler) Execute(ctx context.Context, sig signal.ThreatSignal, ec ExecutionContext) (Result, error) {
	if err := requireField("user_id", sig.UserID); err != nil {
		return nil, err
	}
	l := AccountLock{
		UserID:           sig.UserID,
		Reason:           reasonFor(sig, ec),
		CreatedAt:        ec.Now,
		CausingSignalIDs: []string{sig.ID},
		ExecutionID:      ec.ExecutionID,
		Active:           true,
	}
	if h.Duration > 0 {
		exp := ec.Now.Add(h.Duration)
		l.ExpiresAt = &exp
	}
	if err := h.Enforcement.PutLock(ctx, l); err != nil {
		return nil, err
	}
	return Result{"user_id": l.UserID, "expires_at": l.ExpiresAt}, nil
}

func (h *LockAccountHandler) Rollback(ctx context.Context, exec *Execution) (Result, error) {
	user := exec.Signal.UserID
	deactivated, err := h.Enforcement.UnlockAccount(ctx, user, exec.ID)
	if err != nil {
		return nil, err
	}
	res := Result{"user_id": user, "deactivated": deactivated}
	if !deactivated {
		if l, ok, _ := h.Enforcement.GetLock(ctx, user); ok && l.Active && l.ExecutionID != exec.ID {
			res["superseded_by"] = l.ExecutionID
		}
	}
	return res, nil
}

// RateLimitHandler registers a rate-limit override for signal.IPAddress.
type RateLimitHandler struct {
	Enforcement *Enforcement
	Config      ActionConfig
}

func (h *RateLimitHandler) Kind() ActionKind { return ActionRateLimit }

func (h *RateLimitHandler) Execute(_ context.Context, sig signal.ThreatSignal, ec ExecutionContext) (Result, error) {
	if err := requireField("ip_address", sig.IPAddress); err != nil {
		return nil, err
	}
	o := RateLimitOverride{
		IP:            sig.IPAddress,
		Requests:      h.Config.RateLimitRequests,
		Window:        h.Config.RateLimitWindow,
		BlockDuration: h.Config.RateLimitBlock,
		CreatedAt:     ec.Now,
		ExpiresAt:     ec.Now.Add(h.Config.RateLimitTTL),
	}
	if err := h.Enforcement.SetRateLimit(o); err != nil {
		return nil, err
	}
	return Result{
		"ip_address":     o.IP,
		"requests":       o.Requests,
		"window":         o.Window.String(),
		"block_duration": o.BlockDuration.String(),
	}, nil
}

// userFlagHandler sets a per-user enforcement flag.
type userFlagHandler struct {
	kind        ActionKind
	enforcement *Enforcement
	apply       func(f *UserFlags, now time.Time)
}

func (h *userFlagHandler) Kind() ActionKind { return h.kind }

func (h *userFlagHandler) Execute(_ context.Context, sig signal.ThreatSignal, ec ExecutionContext) (Result, error) {
	if err := requireField("user_id", sig.UserID); err != nil {
		return nil, err
	}
	if err := h.enforcement.UpdateUser(sig.UserID, func(f *UserFlags) { h.apply(f, ec.Now) }); err != nil {
		return nil, err
	}
	return Result{"user_id": sig.UserID, "flags": h.enforcement.User(sig.UserID)}, nil
}

// NewRequireMFAHandler flags the user for step-up authentication.
func NewRequireMFAHandler(e *Enforcement) ActionHandler {
	return &userFlagHandler{kind: ActionRequireMFA, enforcement: e, apply: func(f *UserFlags, _ time.Time) {
		f.RequireMFA = true
	}}
}

// NewLogOutSessionsHandler invalidates every session of the user.
func NewLogOutSessionsHandler(e *Enforcement) ActionHandler {
	return &userFlagHandler{kind: ActionLogOutSessions, enforcement: e, apply: func(f *UserFlags, now time.Time) {
		f.SessionsInvalidatedAt = &now
	}}
}

// NewQuarantineUserHandler limits the user's access level.
func NewQuarantineUserHandler(e *Enforcement) ActionHandler {
	return &userFlagHandler{kind: ActionQuarantineUser, enforcement: e, apply: func(f *UserFlags, _ time.Time) {
		f.AccessLevel = AccessLimited
	}}
}

// NewDisableAPIKeyHandler disables every API key of the user.
func NewDisableAPIKeyHandler(e *Enforcement) ActionHandler {
	return &userFlagHandler{kind: ActionDisableAPIKey, enforcement: e, apply: func(f *UserFlags, _ time.Time) {
		f.APIKeysDisabled = true
	}}
}

// NotifySecurityHandler raises an incident for the security team.
type NotifySecurityHandler struct {
	Incidents IncidentCreator
}

func (h *NotifySecurityHandler) Kind() ActionKind { return ActionNotifySecurity }

func (h *NotifySecurityHandler) Execute(ctx context.Context, sig signal.ThreatSignal, ec ExecutionContext) (Result, error) {
	sev := incident.SeverityFromRisk(sig.RiskScore)
	inc, err := h.Incidents.Create(ctx, incident.Params{
		Category:    incident.CategoryResponse,
		Severity:    sev,
		Title:       fmt.Sprintf("Security response: %s", sig.ThreatType),
		Description: fmt.Sprintf("Policy %s responded to signal %s", ec.Policy.ID, sig.ID),
		Source:      "response:" + ec.Policy.ID,
		UserID:      sig.UserID,
		IPAddress:   sig.IPAddress,
		Details: map[string]any{
			"signal_id":    sig.ID,
			"execution_id": ec.ExecutionID,
			"confidence":   sig.Confidence,
			"risk_score":   sig.RiskScore,
		},
		Tags: []string{"response", string(sig.ThreatType)},
	})
	if err != nil {
		return nil, err
	}
	return Result{"incident_id": inc.ID, "severity": sev}, nil
}

// CreateTicketHandler allocates an opaque ticket id.
type CreateTicketHandler struct{}

func (CreateTicketHandler) Kind() ActionKind { return ActionCreateTicket }

func (CreateTicketHandler) Execute(_ context.Context, sig signal.ThreatSignal, _ ExecutionContext) (Result, error) {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	return Result{"ticket_id": "SEC-" + id, "signal_id": sig.ID}, nil
}

// BlockCountryHandler geolocates signal.IPAddress and blocks its country.
type BlockCountryHandler struct {
	Enforcement *Enforcement
	Resolver    CountryResolver
}

func (h *BlockCountryHandler) Kind() ActionKind { return ActionBlockCountry }

func (h *BlockCountryHandler) Execute(_ context.Context, sig signal.ThreatSignal, ec ExecutionContext) (Result, error) {
	if err := requireField("ip_address", sig.IPAddress); err != nil {
		return nil, err
	}
	code, err := h.Resolver.Country(sig.IPAddress)
	if err != nil {
		return nil, err
	}
	if err := h.Enforcement.BlockCountry(code, reasonFor(sig, ec)); err != nil {
		return nil, err
	}
	return Result{"ip_address": sig.IPAddress, "country": code}, nil
}

// CaptchaHandler flags signal.IPAddress for a challenge.
type CaptchaHandler struct {
	Enforcement *Enforcement
}

func (h *CaptchaHandler) Kind() ActionKind { return ActionCaptchaChallenge }

func (h *CaptchaHandler) Execute(_ context.Context, sig signal.ThreatSignal, _ ExecutionContext) (Result, error) {
	if err := requireField("ip_address", sig.IPAddress); err != nil {
		return nil, err
	}
	if err := h.Enforcement.RequireCaptcha(sig.IPAddress); err != nil {
		return nil, err
	}
	return Result{"ip_address": sig.IPAddress}, nil
}

// DefaultHandlers builds the dispatch table for every ActionKind.
func DefaultHandlers(cfg ActionConfig, e *Enforcement, incidents IncidentCreator, resolver CountryResolver) []ActionHandler {
	if resolver == nil {
		resolver = NoopResolver{}
	}
	return []ActionHandler{
		&BlockIPHandler{Enforcement: e, Duration: cfg.BlockDuration},
		&LockAccountHandler{Enforcement: e, Duration: cfg.LockDuration},
		&RateLimitHandler{Enforcement: e, Config: cfg},
		NewRequireMFAHandler(e),
		NewLogOutSessionsHandler(e),
		&NotifySecurityHandler{Incidents: incidents},
		CreateTicketHandler{},
		NewQuarantineUserHandler(e),
		NewDisableAPIKeyHandler(e),
		&BlockCountryHandler{Enforcement: e, Resolver: resolver},
		&CaptchaHandler{Enforcement: e},
	}
}
