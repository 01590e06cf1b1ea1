// Package response matches threat signals against response policies and
// schedules, executes and rolls back remediation actions.
package response

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"boundary-soar/internal/incident"
	"boundary-soar/internal/signal"
)

var (
	// ErrNotSupported marks an action or rollback this system does not implement.
	ErrNotSupported = errors.New("response: not supported")
	// ErrInvalidTransition is returned for rollbacks of pending or failed executions.
	ErrInvalidTransition = errors.New("response: invalid execution transition")
	// ErrAlreadyRolledBack is returned for a second rollback of the same execution.
	ErrAlreadyRolledBack = errors.New("response: execution already rolled back")
	// ErrMissingField is returned when a signal lacks a field an action needs.
	ErrMissingField = errors.New("response: missing required field")

	ErrExecutionNotFound = errors.New("response: execution not found")
	ErrPolicyNotFound    = errors.New("response: policy not found")
	ErrReviewNotFound    = errors.New("response: review not found")
	ErrReviewDecided     = errors.New("response: review already decided")
)

// ActionKind is a remediation action.
type ActionKind string

const (
	ActionBlockIP          ActionKind = "block_ip"
	ActionLockAccount      ActionKind = "lock_account"
	ActionRateLimit        ActionKind = "rate_limit"
	ActionRequireMFA       ActionKind = "require_mfa"
	ActionLogOutSessions   ActionKind = "log_out_sessions"
	ActionNotifySecurity   ActionKind = "notify_security"
	ActionCreateTicket     ActionKind = "create_ticket"
	ActionQuarantineUser   ActionKind = "quarantine_user"
	ActionDisableAPIKey    ActionKind = "disable_api_key"
	ActionBlockCountry     ActionKind = "block_country"
	ActionCaptchaChallenge ActionKind = "captcha_challenge"
)

// ActionKinds lists every known action.
var ActionKinds = []ActionKind{
	ActionBlockIP, ActionLockAccount, ActionRateLimit, ActionRequireMFA,
	ActionLogOutSessions, ActionNotifySecurity, ActionCreateTicket,
	ActionQuarantineUser, ActionDisableAPIKey, ActionBlockCountry,
	ActionCaptchaChallenge,
}

// IsValid reports whether k is a known action.
func (k ActionKind) IsValid() bool {
	for _, a := range ActionKinds {
		if a == k {
			return true
		}
	}
	return false
}

// Trigger controls when a matched policy runs.
type Trigger string

const (
	TriggerImmediate    Trigger = "immediate"
	TriggerDelay5m      Trigger = "delay_5m"
	TriggerDelay15m     Trigger = "delay_15m"
	TriggerDelay1h      Trigger = "delay_1h"
	TriggerManualReview Trigger = "manual_review"
)

// Delay returns the scheduling delay. ok is false for manual review, which
// is never scheduled automatically.
func (t Trigger) Delay() (d time.Duration, ok bool) {
	switch t {
	case TriggerImmediate:
		return 0, true
	case TriggerDelay5m:
		return 5 * time.Minute, true
	case TriggerDelay15m:
		return 15 * time.Minute, true
	case TriggerDelay1h:
		return time.Hour, true
	}
	return 0, false
}

// TriggerCondition selects the signals a policy responds to.
type TriggerCondition struct {
	ThreatType    signal.ThreatType `yaml:"threat_type" json:"threat_type"`
	MinConfidence float64           `yaml:"min_confidence" json:"min_confidence"`
	MinRiskScore  float64           `yaml:"min_risk_score" json:"min_risk_score"`
	// Evaluated by the OccurrenceGate, not by the orchestrator.
	OccurrenceThreshold int `yaml:"occurrence_threshold,omitempty" json:"occurrence_threshold,omitempty"`
	TimeWindowMinutes   int `yaml:"time_window_minutes,omitempty" json:"time_window_minutes,omitempty"`
}

// Policy maps signal characteristics to remediation actions.
type Policy struct {
	ID               string            `yaml:"id" json:"id"`
	Name             string            `yaml:"name" json:"name"`
	Description      string            `yaml:"description,omitempty" json:"description,omitempty"`
	TriggerCondition TriggerCondition  `yaml:"trigger_condition" json:"trigger_condition"`
	Actions          []ActionKind      `yaml:"actions" json:"actions"`
	Trigger          Trigger           `yaml:"trigger" json:"trigger"`
	Severity         incident.Severity `yaml:"severity" json:"severity"`
	Active           bool              `yaml:"active" json:"active"`
}

// Validate validates a policy.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return errors.New("policy id is required")
	}
	if !p.TriggerCondition.ThreatType.IsValid() {
		return fmt.Errorf("unknown threat type %q", p.TriggerCondition.ThreatType)
	}
	tc := p.TriggerCondition
	if tc.MinConfidence < 0 || tc.MinConfidence > 1 {
		return errors.New("min_confidence must be within [0,1]")
	}
	if tc.MinRiskScore < 0 || tc.MinRiskScore > 100 {
		return errors.New("min_risk_score must be within [0,100]")
	}
	if tc.OccurrenceThreshold < 0 || tc.TimeWindowMinutes < 0 {
		return errors.New("occurrence_threshold and time_window_minutes must not be negative")
	}
	if tc.OccurrenceThreshold > 0 && tc.TimeWindowMinutes == 0 {
		return errors.New("occurrence_threshold requires time_window_minutes")
	}
	if len(p.Actions) == 0 {
		return errors.New("at least one action is required")
	}
	// Unknown actions are accepted; they fail with ErrNotSupported at execution.
	if _, ok := p.Trigger.Delay(); !ok && p.Trigger != TriggerManualReview {
		return fmt.Errorf("unknown trigger %q", p.Trigger)
	}
	if p.Severity != "" && !p.Severity.IsValid() {
		return fmt.Errorf("unknown severity %q", p.Severity)
	}
	return nil
}

// ParsePolicies parses policies from YAML (or JSON). It accepts a list, a
// document with a top-level policies key, or a single policy. Every policy
// is validated.
func ParsePolicies(data []byte) ([]Policy, error) {
	var doc struct {
		Policies []Policy `yaml:"policies"`
	}
	var policies []Policy
	if err := yaml.Unmarshal(data, &policies); err != nil {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse policies: %w", err)
		}
		policies = doc.Policies
		if len(policies) == 0 {
			var single Policy
			if err := yaml.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("failed to parse policy: %w", err)
			}
			policies = []Policy{single}
		}
	}

	for i := range policies {
		if err := policies[i].Validate(); err != nil {
			return nil, fmt.Errorf("policy %d (%s): %w", i, policies[i].ID, err)
		}
	}
	return policies, nil
}

// Matches reports whether sig satisfies the policy trigger condition.
func (p *Policy) Matches(sig signal.ThreatSignal) bool {
	tc := p.TriggerCondition
	return p.Active &&
		sig.ThreatType == tc.ThreatType &&
		sig.Confidence >= tc.MinConfidence &&
		sig.RiskScore >= tc.MinRiskScore
}

func (p *Policy) clone() *Policy {
	c := *p
	c.Actions = append([]ActionKind(nil), p.Actions...)
	return &c
}

// ExecutionStatus is the state of one remediation attempt.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusExecuted   ExecutionStatus = "executed"
	StatusFailed     ExecutionStatus = "failed"
	StatusRolledBack ExecutionStatus = "rolled_back"
)

// Execution is one attempted action with its own outcome. Transitions:
// pending -> executed | failed, executed -> rolled_back.
type Execution struct {
	ID           string              `json:"id"`
	PolicyID     string              `json:"policy_id"`
	SignalID     string              `json:"signal_id"`
	Action       ActionKind          `json:"action"`
	Status       ExecutionStatus     `json:"status"`
	Signal       signal.ThreatSignal `json:"signal"`
	CreatedAt    time.Time           `json:"created_at"`
	ScheduledFor time.Time           `json:"scheduled_for"`
	ExecutedAt   *time.Time          `json:"executed_at,omitempty"`
	RolledBackAt *time.Time          `json:"rolled_back_at,omitempty"`
	Result       map[string]any      `json:"result,omitempty"`
	Error        string              `json:"error,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

// ReviewStatus is the state of a manual review item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Review is a policy match waiting for an operator decision.
type Review struct {
	ID           string              `json:"id"`
	PolicyID     string              `json:"policy_id"`
	Signal       signal.ThreatSignal `json:"signal"`
	Actions      []ActionKind        `json:"actions"`
	Status       ReviewStatus        `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	DecidedAt    *time.Time          `json:"decided_at,omitempty"`
	Operator     string              `json:"operator,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	ExecutionIDs []string            `json:"execution_ids,omitempty"`
}
