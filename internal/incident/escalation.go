package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"boundary-soar/internal/scheduler"
)

// ThresholdAction is what an alert threshold does when it trips.
type ThresholdAction string

const (
	ThresholdLog      ThresholdAction = "log"
	ThresholdAlert    ThresholdAction = "alert"
	ThresholdBlock    ThresholdAction = "block"
	ThresholdEscalate ThresholdAction = "escalate"
)

// AlertThreshold trips when at least MaxCount incidents of the same category
// and severity were created within the window.
type AlertThreshold struct {
	ID            string          `json:"id" yaml:"id"`
	Category      Category        `json:"category" yaml:"category"`
	Severity      Severity        `json:"severity" yaml:"severity"`
	WindowMinutes int             `json:"window_minutes" yaml:"window_minutes"`
	MaxCount      int             `json:"max_count" yaml:"max_count"`
	Action        ThresholdAction `json:"action" yaml:"action"`
}

// Validate checks the threshold definition.
func (t AlertThreshold) Validate() error {
	if t.ID == "" {
		return errors.New("threshold id is required")
	}
	if t.Category == "" || !t.Severity.IsValid() {
		return fmt.Errorf("threshold %s: category and valid severity are required", t.ID)
	}
	if t.WindowMinutes <= 0 || t.MaxCount <= 0 {
		return fmt.Errorf("threshold %s: window_minutes and max_count must be positive", t.ID)
	}
	switch t.Action {
	case ThresholdLog, ThresholdAlert, ThresholdBlock, ThresholdEscalate:
	default:
		return fmt.Errorf("threshold %s: invalid action %q", t.ID, t.Action)
	}
	return nil
}

// EscalationLevel notifies a tier of stakeholders after a delay.
type EscalationLevel struct {
	Level        int      `json:"level" yaml:"level"`
	DelayMinutes int      `json:"delay_minutes" yaml:"delay_minutes"`
	Target       string   `json:"target" yaml:"target"`
	Stakeholders []string `json:"stakeholders,omitempty" yaml:"stakeholders"`
}

// EscalationPolicy schedules escalation levels for new incidents of one
// category and severity.
type EscalationPolicy struct {
	ID       string            `json:"id" yaml:"id"`
	Category Category          `json:"category" yaml:"category"`
	Severity Severity          `json:"severity" yaml:"severity"`
	Levels   []EscalationLevel `json:"levels" yaml:"levels"`
}

// Validate checks the policy definition.
func (p EscalationPolicy) Validate() error {
	if p.ID == "" {
		return errors.New("escalation policy id is required")
	}
	if p.Category == "" || !p.Severity.IsValid() {
		return fmt.Errorf("escalation policy %s: category and valid severity are required", p.ID)
	}
	if len(p.Levels) == 0 {
		return fmt.Errorf("escalation policy %s: at least one level is required", p.ID)
	}
	for _, lvl := range p.Levels {
		if lvl.DelayMinutes < 0 {
			return fmt.Errorf("escalation policy %s: level %d has negative delay", p.ID, lvl.Level)
		}
	}
	return nil
}

// PutThreshold adds or replaces an alert threshold.
func (l *Ledger) PutThreshold(t AlertThreshold) error {
	if err := t.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.thresholds[t.ID] = t
	return nil
}

// RemoveThreshold deletes an alert threshold.
func (l *Ledger) RemoveThreshold(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.thresholds, id)
}

// Thresholds returns all alert thresholds ordered by id.
func (l *Ledger) Thresholds() []AlertThreshold {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]AlertThreshold, 0, len(l.thresholds))
	for _, t := range l.thresholds {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutEscalationPolicy adds or replaces an escalation policy.
func (l *Ledger) PutEscalationPolicy(p EscalationPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[p.ID] = p
	return nil
}

// RemoveEscalationPolicy deletes an escalation policy. Levels already
// scheduled for existing incidents still fire.
func (l *Ledger) RemoveEscalationPolicy(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.policies, id)
}

// EscalationPolicies returns all escalation policies ordered by id.
func (l *Ledger) EscalationPolicies() []EscalationPolicy {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]EscalationPolicy, 0, len(l.policies))
	for _, p := range l.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) checkThresholds(ctx context.Context, inc *Incident) {
	var matching []AlertThreshold
	for _, t := range l.Thresholds() {
		if t.Category == inc.Category && t.Severity == inc.Severity {
			matching = append(matching, t)
		}
	}

	for _, t := range matching {
		since := inc.Timestamp.Add(-time.Duration(t.WindowMinutes) * time.Minute)
		count := 0
		err := l.incidents.Range(ctx, func(_ string, other Incident) bool {
			if other.Category == t.Category && other.Severity == t.Severity && !other.Timestamp.Before(since) {
				count++
			}
			return true
		})
		if err != nil {
			slog.Error("alert threshold check failed", "threshold_id", t.ID, "error", err)
			continue
		}
		if count < t.MaxCount {
			continue
		}

		l.thresholdTriggers.Add(1)
		l.triggerThreshold(ctx, t, inc, count)
	}
}

func (l *Ledger) triggerThreshold(ctx context.Context, t AlertThreshold, inc *Incident, count int) {
	slog.Warn("alert threshold reached",
		"threshold_id", t.ID,
		"category", t.Category,
		"severity", t.Severity,
		"count", count,
		"window_minutes", t.WindowMinutes,
		"action", t.Action,
		"incident_id", inc.ID,
	)

	switch t.Action {
	case ThresholdLog:
	case ThresholdAlert:
		l.Notify(ctx, inc)
	case ThresholdBlock:
		if inc.IPAddress == "" {
			slog.Warn("block threshold reached but incident has no ip address", "threshold_id", t.ID, "incident_id", inc.ID)
			return
		}
		if l.blocker == nil {
			slog.Warn("block threshold reached but no blocker is configured", "threshold_id", t.ID)
			return
		}
		reason := fmt.Sprintf("alert threshold %s: %d %s/%s incidents in %dm", t.ID, count, t.Category, t.Severity, t.WindowMinutes)
		if err := l.blocker.BlockIP(ctx, inc.IPAddress, reason, l.config.BlockDuration); err != nil {
			slog.Error("threshold block failed", "threshold_id", t.ID, "ip", inc.IPAddress, "error", err)
		}
	case ThresholdEscalate:
		targets, err := l.stakeholders.List(ctx, inc.Category, inc.Severity)
		if err != nil {
			slog.Error("failed to list stakeholders", "incident_id", inc.ID, "error", err)
		}
		l.escalate(inc.ID, 0, "threshold:"+t.ID, targets)
	}
}

func (l *Ledger) scheduleEscalations(inc *Incident) {
	var matching []EscalationPolicy
	for _, p := range l.EscalationPolicies() {
		if p.Category == inc.Category && p.Severity == inc.Severity {
			matching = append(matching, p)
		}
	}
	if len(matching) == 0 {
		return
	}

	var handles []scheduler.Handle
	for _, p := range matching {
		for _, lvl := range p.Levels {
			policyID, level := p.ID, lvl
			delay := time.Duration(lvl.DelayMinutes) * time.Minute
			handles = append(handles, l.scheduler.After(delay, func() {
				l.fireEscalation(inc.ID, policyID, level)
			}))
			slog.Debug("escalation level scheduled",
				"incident_id", inc.ID,
				"policy_id", policyID,
				"level", lvl.Level,
				"delay", delay,
			)
		}
	}

	l.mu.Lock()
	l.escalations[inc.ID] = append(l.escalations[inc.ID], handles...)
	l.mu.Unlock()
}

func (l *Ledger) fireEscalation(id, policyID string, lvl EscalationLevel) {
	ctx := context.Background()

	targets, err := l.stakeholders.Resolve(ctx, lvl.Stakeholders)
	if err != nil {
		slog.Error("failed to resolve escalation stakeholders", "incident_id", id, "policy_id", policyID, "error", err)
	}

	target := lvl.Target
	if target == "" {
		target = strings.Join(lvl.Stakeholders, ",")
	}
	if target == "" {
		target = fmt.Sprintf("%s/level-%d", policyID, lvl.Level)
	}
	l.escalate(id, lvl.Level, target, targets)
}

// escalate moves an incident to escalated after re-reading its current
// state. Terminal incidents are left untouched.
func (l *Ledger) escalate(id string, level int, target string, targets []Stakeholder) {
	ctx := context.Background()

	l.mu.Lock()
	inc, ok, err := l.incidents.Get(ctx, id)
	if err != nil || !ok {
		l.mu.Unlock()
		if err != nil {
			slog.Error("escalation lookup failed", "incident_id", id, "error", err)
		}
		return
	}
	if inc.Status.IsTerminal() {
		l.mu.Unlock()
		slog.Debug("escalation skipped for closed incident", "incident_id", id, "status", inc.Status, "level", level)
		return
	}

	inc.Status = StatusEscalated
	inc.EscalatedTo = target
	if level > inc.EscalationLevel {
		inc.EscalationLevel = level
	}
	if err := l.incidents.Put(ctx, id, inc); err != nil {
		l.mu.Unlock()
		slog.Error("failed to store escalation", "incident_id", id, "error", err)
		return
	}
	l.mu.Unlock()

	l.escalationsFired.Add(1)
	slog.Warn("incident escalated",
		"incident_id", id,
		"level", level,
		"escalated_to", target,
		"stakeholders", len(targets),
	)

	l.emit(EventEscalated, &inc)
	l.deliver(targets, &inc)
}

// BuiltinThresholds returns the default alert thresholds.
func BuiltinThresholds() []AlertThreshold {
	return []AlertThreshold{
		{ID: "critical-threat-burst", Category: CategoryThreatDetection, Severity: SeverityCritical, WindowMinutes: 15, MaxCount: 3, Action: ThresholdEscalate},
		{ID: "high-threat-burst", Category: CategoryThreatDetection, Severity: SeverityHigh, WindowMinutes: 15, MaxCount: 10, Action: ThresholdAlert},
		{ID: "auth-failure-burst", Category: CategoryAuthentication, Severity: SeverityHigh, WindowMinutes: 10, MaxCount: 5, Action: ThresholdBlock},
		{ID: "fraud-critical", Category: CategoryFraud, Severity: SeverityCritical, WindowMinutes: 60, MaxCount: 1, Action: ThresholdAlert},
		{ID: "response-failures", Category: CategoryResponse, Severity: SeverityHigh, WindowMinutes: 60, MaxCount: 5, Action: ThresholdLog},
	}
}

// BuiltinEscalationPolicies returns the default escalation policies.
func BuiltinEscalationPolicies() []EscalationPolicy {
	return []EscalationPolicy{
		{
			ID:       "critical-threat",
			Category: CategoryThreatDetection,
			Severity: SeverityCritical,
			Levels: []EscalationLevel{
				{Level: 1, DelayMinutes: 15, Target: "security-oncall", Stakeholders: []string{"security-oncall"}},
				{Level: 2, DelayMinutes: 60, Target: "security-lead", Stakeholders: []string{"security-lead"}},
			},
		},
		{
			ID:       "high-threat",
			Category: CategoryThreatDetection,
			Severity: SeverityHigh,
			Levels: []EscalationLevel{
				{Level: 1, DelayMinutes: 60, Target: "security-oncall", Stakeholders: []string{"security-oncall"}},
			},
		},
		{
			ID:       "critical-fraud",
			Category: CategoryFraud,
			Severity: SeverityCritical,
			Levels: []EscalationLevel{
				{Level: 1, DelayMinutes: 30, Target: "fraud-team", Stakeholders: []string{"fraud-team"}},
			},
		},
	}
}
