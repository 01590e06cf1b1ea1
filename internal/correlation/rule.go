// Package correlation groups related threat signals into correlations using
// weighted, rule-based scoring over a recent-history window.
package correlation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleType classifies what a rule correlates on.
type RuleType string

const (
	RuleTypeSpatial    RuleType = "spatial"
	RuleTypeTemporal   RuleType = "temporal"
	RuleTypeBehavioral RuleType = "behavioral"
	RuleTypeNetwork    RuleType = "network"
	RuleTypeIdentity   RuleType = "identity"
	RuleTypeCampaign   RuleType = "campaign"
)

// Mode selects when a rule is evaluated.
type Mode string

const (
	// ModeSignal rules are evaluated against every new signal.
	ModeSignal Mode = "signal"
	// ModeSweep rules are evaluated only by the periodic sweep.
	ModeSweep Mode = "sweep"
)

// Condition fields.
const (
	FieldIPAddress  = "ip_address"
	FieldUserID     = "user_id"
	FieldSessionID  = "session_id"
	FieldThreatType = "threat_type"
	FieldTimeWindow = "time_window"
	FieldHourOfDay  = "hour_of_day"
	FieldConfidence = "confidence"
	FieldRiskScore  = "risk_score"
	FieldCount      = "count"
	FieldRate       = "rate"
)

// highWeight is the weight above which a condition must hold for every
// (candidate, signal) pair.
const highWeight = 0.5

// Rule is a correlation rule definition.
type Rule struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Type        RuleType    `yaml:"type" json:"type"`
	Mode        Mode        `yaml:"mode,omitempty" json:"mode,omitempty"`
	Enabled     bool        `yaml:"enabled" json:"enabled"`
	Conditions  []Condition `yaml:"conditions" json:"conditions"`
	Threshold   Threshold   `yaml:"threshold" json:"threshold"`
	Actions     RuleActions `yaml:"actions" json:"actions"`
	Tags        []string    `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Provenance, set when the rule is created or changed through the API.
	CreatedAt   time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt   time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
	ContentHash string    `yaml:"content_hash,omitempty" json:"content_hash,omitempty"`
}

// Threshold gates a rule match.
type Threshold struct {
	MinSignals        int     `yaml:"min_signals" json:"min_signals"`
	TimeWindowMinutes int     `yaml:"time_window_minutes" json:"time_window_minutes"`
	MinConfidence     float64 `yaml:"min_confidence" json:"min_confidence"`
	SeverityThreshold float64 `yaml:"severity_threshold" json:"severity_threshold"`
}

// Window returns the threshold time window.
func (t Threshold) Window() time.Duration {
	return time.Duration(t.TimeWindowMinutes) * time.Minute
}

// RuleActions are the side effects of a match.
type RuleActions struct {
	CreateIncident  bool     `yaml:"create_incident" json:"create_incident"`
	Notify          bool     `yaml:"notify" json:"notify"`
	TriggerResponse bool     `yaml:"trigger_response" json:"trigger_response"`
	ResponseActions []string `yaml:"response_actions,omitempty" json:"response_actions,omitempty"`
}

// Condition is a weighted predicate. Pair fields compare a candidate with
// the new signal; count and rate aggregate over the whole candidate set.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator string   `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    any      `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"`
	Weight   float64  `yaml:"weight" json:"weight"`
}

// IsAggregate reports whether the condition is evaluated over the candidate set.
func (c *Condition) IsAggregate() bool {
	return c.Field == FieldCount || c.Field == FieldRate
}

// IsHighWeight reports whether the condition filters candidates.
func (c *Condition) IsHighWeight() bool {
	return c.Weight > highWeight
}

var validOperators = map[string]map[string]bool{
	FieldIPAddress:  {"": true, "same": true, "eq": true, "different": true, "ne": true},
	FieldUserID:     {"": true, "same": true, "eq": true, "different": true, "ne": true},
	FieldSessionID:  {"": true, "same": true, "eq": true, "different": true, "ne": true},
	FieldThreatType: {"": true, "in": true, "not_in": true, "eq": true, "ne": true},
	FieldTimeWindow: {"": true, "within": true, "lte": true},
	FieldHourOfDay:  {"": true, "between": true},
	FieldConfidence: {"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true},
	FieldRiskScore:  {"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true},
	FieldCount:      {"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true},
	FieldRate:       {"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true},
}

// Validate validates a condition.
func (c *Condition) Validate() error {
	ops, ok := validOperators[c.Field]
	if !ok {
		return fmt.Errorf("unknown field: %q", c.Field)
	}
	if !ops[c.Operator] {
		return fmt.Errorf("invalid operator %q for field %s", c.Operator, c.Field)
	}
	if c.Weight < 0 || c.Weight > 1 {
		return fmt.Errorf("weight %v out of range [0,1]", c.Weight)
	}

	switch c.Field {
	case FieldThreatType:
		if (c.Operator == "in" || c.Operator == "not_in" || c.Operator == "") && len(c.Values) == 0 {
			return errors.New("values required for threat_type membership")
		}
		if (c.Operator == "eq" || c.Operator == "ne") && c.Value == nil {
			return errors.New("value required for threat_type comparison")
		}
	case FieldHourOfDay:
		if _, _, err := c.hourRange(); err != nil {
			return err
		}
	case FieldTimeWindow, FieldConfidence, FieldRiskScore, FieldCount, FieldRate:
		if _, ok := toFloat64(c.Value); !ok {
			return fmt.Errorf("numeric value required for %s", c.Field)
		}
	}
	return nil
}

func (c *Condition) hourRange() (int, int, error) {
	vals := c.Values
	if len(vals) == 0 {
		if list, ok := c.Value.([]any); ok {
			for _, v := range list {
				vals = append(vals, fmt.Sprintf("%v", v))
			}
		}
	}
	if len(vals) != 2 {
		return 0, 0, errors.New("hour_of_day requires [start, end] values")
	}
	start, err1 := strconv.Atoi(vals[0])
	end, err2 := strconv.Atoi(vals[1])
	if err1 != nil || err2 != nil || start < 0 || start > 23 || end < 0 || end > 23 {
		return 0, 0, fmt.Errorf("invalid hour_of_day range %v", vals)
	}
	return start, end, nil
}

// compare applies a numeric comparison operator.
func compare(op string, actual, expected float64) bool {
	switch op {
	case "eq":
		return actual == expected
	case "ne":
		return actual != expected
	case "gt":
		return actual > expected
	case "gte":
		return actual >= expected
	case "lt":
		return actual < expected
	case "lte":
		return actual <= expected
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Validate validates the rule configuration.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}

	switch r.Type {
	case RuleTypeSpatial, RuleTypeTemporal, RuleTypeBehavioral, RuleTypeNetwork, RuleTypeIdentity, RuleTypeCampaign:
	case "":
		return fmt.Errorf("rule type is required")
	default:
		return fmt.Errorf("unknown rule type: %s", r.Type)
	}

	switch r.Mode {
	case "", ModeSignal, ModeSweep:
	default:
		return fmt.Errorf("unknown rule mode: %s", r.Mode)
	}

	if r.Threshold.MinSignals < 2 {
		return fmt.Errorf("threshold min_signals must be at least 2")
	}
	if r.Threshold.TimeWindowMinutes <= 0 {
		return fmt.Errorf("threshold time_window_minutes must be positive")
	}
	if r.Threshold.MinConfidence < 0 || r.Threshold.MinConfidence > 1 {
		return fmt.Errorf("threshold min_confidence must be within [0,1]")
	}
	if r.Threshold.SeverityThreshold < 0 || r.Threshold.SeverityThreshold > 100 {
		return fmt.Errorf("threshold severity_threshold must be within [0,100]")
	}

	for i := range r.Conditions {
		if err := r.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// EffectiveMode returns the rule mode, defaulting to ModeSignal.
func (r *Rule) EffectiveMode() Mode {
	if r.Mode == "" {
		return ModeSignal
	}
	return r.Mode
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Conditions = append([]Condition(nil), r.Conditions...)
	for i := range c.Conditions {
		c.Conditions[i].Values = append([]string(nil), r.Conditions[i].Values...)
	}
	c.Actions.ResponseActions = append([]string(nil), r.Actions.ResponseActions...)
	c.Tags = append([]string(nil), r.Tags...)
	return &c
}

// ParseRule parses a rule from YAML (or JSON) bytes.
func ParseRule(data []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	return &rule, nil
}

// ParseRules parses a YAML list of rules, falling back to a single rule.
func ParseRules(data []byte) ([]*Rule, error) {
	var rules []*Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		rule, singleErr := ParseRule(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		return []*Rule{rule}, nil
	}

	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return rules, nil
}

// computeContentHash returns the hex SHA-256 of a rule definition.
func computeContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// stampProvenance sets timestamps and the content hash of a rule being
// created or replaced.
func stampProvenance(rule *Rule, previous *Rule, now time.Time) {
	rule.CreatedAt = now
	if previous != nil && !previous.CreatedAt.IsZero() {
		rule.CreatedAt = previous.CreatedAt
	}
	rule.UpdatedAt = now

	hashed := rule.Clone()
	hashed.CreatedAt, hashed.UpdatedAt, hashed.ContentHash = time.Time{}, time.Time{}, ""
	data, err := yaml.Marshal(hashed)
	if err == nil {
		rule.ContentHash = computeContentHash(data)
	}
}
