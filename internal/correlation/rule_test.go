package correlation

import (
	"testing"
	"time"

	"boundary-soar/internal/signal"
)

func TestCondition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cond    Condition
		wantErr bool
	}{
		{"same ip", Condition{Field: FieldIPAddress, Operator: "same", Weight: 0.9}, false},
		{"threat type in", Condition{Field: FieldThreatType, Operator: "in", Values: []string{"xss"}, Weight: 0.5}, false},
		{"threat type in without values", Condition{Field: FieldThreatType, Operator: "in", Weight: 0.5}, true},
		{"hour range", Condition{Field: FieldHourOfDay, Operator: "between", Values: []string{"22", "4"}, Weight: 1}, false},
		{"hour out of range", Condition{Field: FieldHourOfDay, Values: []string{"22", "24"}, Weight: 1}, true},
		{"count", Condition{Field: FieldCount, Operator: "gte", Value: 5, Weight: 0.5}, false},
		{"count non numeric", Condition{Field: FieldCount, Operator: "gte", Value: "many", Weight: 0.5}, true},
		{"unknown field", Condition{Field: "actor.name", Operator: "eq", Value: "x"}, true},
		{"bad operator", Condition{Field: FieldRiskScore, Operator: "contains", Value: 5}, true},
		{"weight too large", Condition{Field: FieldUserID, Weight: 1.5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cond.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHourWithin(t *testing.T) {
	tests := []struct {
		hour, start, end int
		want             bool
	}{
		{3, 0, 5, true},
		{6, 0, 5, false},
		{23, 22, 4, true},
		{2, 22, 4, true},
		{12, 22, 4, false},
	}

	for _, tt := range tests {
		if got := hourWithin(tt.hour, tt.start, tt.end); got != tt.want {
			t.Errorf("hourWithin(%d, %d, %d) = %v, want %v", tt.hour, tt.start, tt.end, got, tt.want)
		}
	}
}

func TestCondition_MatchAggregate(t *testing.T) {
	rate := Condition{Field: FieldRate, Operator: "gte", Value: 0.5}
	if ok, _ := rate.matchAggregate(5, 10*time.Minute); !ok {
		t.Error("5 signals in 10 minutes should satisfy rate >= 0.5")
	}
	if ok, _ := rate.matchAggregate(4, 10*time.Minute); ok {
		t.Error("4 signals in 10 minutes should not satisfy rate >= 0.5")
	}

	count := Condition{Field: FieldCount, Operator: "lt", Value: 3}
	if ok, _ := count.matchAggregate(2, time.Minute); !ok {
		t.Error("count 2 should satisfy count < 3")
	}
}

func TestCondition_MatchPair(t *testing.T) {
	a := signal.ThreatSignal{ThreatType: signal.ThreatBruteForce, IPAddress: "10.0.0.1", UserID: "u1", RiskScore: 80, Timestamp: base}
	b := signal.ThreatSignal{ThreatType: signal.ThreatXSS, IPAddress: "10.0.0.1", RiskScore: 40, Timestamp: base.Add(20 * time.Minute)}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"same ip", Condition{Field: FieldIPAddress, Operator: "same"}, true},
		{"different ip", Condition{Field: FieldIPAddress, Operator: "different"}, false},
		{"same user missing on one side", Condition{Field: FieldUserID, Operator: "same"}, false},
		{"within 30 minutes", Condition{Field: FieldTimeWindow, Operator: "within", Value: 30}, true},
		{"within 10 minutes", Condition{Field: FieldTimeWindow, Operator: "within", Value: 10}, false},
		{"both in set", Condition{Field: FieldThreatType, Operator: "in", Values: []string{"brute_force", "xss"}}, true},
		{"one not in set", Condition{Field: FieldThreatType, Operator: "in", Values: []string{"brute_force"}}, false},
		{"risk on both", Condition{Field: FieldRiskScore, Operator: "gte", Value: 30}, true},
		{"risk fails on one", Condition{Field: FieldRiskScore, Operator: "gte", Value: 50}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.matchPair(a, b)
			if err != nil {
				t.Fatalf("matchPair() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("matchPair() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRules(t *testing.T) {
	single := []byte(`id: one
name: One
type: network
enabled: true
conditions:
  - field: ip_address
    operator: same
    weight: 0.9
threshold:
  min_signals: 2
  time_window_minutes: 5
`)
	rules, err := ParseRules(single)
	if err != nil {
		t.Fatalf("ParseRules(single) error = %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "one" {
		t.Errorf("ParseRules(single) = %v", rules)
	}

	if _, err := ParseRule([]byte("id: x\nname: X\ntype: bogus\nthreshold: {min_signals: 2, time_window_minutes: 1}")); err == nil {
		t.Error("ParseRule() accepted unknown rule type")
	}
}

func TestBuiltinRulesValid(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range BuiltinRules() {
		if err := r.Validate(); err != nil {
			t.Errorf("builtin rule %s invalid: %v", r.ID, err)
		}
		if seen[r.ID] {
			t.Errorf("duplicate builtin rule id %s", r.ID)
		}
		seen[r.ID] = true
	}
}
