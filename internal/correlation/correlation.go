package correlation

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"boundary-soar/internal/incident"
	"boundary-soar/internal/signal"
)

// Correlation is a group of signals a rule judged to be one coordinated
// incident. It is not mutated after creation except LastUpdated and the
// escalation flag.
type Correlation struct {
	ID                 string             `json:"id"`
	RuleID             string             `json:"rule_id"`
	RuleName           string             `json:"rule_name"`
	Type               RuleType           `json:"type"`
	Severity           incident.Severity  `json:"severity"`
	SeverityScore      float64            `json:"severity_score"`
	Confidence         float64            `json:"confidence"`
	SignalIDs          []string           `json:"signal_ids"`
	RelatedEntities    RelatedEntities    `json:"related_entities"`
	Timeline           []CorrelationEvent `json:"timeline"`
	Patterns           []Pattern          `json:"patterns,omitempty"`
	Indicators         []Indicator        `json:"indicators,omitempty"`
	Recommendations    []string           `json:"recommendations,omitempty"`
	RequiresEscalation bool               `json:"requires_escalation"`
	IncidentID         string             `json:"incident_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	LastUpdated        time.Time          `json:"last_updated"`
}

// RelatedEntities is the union of identifiers across member signals.
type RelatedEntities struct {
	IPAddresses []string `json:"ip_addresses,omitempty"`
	UserIDs     []string `json:"user_ids,omitempty"`
	SessionIDs  []string `json:"session_ids,omitempty"`
	Devices     []string `json:"devices,omitempty"`
	Locations   []string `json:"locations,omitempty"`
}

// CorrelationEvent is one timeline entry.
type CorrelationEvent struct {
	SignalID   string            `json:"signal_id"`
	Timestamp  time.Time         `json:"timestamp"`
	ThreatType signal.ThreatType `json:"threat_type"`
	Confidence float64           `json:"confidence"`
	RiskScore  float64           `json:"risk_score"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
}

// Pattern is a structural observation over the timeline.
type Pattern struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Strength    float64 `json:"strength"`
}

// Indicator is an identifier repeated across member signals.
type Indicator struct {
	Type     string  `json:"type"`
	Value    string  `json:"value"`
	Count    int     `json:"count"`
	Severity float64 `json:"severity"`
}

const (
	PatternIncreasingSeverity = "increasing_severity"
	PatternMultiVector        = "multi_vector"

	escalationScore = 80
)

// Bucket maps a severity score onto a severity level.
func Bucket(score float64) incident.Severity {
	switch {
	case score >= 90:
		return incident.SeverityCritical
	case score >= 70:
		return incident.SeverityHigh
	case score >= 50:
		return incident.SeverityMedium
	default:
		return incident.SeverityLow
	}
}

// severityScore is 0.6*mean + 0.4*max of member risk scores.
func severityScore(members []signal.ThreatSignal) float64 {
	if len(members) == 0 {
		return 0
	}
	var sum, peak float64
	for _, m := range members {
		sum += m.RiskScore
		if m.RiskScore > peak {
			peak = m.RiskScore
		}
	}
	return 0.6*(sum/float64(len(members))) + 0.4*peak
}

// materialize builds a correlation from sorted members.
func materialize(rule *Rule, members []signal.ThreatSignal, confidence, score float64, now time.Time) *Correlation {
	c := &Correlation{
		ID:                 uuid.NewString(),
		RuleID:             rule.ID,
		RuleName:           rule.Name,
		Type:               rule.Type,
		Severity:           Bucket(score),
		SeverityScore:      score,
		Confidence:         confidence,
		RequiresEscalation: score >= escalationScore,
		CreatedAt:          now,
		LastUpdated:        now,
	}

	ips := newOrderedSet()
	users := newOrderedSet()
	sessions := newOrderedSet()
	devices := newOrderedSet()
	locations := newOrderedSet()
	for _, m := range members {
		c.SignalIDs = append(c.SignalIDs, m.ID)
		c.Timeline = append(c.Timeline, CorrelationEvent{
			SignalID:   m.ID,
			Timestamp:  m.Timestamp,
			ThreatType: m.ThreatType,
			Confidence: m.Confidence,
			RiskScore:  m.RiskScore,
			IPAddress:  m.IPAddress,
			UserID:     m.UserID,
		})
		ips.add(m.IPAddress)
		users.add(m.UserID)
		sessions.add(m.SessionID)
		for _, d := range m.Devices() {
			devices.add(d)
		}
		for _, l := range m.Locations() {
			locations.add(l)
		}
	}
	c.RelatedEntities = RelatedEntities{
		IPAddresses: ips.items,
		UserIDs:     users.items,
		SessionIDs:  sessions.items,
		Devices:     devices.items,
		Locations:   locations.items,
	}
	c.Patterns = detectPatterns(members)
	c.Indicators = repeatedIndicators(members)
	c.Recommendations = recommendations(rule, c)
	return c
}

func detectPatterns(members []signal.ThreatSignal) []Pattern {
	var patterns []Pattern

	increasing := len(members) > 1
	for i := 1; i < len(members) && increasing; i++ {
		if members[i].RiskScore <= members[i-1].RiskScore {
			increasing = false
		}
	}
	if increasing {
		patterns = append(patterns, Pattern{
			Type:        PatternIncreasingSeverity,
			Description: fmt.Sprintf("risk score rose from %.0f to %.0f", members[0].RiskScore, members[len(members)-1].RiskScore),
			Strength:    0.8,
		})
	}

	types := make(map[signal.ThreatType]struct{})
	for _, m := range members {
		types[m.ThreatType] = struct{}{}
	}
	if len(types) >= 2 {
		patterns = append(patterns, Pattern{
			Type:        PatternMultiVector,
			Description: fmt.Sprintf("%d distinct threat types", len(types)),
			Strength:    0.7,
		})
	}
	return patterns
}

func repeatedIndicators(members []signal.ThreatSignal) []Indicator {
	counts := map[[2]string]int{}
	for _, m := range members {
		if m.IPAddress != "" {
			counts[[2]string{"ip_address", m.IPAddress}]++
		}
		if m.UserID != "" {
			counts[[2]string{"user_id", m.UserID}]++
		}
	}

	var out []Indicator
	for k, n := range counts {
		if n < 2 {
			continue
		}
		out = append(out, Indicator{
			Type:     k[0],
			Value:    k[1],
			Count:    n,
			Severity: min(100, float64(n*25)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func recommendations(rule *Rule, c *Correlation) []string {
	var recs []string
	switch c.Severity {
	case incident.SeverityCritical:
		recs = append(recs, "Page the on-call responder and open a critical incident bridge")
	case incident.SeverityHigh:
		recs = append(recs, "Assign an analyst to investigate within the hour")
	}

	switch rule.Type {
	case RuleTypeCampaign, RuleTypeNetwork:
		if len(c.RelatedEntities.IPAddresses) > 1 {
			recs = append(recs, fmt.Sprintf("Block or rate-limit the %d source IPs involved", len(c.RelatedEntities.IPAddresses)))
		}
	case RuleTypeIdentity:
		recs = append(recs, "Force a password reset and revoke active sessions for affected users")
	case RuleTypeBehavioral:
		recs = append(recs, "Require step-up authentication for affected users")
	case RuleTypeTemporal:
		recs = append(recs, "Review activity outside business hours for affected accounts")
	case RuleTypeSpatial:
		recs = append(recs, "Verify the reported locations against known travel for affected users")
	}

	for _, p := range c.Patterns {
		switch p.Type {
		case PatternIncreasingSeverity:
			recs = append(recs, "Threat is escalating; consider immediate containment")
		case PatternMultiVector:
			recs = append(recs, "Multiple attack vectors observed; review all exposed surfaces")
		}
	}
	return recs
}

// incidentCategory picks the incident category from the dominant threat.
func incidentCategory(members []signal.ThreatSignal) incident.Category {
	for _, m := range members {
		switch m.ThreatType {
		case signal.ThreatCardTesting, signal.ThreatPaymentFraud:
			return incident.CategoryFraud
		case signal.ThreatCredentialStuffing, signal.ThreatBruteForce, signal.ThreatAccountTakeover:
			return incident.CategoryAuthentication
		}
	}
	return incident.CategoryThreatDetection
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]struct{}{}}
}

func (s *orderedSet) add(v string) {
	if v == "" {
		return
	}
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}
