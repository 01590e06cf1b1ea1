// Package signal defines the threat signal consumed by the correlation and
// response pipeline, together with its validation rules and a bounded,
// time-ordered history of recently observed signals.
package signal

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ThreatType classifies a signal. The set is closed; unknown types are
// rejected by the Validator.
type ThreatType string

const (
	ThreatCardTesting        ThreatType = "card_testing"
	ThreatCredentialStuffing ThreatType = "credential_stuffing"
	ThreatBruteForce         ThreatType = "brute_force"
	ThreatAccountTakeover    ThreatType = "account_takeover"
	ThreatBotActivity        ThreatType = "bot_activity"
	ThreatAPIAbuse           ThreatType = "api_abuse"
	ThreatScraping           ThreatType = "scraping"
	ThreatPaymentFraud       ThreatType = "payment_fraud"
	ThreatSQLInjection       ThreatType = "sql_injection"
	ThreatXSS                ThreatType = "xss"
	ThreatDDoS               ThreatType = "ddos"
	ThreatAnomalousBehavior  ThreatType = "anomalous_behavior"
)

// ThreatTypes lists every known threat type.
var ThreatTypes = []ThreatType{
	ThreatCardTesting,
	ThreatCredentialStuffing,
	ThreatBruteForce,
	ThreatAccountTakeover,
	ThreatBotActivity,
	ThreatAPIAbuse,
	ThreatScraping,
	ThreatPaymentFraud,
	ThreatSQLInjection,
	ThreatXSS,
	ThreatDDoS,
	ThreatAnomalousBehavior,
}

// IsValid reports whether t is a known threat type.
func (t ThreatType) IsValid() bool {
	for _, known := range ThreatTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Indicator prefixes that carry structured entity data inside Indicators.
const (
	DevicePrefix   = "device:"
	LocationPrefix = "location:"
)

// ThreatSignal is a single classified threat observation produced upstream.
// Signals are treated as immutable once accepted.
type ThreatSignal struct {
	ID         string     `json:"id" validate:"required,max=128"`
	ThreatType ThreatType `json:"threat_type" validate:"required,threat_type"`
	Confidence float64    `json:"confidence" validate:"gte=0,lte=1"`
	RiskScore  float64    `json:"risk_score" validate:"gte=0,lte=100"`
	UserID     string     `json:"user_id,omitempty" validate:"max=256"`
	IPAddress  string     `json:"ip_address,omitempty" validate:"omitempty,ip"`
	SessionID  string     `json:"session_id,omitempty" validate:"max=256"`
	Timestamp  time.Time  `json:"timestamp" validate:"required"`
	Indicators []string   `json:"indicators,omitempty" validate:"max=64,dive,max=512"`
}

// EnsureID assigns a random id when the producer did not supply one.
func (s *ThreatSignal) EnsureID() {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
}

// Devices returns the device identifiers carried in the indicators.
func (s ThreatSignal) Devices() []string {
	return s.indicatorValues(DevicePrefix)
}

// Locations returns the location identifiers carried in the indicators.
func (s ThreatSignal) Locations() []string {
	return s.indicatorValues(LocationPrefix)
}

func (s ThreatSignal) indicatorValues(prefix string) []string {
	var out []string
	for _, ind := range s.Indicators {
		if v, ok := strings.CutPrefix(ind, prefix); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}
