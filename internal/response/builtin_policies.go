package response

import (
	"boundary-soar/internal/incident"
	"boundary-soar/internal/signal"
)

// BuiltinPolicies returns the default response policies, at least one per
// threat type.
func BuiltinPolicies() []Policy {
	return []Policy{
		{
			ID:               "card_testing_block",
			Name:             "Block card testing sources",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatCardTesting, MinConfidence: 0.7, MinRiskScore: 70},
			Actions:          []ActionKind{ActionBlockIP, ActionNotifySecurity},
			Trigger:          TriggerImmediate,
			Severity:         incident.SeverityHigh,
			Active:           true,
		},
		{
			ID:               "credential_stuffing_challenge",
			Name:             "Challenge credential stuffing",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatCredentialStuffing, MinConfidence: 0.6, MinRiskScore: 50},
			Actions:          []ActionKind{ActionRateLimit, ActionCaptchaChallenge},
			Trigger:          TriggerImmediate,
			Severity:         incident.SeverityMedium,
			Active:           true,
		},
		{
			ID:          "credential_stuffing_block",
			Name:        "Block persistent credential stuffing",
			Description: "Fires once the same source has produced three qualifying signals in 15 minutes",
			TriggerCondition: TriggerCondition{
				ThreatType: signal.ThreatCredentialStuffing, MinConfidence: 0.8, MinRiskScore: 75,
				OccurrenceThreshold: 3, TimeWindowMinutes: 15,
			},
			Actions:  []ActionKind{ActionBlockIP, ActionNotifySecurity},
			Trigger:  TriggerImmediate,
			Severity: incident.SeverityHigh,
			Active:   true,
		},
		{
			ID:               "brute_force_lock",
			Name:             "Lock brute-forced accounts",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatBruteForce, MinConfidence: 0.7, MinRiskScore: 60},
			Actions:          []ActionKind{ActionLockAccount, ActionRateLimit},
			Trigger:          TriggerImmediate,
			Severity:         incident.SeverityHigh,
			Active:           true,
		},
		{
			ID:               "account_takeover_contain",
			Name:             "Contain account takeover",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatAccountTakeover, MinConfidence: 0.7, MinRiskScore: 70},
			Actions:          []ActionKind{ActionLogOutSessions, ActionRequireMFA, ActionNotifySecurity},
			Trigger:          TriggerImmediate,
			Severity:         incident.SeverityCritical,
			Active:           true,
		},
		{
			ID:               "bot_activity_challenge",
			Name:             "Challenge bots",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatBotActivity, MinConfidence: 0.6, MinRiskScore: 40},
			Actions:          []ActionKind{ActionCaptchaChallenge},
			Trigger:          TriggerImmediate,
			Severity:         incident.SeverityLow,
			Active:           true,
		},
		{
			ID:               "api_abuse_throttle",
			Name:             "Throttle API abuse",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatAPIAbuse, MinConfidence: 0.6, MinRiskScore: 50},
			Actions:          []ActionKind{ActionRateLimit, ActionDisableAPIKey},
			Trigger:          TriggerDelay5m,
			Severity:         incident.SeverityMedium,
			Active:           true,
		},
		{
			ID:               "scraping_throttle",
			Name:             "Throttle scrapers",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatScraping, MinConfidence: 0.6, MinRiskScore: 40},
			Actions:          []ActionKind{ActionRateLimit},
			Trigger:          TriggerDelay15m,
			Severity:         incident.SeverityLow,
			Active:           true,
		},
		{
			ID:               "payment_fraud_review",
			Name:             "Review payment fraud",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatPaymentFraud, MinConfidence: 0.7, MinRiskScore: 70},
			Actions:          []ActionKind{ActionQuarantineUser, ActionCreateTicket},
			Trigger:          TriggerManualReview,
			Severity:         incident.SeverityHigh,
			Active:           true,
		},
		{
			ID:               "sql_injection_block",
			Name:             "Block SQL injection sources",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatSQLInjection, MinConfidence: 0.8, MinRiskScore: 70},
			Actions:          []ActionKind{ActionBlockIP, ActionCreateTicket},
			Trigger:          TriggerImmediate,
			Severity:         incident.SeverityCritical,
			Active:           true,
		},
		{
			ID:               "xss_ticket",
			Name:             "Ticket XSS attempts",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatXSS, MinConfidence: 0.7, MinRiskScore: 50},
			Actions:          []ActionKind{ActionCreateTicket, ActionCaptchaChallenge},
			Trigger:          TriggerImmediate,
			Severity:         incident.SeverityMedium,
			Active:           true,
		},
		{
			ID:               "ddos_geo_block",
			Name:             "Geo-block DDoS origins",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatDDoS, MinConfidence: 0.9, MinRiskScore: 90},
			Actions:          []ActionKind{ActionBlockCountry, ActionNotifySecurity},
			Trigger:          TriggerManualReview,
			Severity:         incident.SeverityCritical,
			Active:           true,
		},
		{
			ID:               "anomalous_behavior_mfa",
			Name:             "Step up anomalous sessions",
			TriggerCondition: TriggerCondition{ThreatType: signal.ThreatAnomalousBehavior, MinConfidence: 0.6, MinRiskScore: 60},
			Actions:          []ActionKind{ActionRequireMFA},
			Trigger:          TriggerDelay1h,
			Severity:         incident.SeverityMedium,
			Active:           true,
		},
	}
}
