package correlation

// BuiltinRules returns the built-in correlation rules.
func BuiltinRules() []*Rule {
	return []*Rule{
		// Campaigns across many sources
		DistributedAttackCampaignRule(),
		CredentialStuffingWaveRule(),
		MultiVectorCampaignRule(),

		// Single actor
		AccountTakeoverChainRule(),
		EscalatingThreatSameIPRule(),

		// Time of day
		NightTimeAbuseRule(),
	}
}

// DistributedAttackCampaignRule detects the same attack family arriving from
// many different addresses within an hour.
func DistributedAttackCampaignRule() *Rule {
	return &Rule{
		ID:          "distributed_attack_campaign",
		Name:        "Distributed Attack Campaign",
		Description: "Automated attack signals of one family from multiple sources",
		Type:        RuleTypeCampaign,
		Enabled:     true,
		Tags:        []string{"campaign", "distributed", "automation"},
		Conditions: []Condition{
			{Field: FieldThreatType, Operator: "in", Values: []string{"card_testing", "credential_stuffing", "brute_force", "bot_activity", "api_abuse"}, Weight: 0.9},
			{Field: FieldTimeWindow, Operator: "within", Value: 60, Weight: 0.3},
			{Field: FieldIPAddress, Operator: "different", Weight: 0.3},
			{Field: FieldCount, Operator: "gte", Value: 3, Weight: 0.5},
		},
		Threshold: Threshold{
			MinSignals:        3,
			TimeWindowMinutes: 60,
			MinConfidence:     0.6,
			SeverityThreshold: 60,
		},
		Actions: RuleActions{
			CreateIncident: true,
			Notify:         true,
		},
	}
}

// CredentialStuffingWaveRule detects bursts of credential attacks.
func CredentialStuffingWaveRule() *Rule {
	return &Rule{
		ID:          "credential_stuffing_wave",
		Name:        "Credential Stuffing Wave",
		Description: "High rate of credential attack signals in a short window",
		Type:        RuleTypeNetwork,
		Enabled:     true,
		Tags:        []string{"authentication", "credential-stuffing"},
		Conditions: []Condition{
			{Field: FieldThreatType, Operator: "in", Values: []string{"credential_stuffing", "brute_force"}, Weight: 0.9},
			{Field: FieldConfidence, Operator: "gte", Value: 0.5, Weight: 0.6},
			{Field: FieldRate, Operator: "gte", Value: 0.5, Weight: 0.4},
		},
		Threshold: Threshold{
			MinSignals:        5,
			TimeWindowMinutes: 10,
			MinConfidence:     0.6,
			SeverityThreshold: 50,
		},
		Actions: RuleActions{
			CreateIncident:  true,
			Notify:          true,
			TriggerResponse: true,
			ResponseActions: []string{"rate_limit", "captcha_challenge"},
		},
	}
}

// AccountTakeoverChainRule detects several threat signals against one user.
func AccountTakeoverChainRule() *Rule {
	return &Rule{
		ID:          "account_takeover_chain",
		Name:        "Account Takeover Chain",
		Description: "Credential attack followed by takeover indicators for the same user",
		Type:        RuleTypeIdentity,
		Enabled:     true,
		Tags:        []string{"identity", "account-takeover"},
		Conditions: []Condition{
			{Field: FieldUserID, Operator: "same", Weight: 0.9},
			{Field: FieldThreatType, Operator: "in", Values: []string{"credential_stuffing", "brute_force", "account_takeover", "anomalous_behavior"}, Weight: 0.4},
			{Field: FieldRiskScore, Operator: "gte", Value: 50, Weight: 0.3},
		},
		Threshold: Threshold{
			MinSignals:        2,
			TimeWindowMinutes: 30,
			MinConfidence:     0.7,
			SeverityThreshold: 60,
		},
		Actions: RuleActions{
			CreateIncident:  true,
			Notify:          true,
			TriggerResponse: true,
			ResponseActions: []string{"lock_account", "log_out_sessions"},
		},
	}
}

// EscalatingThreatSameIPRule detects repeated signals from one address.
func EscalatingThreatSameIPRule() *Rule {
	return &Rule{
		ID:          "escalating_threat_same_ip",
		Name:        "Escalating Threat From Single IP",
		Description: "Repeated threat signals from the same source address",
		Type:        RuleTypeBehavioral,
		Enabled:     true,
		Tags:        []string{"network", "repeat-offender"},
		Conditions: []Condition{
			{Field: FieldIPAddress, Operator: "same", Weight: 0.9},
			{Field: FieldTimeWindow, Operator: "within", Value: 15, Weight: 0.6},
			{Field: FieldRiskScore, Operator: "gte", Value: 40, Weight: 0.2},
		},
		Threshold: Threshold{
			MinSignals:        3,
			TimeWindowMinutes: 15,
			MinConfidence:     0.7,
			SeverityThreshold: 55,
		},
		Actions: RuleActions{
			CreateIncident: true,
		},
	}
}

// NightTimeAbuseRule detects clusters of signals in the early-morning hours (UTC).
func NightTimeAbuseRule() *Rule {
	return &Rule{
		ID:          "night_time_abuse",
		Name:        "Night Time Abuse",
		Description: "Cluster of threat signals between 00:00 and 05:59 UTC",
		Type:        RuleTypeTemporal,
		Enabled:     true,
		Tags:        []string{"temporal", "off-hours"},
		Conditions: []Condition{
			{Field: FieldHourOfDay, Operator: "between", Values: []string{"0", "5"}, Weight: 0.9},
			{Field: FieldRiskScore, Operator: "gte", Value: 50, Weight: 0.3},
		},
		Threshold: Threshold{
			MinSignals:        4,
			TimeWindowMinutes: 60,
			MinConfidence:     0.7,
			SeverityThreshold: 50,
		},
		Actions: RuleActions{
			CreateIncident: true,
		},
	}
}

// MultiVectorCampaignRule is evaluated by the periodic sweep and looks for
// high-risk activity spanning several threat families.
func MultiVectorCampaignRule() *Rule {
	return &Rule{
		ID:          "multi_vector_campaign",
		Name:        "Multi-Vector Campaign",
		Description: "High-risk signals of several threat types in the same hour",
		Type:        RuleTypeCampaign,
		Mode:        ModeSweep,
		Enabled:     true,
		Tags:        []string{"campaign", "multi-vector"},
		Conditions: []Condition{
			{Field: FieldRiskScore, Operator: "gte", Value: 60, Weight: 0.9},
			{Field: FieldCount, Operator: "gte", Value: 5, Weight: 0.6},
		},
		Threshold: Threshold{
			MinSignals:        5,
			TimeWindowMinutes: 60,
			MinConfidence:     0.6,
			SeverityThreshold: 65,
		},
		Actions: RuleActions{
			CreateIncident: true,
			Notify:         true,
		},
	}
}
