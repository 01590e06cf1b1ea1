package dashboard

import (
	"testing"
)

func TestThreatLevel(t *testing.T) {
	tests := []struct {
		name  string
		stats Stats
		want  string
	}{
		{"quiet", Stats{}, "low"},
		{"block only", Stats{ActiveBlocks: 1}, "medium"},
		{"medium incident", Stats{ActiveIncidents: 1, MediumAlerts: 1}, "medium"},
		{"high", Stats{ActiveIncidents: 2, HighAlerts: 1, LowAlerts: 1}, "high"},
		{"critical wins", Stats{ActiveIncidents: 2, CriticalAlerts: 1, HighAlerts: 1}, "critical"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := threatLevel(&tt.stats); got != tt.want {
				t.Errorf("threatLevel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTopThreatTypes(t *testing.T) {
	counts := map[string]int{
		"card_testing":        9,
		"brute_force":         4,
		"credential_stuffing": 4,
		"account_takeover":    2,
		"bot_activity":        1,
		"geo_anomaly":         1,
		"rate_abuse":          7,
	}
	got := topThreatTypes(counts)
	if len(got) != topN {
		t.Fatalf("len(topThreatTypes()) = %d, want %d", len(got), topN)
	}
	want := []string{"card_testing", "rate_abuse", "brute_force", "credential_stuffing", "account_takeover"}
	for i, w := range want {
		if got[i].Type != w {
			t.Errorf("topThreatTypes()[%d] = %s, want %s", i, got[i].Type, w)
		}
	}
	if got[0].Count != 9 {
		t.Errorf("topThreatTypes()[0].Count = %d, want 9", got[0].Count)
	}

	if out := topThreatTypes(nil); len(out) != 0 {
		t.Errorf("topThreatTypes(nil) = %v, want empty", out)
	}
}
