package signal

import (
	"testing"
	"time"
)

func validSignal() *ThreatSignal {
	return &ThreatSignal{
		ID:         "sig-1",
		ThreatType: ThreatCardTesting,
		Confidence: 0.75,
		RiskScore:  78,
		IPAddress:  "1.1.1.1",
		Timestamp:  time.Now().UTC(),
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		mutate  func(s *ThreatSignal)
		wantErr bool
	}{
		{"valid", func(s *ThreatSignal) {}, false},
		{"missing id", func(s *ThreatSignal) { s.ID = "" }, true},
		{"unknown threat type", func(s *ThreatSignal) { s.ThreatType = "alien_probe" }, true},
		{"confidence above one", func(s *ThreatSignal) { s.Confidence = 1.2 }, true},
		{"negative risk", func(s *ThreatSignal) { s.RiskScore = -1 }, true},
		{"risk above 100", func(s *ThreatSignal) { s.RiskScore = 101 }, true},
		{"bad ip", func(s *ThreatSignal) { s.IPAddress = "not-an-ip" }, true},
		{"no identifiers", func(s *ThreatSignal) { s.IPAddress = "" }, true},
		{"user only", func(s *ThreatSignal) { s.IPAddress = ""; s.UserID = "u-1" }, false},
		{"zero timestamp", func(s *ThreatSignal) { s.Timestamp = time.Time{} }, true},
		{"too old", func(s *ThreatSignal) { s.Timestamp = time.Now().Add(-8 * 24 * time.Hour) }, true},
		{"in future", func(s *ThreatSignal) { s.Timestamp = time.Now().Add(time.Hour) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSignal()
			tt.mutate(s)
			err := v.Validate(s)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestThreatSignal_IndicatorValues(t *testing.T) {
	s := ThreatSignal{Indicators: []string{"device:abc", "location:Berlin", "velocity", "device:"}}

	if got := s.Devices(); len(got) != 1 || got[0] != "abc" {
		t.Errorf("Devices() = %v, want [abc]", got)
	}
	if got := s.Locations(); len(got) != 1 || got[0] != "Berlin" {
		t.Errorf("Locations() = %v, want [Berlin]", got)
	}
}

func TestThreatSignal_EnsureID(t *testing.T) {
	s := ThreatSignal{}
	s.EnsureID()
	if s.ID == "" {
		t.Fatal("EnsureID() left id empty")
	}
	id := s.ID
	s.EnsureID()
	if s.ID != id {
		t.Errorf("EnsureID() replaced existing id %q with %q", id, s.ID)
	}
}

func TestHistory(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(time.Hour, 3)

	h.Add(ThreatSignal{ID: "b", Timestamp: base.Add(2 * time.Minute)})
	h.Add(ThreatSignal{ID: "a", Timestamp: base})
	h.Add(ThreatSignal{ID: "c", Timestamp: base.Add(4 * time.Minute)})

	snap := h.Snapshot()
	if len(snap) != 3 || snap[0].ID != "a" || snap[2].ID != "c" {
		t.Fatalf("Snapshot() = %v, want ordered a,b,c", snap)
	}

	if got := h.Since(base.Add(time.Minute)); len(got) != 2 {
		t.Errorf("Since() len = %d, want 2", len(got))
	}

	// length bound
	h.Add(ThreatSignal{ID: "d", Timestamp: base.Add(5 * time.Minute)})
	if h.Len() != 3 {
		t.Errorf("Len() = %d, want 3", h.Len())
	}

	// age bound
	h.Add(ThreatSignal{ID: "e", Timestamp: base.Add(2 * time.Hour)})
	if h.Len() != 1 {
		t.Errorf("Len() after age trim = %d, want 1", h.Len())
	}

	n := h.Count(base, func(s ThreatSignal) bool { return s.ID == "e" })
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}
