package entity

import (
	"context"
	"testing"
	"time"

	"boundary-soar/internal/signal"
	"boundary-soar/internal/store"
)

func TestTracker_Observe(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(store.NewMemory[Entity]())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tr.Observe(ctx, signal.ThreatSignal{ID: "s1", RiskScore: 40, IPAddress: "1.1.1.1", UserID: "u1", Timestamp: base})
	tr.Observe(ctx, signal.ThreatSignal{ID: "s2", RiskScore: 80, IPAddress: "1.1.1.1", Timestamp: base.Add(time.Minute)})
	tr.Observe(ctx, signal.ThreatSignal{ID: "s3", RiskScore: 60, IPAddress: "1.1.1.1", SessionID: "sess", Timestamp: base.Add(2 * time.Minute)})

	ip, ok, err := tr.Get(ctx, KindIP, "1.1.1.1")
	if err != nil || !ok {
		t.Fatalf("Get(ip) ok = %v, err = %v", ok, err)
	}
	if ip.RiskScore != 80 {
		t.Errorf("RiskScore = %v, want 80 (max)", ip.RiskScore)
	}
	if len(ip.AssociatedSignalIDs) != 3 {
		t.Errorf("AssociatedSignalIDs = %v, want 3 ids", ip.AssociatedSignalIDs)
	}
	if !ip.LastSeen.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("LastSeen = %v, want %v", ip.LastSeen, base.Add(2*time.Minute))
	}
	if !ip.FirstSeen.Equal(base) {
		t.Errorf("FirstSeen = %v, want %v", ip.FirstSeen, base)
	}

	user, _, _ := tr.Get(ctx, KindUser, "u1")
	if user.RiskScore != 40 || user.SignalCount != 1 {
		t.Errorf("user entity = %+v, want risk 40 count 1", user)
	}

	if _, ok, _ := tr.Get(ctx, KindSession, "sess"); !ok {
		t.Error("session entity not created")
	}
}

func TestTracker_ListSortedByRisk(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(store.NewMemory[Entity]())
	now := time.Now()

	tr.Observe(ctx, signal.ThreatSignal{ID: "a", RiskScore: 30, IPAddress: "10.0.0.1", Timestamp: now})
	tr.Observe(ctx, signal.ThreatSignal{ID: "b", RiskScore: 90, IPAddress: "10.0.0.2", Timestamp: now})
	tr.Observe(ctx, signal.ThreatSignal{ID: "c", RiskScore: 60, UserID: "u", Timestamp: now})

	list, err := tr.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].RiskScore < list[i].RiskScore {
			t.Errorf("List() not sorted desc at %d: %v < %v", i, list[i-1].RiskScore, list[i].RiskScore)
		}
	}
	if list[0].Value != "10.0.0.2" {
		t.Errorf("List()[0] = %s, want 10.0.0.2", list[0].Value)
	}
}

func TestTracker_Sweep(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(store.NewMemory[Entity]())
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.Observe(ctx, signal.ThreatSignal{ID: "old", IPAddress: "1.1.1.1", Timestamp: now.Add(-48 * time.Hour)})
	tr.Observe(ctx, signal.ThreatSignal{ID: "new", IPAddress: "2.2.2.2", Timestamp: now.Add(-time.Hour)})

	removed, err := tr.Sweep(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep() removed = %d, want 1", removed)
	}
	if _, ok, _ := tr.Get(ctx, KindIP, "1.1.1.1"); ok {
		t.Error("stale entity survived sweep")
	}
	if _, ok, _ := tr.Get(ctx, KindIP, "2.2.2.2"); !ok {
		t.Error("fresh entity removed by sweep")
	}

	removed, _ = tr.Sweep(ctx, 24*time.Hour)
	if removed != 0 {
		t.Errorf("second Sweep() removed = %d, want 0", removed)
	}
}
