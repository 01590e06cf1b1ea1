// Package entity maintains a rolling risk aggregate for every identifier
// (IP address, user, session) seen across threat signals.
package entity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"boundary-soar/internal/signal"
	"boundary-soar/internal/store"
)

// Kind is the identifier type of an entity.
type Kind string

const (
	KindIP      Kind = "ip"
	KindUser    Kind = "user"
	KindSession Kind = "session"
)

// maxSignalIDs bounds the per-entity signal id list; older ids are dropped first.
const maxSignalIDs = 1000

// Entity is the tracked aggregate for one identifier.
type Entity struct {
	Kind                Kind      `json:"kind"`
	Value               string    `json:"value"`
	RiskScore           float64   `json:"risk_score"`
	FirstSeen           time.Time `json:"first_seen"`
	LastSeen            time.Time `json:"last_seen"`
	SignalCount         int       `json:"signal_count"`
	AssociatedSignalIDs []string  `json:"associated_signal_ids"`
}

// Key returns the store key for an entity.
func Key(kind Kind, value string) string {
	return string(kind) + ":" + value
}

// Tracker observes signals and keeps one Entity per identifier.
type Tracker struct {
	mu    sync.Mutex
	store store.Store[Entity]
	now   func() time.Time
}

// NewTracker creates a tracker over the given store.
func NewTracker(s store.Store[Entity]) *Tracker {
	return &Tracker{store: s, now: time.Now}
}

// Observe updates or creates the entity for each identifier set on sig.
func (t *Tracker) Observe(ctx context.Context, sig signal.ThreatSignal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for kind, value := range subjects(sig) {
		key := Key(kind, value)
		e, ok, err := t.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("entity: get %s: %w", key, err)
		}
		if !ok {
			e = Entity{Kind: kind, Value: value, FirstSeen: sig.Timestamp}
		}

		if sig.RiskScore > e.RiskScore {
			e.RiskScore = sig.RiskScore
		}
		if sig.Timestamp.After(e.LastSeen) {
			e.LastSeen = sig.Timestamp
		}
		e.SignalCount++

		ids := make([]string, 0, len(e.AssociatedSignalIDs)+1)
		ids = append(ids, e.AssociatedSignalIDs...)
		ids = append(ids, sig.ID)
		if len(ids) > maxSignalIDs {
			ids = ids[len(ids)-maxSignalIDs:]
		}
		e.AssociatedSignalIDs = ids

		if err := t.store.Put(ctx, key, e); err != nil {
			return fmt.Errorf("entity: put %s: %w", key, err)
		}
	}
	return nil
}

func subjects(sig signal.ThreatSignal) map[Kind]string {
	out := make(map[Kind]string, 3)
	if sig.IPAddress != "" {
		out[KindIP] = sig.IPAddress
	}
	if sig.UserID != "" {
		out[KindUser] = sig.UserID
	}
	if sig.SessionID != "" {
		out[KindSession] = sig.SessionID
	}
	return out
}

// Get returns a single entity.
func (t *Tracker) Get(ctx context.Context, kind Kind, value string) (Entity, bool, error) {
	return t.store.Get(ctx, Key(kind, value))
}

// List returns every entity sorted by risk score, highest first. Ties are
// broken by most recent sighting.
func (t *Tracker) List(ctx context.Context) ([]Entity, error) {
	entities, err := store.Collect(ctx, t.store)
	if err != nil {
		return nil, fmt.Errorf("entity: list: %w", err)
	}
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].RiskScore != entities[j].RiskScore {
			return entities[i].RiskScore > entities[j].RiskScore
		}
		return entities[i].LastSeen.After(entities[j].LastSeen)
	})
	return entities, nil
}

// Sweep removes entities whose last sighting is older than staleness and
// returns how many were removed.
func (t *Tracker) Sweep(ctx context.Context, staleness time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-staleness)
	var stale []string
	err := t.store.Range(ctx, func(key string, e Entity) bool {
		if e.LastSeen.Before(cutoff) {
			stale = append(stale, key)
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("entity: sweep: %w", err)
	}

	for _, key := range stale {
		if err := t.store.Delete(ctx, key); err != nil {
			return 0, fmt.Errorf("entity: delete %s: %w", key, err)
		}
	}

	if len(stale) > 0 {
		slog.Info("swept stale entities", "removed", len(stale), "staleness", staleness)
	}
	return len(stale), nil
}
