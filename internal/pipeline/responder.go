package pipeline

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"boundary-soar/internal/response"
	"boundary-soar/internal/signal"
)

// onceResponder forwards each signal to the orchestrator at most once, so a
// signal handled directly is not scheduled again when a correlation it is a
// member of triggers a response.
type onceResponder struct {
	orchestrator *response.Orchestrator
	handled      *lru.Cache[string, struct{}]
}

func newOnceResponder(o *response.Orchestrator, size int) (*onceResponder, error) {
	handled, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create responder cache: %w", err)
	}
	return &onceResponder{orchestrator: o, handled: handled}, nil
}

// Handle implements correlation.Responder.
func (r *onceResponder) Handle(ctx context.Context, sig signal.ThreatSignal) []string {
	if found, _ := r.handled.ContainsOrAdd(sig.ID, struct{}{}); found {
		return nil
	}
	return r.orchestrator.Handle(ctx, sig)
}

// historyGate counts qualifying signals for the same subject within the
// policy's time window.
type historyGate struct {
	history *signal.History
}

// Allow implements response.OccurrenceGate.
func (g *historyGate) Allow(_ context.Context, p *response.Policy, sig signal.ThreatSignal) bool {
	tc := p.TriggerCondition
	since := sig.Timestamp.Add(-time.Duration(tc.TimeWindowMinutes) * time.Minute)
	n := g.history.Count(since, func(s signal.ThreatSignal) bool {
		return s.ThreatType == tc.ThreatType &&
			s.Confidence >= tc.MinConfidence &&
			s.RiskScore >= tc.MinRiskScore &&
			!s.Timestamp.After(sig.Timestamp) &&
			sameSubject(s, sig)
	})
	return n >= tc.OccurrenceThreshold
}

func sameSubject(a, b signal.ThreatSignal) bool {
	switch {
	case b.IPAddress != "":
		return a.IPAddress == b.IPAddress
	case b.UserID != "":
		return a.UserID == b.UserID
	default:
		return a.SessionID != "" && a.SessionID == b.SessionID
	}
}
