// Package dashboard serves the operator overview consumed by the console.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"boundary-soar/internal/correlation"
	"boundary-soar/internal/entity"
	"boundary-soar/internal/incident"
	"boundary-soar/internal/pipeline"
	"boundary-soar/internal/response"
)

const topN = 5

// API aggregates component state into a single dashboard view.
type API struct {
	pipeline     *pipeline.Pipeline
	engine       *correlation.Engine
	orchestrator *response.Orchestrator
	ledger       *incident.Ledger
	now          func() time.Time
}

// Stats is the dashboard payload.
type Stats struct {
	Signals          pipeline.Stats    `json:"signals"`
	SignalsLastHour  int               `json:"signals_last_hour"`
	ActiveIncidents  int               `json:"active_incidents"`
	CriticalAlerts   int               `json:"critical_alerts"`
	HighAlerts       int               `json:"high_alerts"`
	MediumAlerts     int               `json:"medium_alerts"`
	LowAlerts        int               `json:"low_alerts"`
	ActiveBlocks     int               `json:"active_blocks"`
	ActiveLocks      int               `json:"active_locks"`
	PendingReviews   int               `json:"pending_reviews"`
	EnabledRules     int               `json:"enabled_rules"`
	Policies         int               `json:"policies"`
	ThreatLevel      string            `json:"threat_level"`
	TopThreatTypes   []ThreatTypeStats `json:"top_threat_types"`
	TopEntities      []entity.Entity   `json:"top_entities"`
	RecentIncidents  []IncidentBrief   `json:"recent_incidents"`
	RecentExecutions []ExecutionBrief  `json:"recent_executions"`
	LastUpdated      time.Time         `json:"last_updated"`
}

// ThreatTypeStats counts signals of one threat type in the last day.
type ThreatTypeStats struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// IncidentBrief provides brief incident information.
type IncidentBrief struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Severity  string    `json:"severity"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ExecutionBrief provides brief response execution information.
type ExecutionBrief struct {
	ID        string    `json:"id"`
	PolicyID  string    `json:"policy_id"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates the dashboard API.
func New(p *pipeline.Pipeline, e *correlation.Engine, o *response.Orchestrator, l *incident.Ledger) *API {
	return &API{pipeline: p, engine: e, orchestrator: o, ledger: l, now: time.Now}
}

// RegisterRoutes registers the dashboard route.
func (api *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/dashboard", api.handleStats)
}

func (api *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := api.Stats(r.Context())
	if err != nil {
		slog.Error("dashboard stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to collect dashboard statistics",
			"code":  "INTERNAL_ERROR",
		})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Stats collects the current dashboard statistics.
func (api *API) Stats(ctx context.Context) (*Stats, error) {
	now := api.now()
	stats := &Stats{
		Signals:     api.pipeline.Stats(),
		Policies:    len(api.orchestrator.Policies()),
		LastUpdated: now,
	}

	for _, rule := range api.engine.GetRules() {
		if rule.Enabled {
			stats.EnabledRules++
		}
	}

	counts := make(map[string]int)
	for _, sig := range api.pipeline.History().Since(now.Add(-24 * time.Hour)) {
		counts[string(sig.ThreatType)]++
		if !sig.Timestamp.Before(now.Add(-time.Hour)) {
			stats.SignalsLastHour++
		}
	}
	stats.TopThreatTypes = topThreatTypes(counts)

	entities, err := api.pipeline.Entities().List(ctx)
	if err != nil {
		return nil, err
	}
	if len(entities) > topN {
		entities = entities[:topN]
	}
	stats.TopEntities = entities

	active, err := api.ledger.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	stats.ActiveIncidents = len(active)
	for _, inc := range active {
		switch inc.Severity {
		case incident.SeverityCritical:
			stats.CriticalAlerts++
		case incident.SeverityHigh:
			stats.HighAlerts++
		case incident.SeverityMedium:
			stats.MediumAlerts++
		default:
			stats.LowAlerts++
		}
	}

	recent, err := api.ledger.List(ctx, incident.Filter{Limit: topN})
	if err != nil {
		return nil, err
	}
	for _, inc := range recent {
		stats.RecentIncidents = append(stats.RecentIncidents, IncidentBrief{
			ID:        inc.ID,
			Title:     inc.Title,
			Severity:  string(inc.Severity),
			Status:    string(inc.Status),
			CreatedAt: inc.Timestamp,
		})
	}

	execs, err := api.orchestrator.ListExecutions(ctx, response.ExecutionFilter{Limit: topN})
	if err != nil {
		return nil, err
	}
	for _, exec := range execs {
		stats.RecentExecutions = append(stats.RecentExecutions, ExecutionBrief{
			ID:        exec.ID,
			PolicyID:  exec.PolicyID,
			Action:    string(exec.Action),
			Status:    string(exec.Status),
			CreatedAt: exec.CreatedAt,
		})
	}

	enf := api.orchestrator.Enforcement()
	blocks, err := enf.ActiveBlocks(ctx)
	if err != nil {
		return nil, err
	}
	stats.ActiveBlocks = len(blocks)
	locks, err := enf.ActiveLocks(ctx)
	if err != nil {
		return nil, err
	}
	stats.ActiveLocks = len(locks)

	reviews, err := api.orchestrator.ListReviews(ctx, response.ReviewPending)
	if err != nil {
		return nil, err
	}
	stats.PendingReviews = len(reviews)

	stats.ThreatLevel = threatLevel(stats)
	return stats, nil
}

func topThreatTypes(counts map[string]int) []ThreatTypeStats {
	out := make([]ThreatTypeStats, 0, len(counts))
	for t, n := range counts {
		out = append(out, ThreatTypeStats{Type: t, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// threatLevel summarizes open incidents: any critical incident makes the
// level critical, any high one makes it high.
func threatLevel(s *Stats) string {
	switch {
	case s.CriticalAlerts > 0:
		return "critical"
	case s.HighAlerts > 0:
		return "high"
	case s.ActiveIncidents > 0 || s.ActiveBlocks > 0:
		return "medium"
	default:
		return "low"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}
