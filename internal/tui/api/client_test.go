package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"boundary-soar/internal/api/dashboard"
	"boundary-soar/internal/incident"
	"boundary-soar/internal/response"
)

func newTestServer(t *testing.T) (*httptest.Server, *[]*http.Request) {
	t.Helper()
	var seen []*http.Request
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(HealthResponse{Status: "unhealthy", Uptime: "5s", Checks: map[string]string{"redis": "unavailable"}})
	})
	mux.HandleFunc("GET /v1/dashboard", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r)
		json.NewEncoder(w).Encode(dashboard.Stats{ActiveIncidents: 2, ThreatLevel: "high"})
	})
	mux.HandleFunc("GET /v1/incidents", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r)
		json.NewEncoder(w).Encode(map[string]any{
			"incidents": []*incident.Incident{{ID: "inc-1", Severity: incident.SeverityHigh}},
			"total":     1,
		})
	})
	mux.HandleFunc("GET /v1/executions", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r)
		json.NewEncoder(w).Encode(map[string]any{
			"executions": []*response.Execution{{ID: "exec-1", Status: response.StatusExecuted}},
		})
	})
	mux.HandleFunc("GET /v1/blocks", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r)
		json.NewEncoder(w).Encode(map[string]any{"blocks": []response.IPBlock{{IP: "10.0.0.1", Active: true}}})
	})
	mux.HandleFunc("GET /v1/reviews", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "missing api key"})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &seen
}

func TestClient_GetHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	h, err := NewClient(ts.URL).GetHealth()
	if err != nil {
		t.Fatalf("GetHealth() error = %v", err)
	}
	if h.Healthy() {
		t.Error("Healthy() = true, want false")
	}
	if h.Checks["redis"] != "unavailable" {
		t.Errorf("Checks[redis] = %q, want unavailable", h.Checks["redis"])
	}
}

func TestClient_GetDashboard(t *testing.T) {
	ts, seen := newTestServer(t)
	c := NewClient(ts.URL, WithAPIKey("secret"))
	stats, err := c.GetDashboard()
	if err != nil {
		t.Fatalf("GetDashboard() error = %v", err)
	}
	if stats.ActiveIncidents != 2 || stats.ThreatLevel != "high" {
		t.Errorf("GetDashboard() = %+v", stats)
	}
	if got := (*seen)[0].Header.Get("X-API-Key"); got != "secret" {
		t.Errorf("X-API-Key = %q, want secret", got)
	}
}

func TestClient_GetIncidents(t *testing.T) {
	tests := []struct {
		name       string
		activeOnly bool
		limit      int
		wantQuery  string
	}{
		{"active", true, 0, "active=true"},
		{"limited", false, 50, "limit=50"},
		{"both", true, 10, "active=true&limit=10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, seen := newTestServer(t)
			list, err := NewClient(ts.URL).GetIncidents(tt.activeOnly, tt.limit)
			if err != nil {
				t.Fatalf("GetIncidents() error = %v", err)
			}
			if len(list) != 1 || list[0].ID != "inc-1" {
				t.Errorf("GetIncidents() = %v", list)
			}
			if got := (*seen)[0].URL.RawQuery; got != tt.wantQuery {
				t.Errorf("query = %q, want %q", got, tt.wantQuery)
			}
		})
	}
}

func TestClient_StatusError(t *testing.T) {
	ts, _ := newTestServer(t)
	c := NewClient(ts.URL)

	_, err := c.GetReviews()
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("GetReviews() error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusUnauthorized || se.Message != "missing api key" {
		t.Errorf("StatusError = %+v", se)
	}

	if _, err := c.GetResponses(5); !errors.As(err, &se) {
		t.Errorf("GetResponses() error = %v, want the reviews failure", err)
	}
}

func TestClient_GetExecutionsAndBlocks(t *testing.T) {
	ts, seen := newTestServer(t)
	c := NewClient(ts.URL)

	execs, err := c.GetExecutions(20)
	if err != nil {
		t.Fatalf("GetExecutions() error = %v", err)
	}
	if len(execs) != 1 || execs[0].Status != response.StatusExecuted {
		t.Errorf("GetExecutions() = %v", execs)
	}
	if got := (*seen)[0].URL.RawQuery; got != "limit=20" {
		t.Errorf("query = %q, want limit=20", got)
	}

	blocks, err := c.GetBlocks()
	if err != nil {
		t.Fatalf("GetBlocks() error = %v", err)
	}
	if len(blocks) != 1 || blocks[0].IP != "10.0.0.1" {
		t.Errorf("GetBlocks() = %v", blocks)
	}
}

func TestClient_ConnectionFailure(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", WithTimeout(200*time.Millisecond))
	if _, err := c.GetHealth(); err == nil {
		t.Error("GetHealth() error = nil, want connection failure")
	}
	if _, err := c.GetDashboard(); err == nil {
		t.Error("GetDashboard() error = nil, want connection failure")
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{-time.Minute, "0s"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatAge(now.Add(-tt.ago), now); got != tt.want {
				t.Errorf("FormatAge() = %q, want %q", got, tt.want)
			}
		})
	}
}
