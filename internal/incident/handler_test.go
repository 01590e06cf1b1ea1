package incident

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestMux(t *testing.T) (*http.ServeMux, *testLedger) {
	t.Helper()
	tl := newTestLedger(t, Config{})
	mux := http.NewServeMux()
	NewHTTPHandler(tl.Ledger).RegisterRoutes(mux)
	return mux, tl
}

func do(mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHTTPHandler_IncidentLifecycle(t *testing.T) {
	mux, _ := newTestMux(t)

	w := do(mux, http.MethodPost, "/v1/incidents", threatParams(SeverityHigh))
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /v1/incidents status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body)
	}
	var inc Incident
	json.Unmarshal(w.Body.Bytes(), &inc)

	w = do(mux, http.MethodGet, "/v1/incidents/"+inc.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET incident status = %d, want %d", w.Code, http.StatusOK)
	}

	w = do(mux, http.MethodPatch, "/v1/incidents/"+inc.ID, map[string]any{"status": "resolved"})
	if w.Code != http.StatusConflict {
		t.Errorf("PATCH resolve without time status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = do(mux, http.MethodPatch, "/v1/incidents/"+inc.ID, map[string]any{
		"status":          "resolved",
		"resolution_time": time.Now().UTC().Format(time.RFC3339),
	})
	if w.Code != http.StatusOK {
		t.Errorf("PATCH resolve status = %d, want %d: %s", w.Code, http.StatusOK, w.Body)
	}

	w = do(mux, http.MethodGet, "/v1/incidents?active=true", nil)
	var list struct {
		Total int `json:"total"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Total != 0 {
		t.Errorf("active total = %d, want 0", list.Total)
	}

	w = do(mux, http.MethodGet, "/v1/incidents/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET missing status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHTTPHandler_BadCreate(t *testing.T) {
	mux, _ := newTestMux(t)

	w := do(mux, http.MethodPost, "/v1/incidents", map[string]any{"title": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandler_MetricsAndReport(t *testing.T) {
	mux, _ := newTestMux(t)
	do(mux, http.MethodPost, "/v1/incidents", threatParams(SeverityCritical))

	w := do(mux, http.MethodGet, "/v1/incidents/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	var m Metrics
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.Total != 1 {
		t.Errorf("metrics total = %d, want 1", m.Total)
	}

	w = do(mux, http.MethodGet, "/v1/incidents/report?period=7d", nil)
	if w.Code != http.StatusOK {
		t.Errorf("report status = %d", w.Code)
	}

	w = do(mux, http.MethodGet, "/v1/incidents/report?period=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad period status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandler_AdminConfig(t *testing.T) {
	mux, tl := newTestMux(t)

	w := do(mux, http.MethodPut, "/v1/thresholds/burst", AlertThreshold{
		Category: CategoryFraud, Severity: SeverityHigh, WindowMinutes: 5, MaxCount: 2, Action: ThresholdLog,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("PUT threshold status = %d: %s", w.Code, w.Body)
	}
	// idempotent by id
	do(mux, http.MethodPut, "/v1/thresholds/burst", AlertThreshold{
		Category: CategoryFraud, Severity: SeverityHigh, WindowMinutes: 5, MaxCount: 3, Action: ThresholdLog,
	})
	if th := tl.Thresholds(); len(th) != 1 || th[0].MaxCount != 3 {
		t.Errorf("Thresholds() = %+v, want single updated threshold", th)
	}

	w = do(mux, http.MethodPut, "/v1/thresholds/bad", AlertThreshold{Category: CategoryFraud})
	if w.Code != http.StatusBadRequest {
		t.Errorf("PUT invalid threshold status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = do(mux, http.MethodPut, "/v1/escalations/p1", EscalationPolicy{
		Category: CategoryFraud, Severity: SeverityCritical,
		Levels: []EscalationLevel{{Level: 1, DelayMinutes: 5}},
	})
	if w.Code != http.StatusOK {
		t.Errorf("PUT escalation status = %d: %s", w.Code, w.Body)
	}

	w = do(mux, http.MethodPut, "/v1/stakeholders/soc", Stakeholder{Name: "SOC"})
	if w.Code != http.StatusOK {
		t.Errorf("PUT stakeholder status = %d", w.Code)
	}
	w = do(mux, http.MethodDelete, "/v1/stakeholders/soc", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("DELETE stakeholder status = %d", w.Code)
	}
	w = do(mux, http.MethodDelete, "/v1/thresholds/burst", nil)
	if w.Code != http.StatusNoContent || len(tl.Thresholds()) != 0 {
		t.Errorf("DELETE threshold status = %d, remaining %d", w.Code, len(tl.Thresholds()))
	}
}
