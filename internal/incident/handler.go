package incident

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apperrors "boundary-soar/internal/errors"
)

// HTTPHandler exposes the ledger over HTTP.
type HTTPHandler struct {
	ledger *Ledger
}

// NewHTTPHandler creates a new incident handler.
func NewHTTPHandler(ledger *Ledger) *HTTPHandler {
	return &HTTPHandler{ledger: ledger}
}

// RegisterRoutes registers incident routes on the given mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/incidents", h.HandleList)
	mux.HandleFunc("POST /v1/incidents", h.HandleCreate)
	mux.HandleFunc("GET /v1/incidents/metrics", h.HandleMetrics)
	mux.HandleFunc("GET /v1/incidents/report", h.HandleReport)
	mux.HandleFunc("GET /v1/incidents/{id}", h.HandleGet)
	mux.HandleFunc("PATCH /v1/incidents/{id}", h.HandleUpdate)

	mux.HandleFunc("GET /v1/thresholds", h.HandleListThresholds)
	mux.HandleFunc("PUT /v1/thresholds/{id}", h.HandlePutThreshold)
	mux.HandleFunc("DELETE /v1/thresholds/{id}", h.HandleDeleteThreshold)

	mux.HandleFunc("GET /v1/escalations", h.HandleListEscalations)
	mux.HandleFunc("PUT /v1/escalations/{id}", h.HandlePutEscalation)
	mux.HandleFunc("DELETE /v1/escalations/{id}", h.HandleDeleteEscalation)

	mux.HandleFunc("GET /v1/stakeholders", h.HandleListStakeholders)
	mux.HandleFunc("PUT /v1/stakeholders/{id}", h.HandlePutStakeholder)
	mux.HandleFunc("DELETE /v1/stakeholders/{id}", h.HandleDeleteStakeholder)
}

// HandleList handles GET /v1/incidents requests.
func (h *HTTPHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("active") == "true" {
		incidents, err := h.ledger.ListActive(r.Context())
		if err != nil {
			slog.Error("failed to list active incidents", "error", err)
			writeError(w, http.StatusInternalServerError, "list_error", "failed to list incidents")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents, "total": len(incidents)})
		return
	}

	filter := Filter{Limit: 100}
	if v := q.Get("category"); v != "" {
		c := Category(v)
		filter.Category = &c
	}
	if v := q.Get("severity"); v != "" {
		s := Severity(v)
		filter.Severity = &s
	}
	if v := q.Get("status"); v != "" {
		s := Status(v)
		filter.Status = &s
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	incidents, err := h.ledger.List(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list incidents", "error", err)
		writeError(w, http.StatusInternalServerError, "list_error", "failed to list incidents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents, "total": len(incidents)})
}

// HandleCreate handles POST /v1/incidents requests.
func (h *HTTPHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var p Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	if p.Source == "" {
		p.Source = "api"
	}

	inc, err := h.ledger.Create(r.Context(), p)
	if err != nil {
		if errors.Is(err, ErrInvalidParams) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		slog.Error("failed to create incident", "error", err)
		writeError(w, http.StatusInternalServerError, "create_error", "failed to create incident")
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

// HandleGet handles GET /v1/incidents/{id} requests.
func (h *HTTPHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	inc, err := h.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "incident not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get_error", "failed to load incident")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// HandleUpdate handles PATCH /v1/incidents/{id} requests.
func (h *HTTPHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var p Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}

	inc, err := h.ledger.Update(r.Context(), r.PathValue("id"), p)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, inc)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "incident not found")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrResolutionTime), errors.Is(err, ErrInvalidParams):
		writeError(w, http.StatusConflict, "invalid_update", err.Error())
	default:
		slog.Error("failed to update incident", "error", err)
		writeError(w, http.StatusInternalServerError, "update_error", "failed to update incident")
	}
}

// HandleMetrics handles GET /v1/incidents/metrics requests.
func (h *HTTPHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.ledger.Metrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "metrics_error", "failed to compute metrics")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleReport handles GET /v1/incidents/report?period=7d requests.
func (h *HTTPHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	period, err := ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_period", err.Error())
		return
	}
	report, err := h.ledger.Report(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "report_error", "failed to build report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleListThresholds handles GET /v1/thresholds requests.
func (h *HTTPHandler) HandleListThresholds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"thresholds": h.ledger.Thresholds()})
}

// HandlePutThreshold handles PUT /v1/thresholds/{id} requests.
func (h *HTTPHandler) HandlePutThreshold(w http.ResponseWriter, r *http.Request) {
	var t AlertThreshold
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	t.ID = r.PathValue("id")
	if err := h.ledger.PutThreshold(t); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// HandleDeleteThreshold handles DELETE /v1/thresholds/{id} requests.
func (h *HTTPHandler) HandleDeleteThreshold(w http.ResponseWriter, r *http.Request) {
	h.ledger.RemoveThreshold(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// HandleListEscalations handles GET /v1/escalations requests.
func (h *HTTPHandler) HandleListEscalations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": h.ledger.EscalationPolicies()})
}

// HandlePutEscalation handles PUT /v1/escalations/{id} requests.
func (h *HTTPHandler) HandlePutEscalation(w http.ResponseWriter, r *http.Request) {
	var p EscalationPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	p.ID = r.PathValue("id")
	if err := h.ledger.PutEscalationPolicy(p); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleDeleteEscalation handles DELETE /v1/escalations/{id} requests.
func (h *HTTPHandler) HandleDeleteEscalation(w http.ResponseWriter, r *http.Request) {
	h.ledger.RemoveEscalationPolicy(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// HandleListStakeholders handles GET /v1/stakeholders requests.
func (h *HTTPHandler) HandleListStakeholders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.ledger.Stakeholders().List(r.Context(), Category(q.Get("category")), Severity(q.Get("severity")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_error", "failed to list stakeholders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stakeholders": list})
}

// HandlePutStakeholder handles PUT /v1/stakeholders/{id} requests.
func (h *HTTPHandler) HandlePutStakeholder(w http.ResponseWriter, r *http.Request) {
	var s Stakeholder
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	s.ID = r.PathValue("id")
	if err := h.ledger.Stakeholders().Add(r.Context(), s); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// HandleDeleteStakeholder handles DELETE /v1/stakeholders/{id} requests.
func (h *HTTPHandler) HandleDeleteStakeholder(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Stakeholders().Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, "delete_error", "failed to remove stakeholder")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": apperrors.SanitizeString(message),
		"code":  code,
	})
}
