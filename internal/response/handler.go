package response

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	apperrors "boundary-soar/internal/errors"
)

// HTTPHandler exposes policies, executions, enforcement state and the
// manual review queue.
type HTTPHandler struct {
	orchestrator *Orchestrator
}

// NewHTTPHandler creates a new response handler.
func NewHTTPHandler(o *Orchestrator) *HTTPHandler {
	return &HTTPHandler{orchestrator: o}
}

// RegisterRoutes registers response routes on the given mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/policies", h.HandleListPolicies)
	mux.HandleFunc("POST /v1/policies", h.HandlePutPolicy)
	mux.HandleFunc("GET /v1/policies/{id}", h.HandleGetPolicy)
	mux.HandleFunc("PUT /v1/policies/{id}", h.HandlePutPolicy)
	mux.HandleFunc("DELETE /v1/policies/{id}", h.HandleDeletePolicy)

	mux.HandleFunc("GET /v1/executions", h.HandleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", h.HandleGetExecution)
	mux.HandleFunc("POST /v1/executions/{id}/rollback", h.HandleRollback)

	mux.HandleFunc("GET /v1/blocks", h.HandleListBlocks)
	mux.HandleFunc("GET /v1/locks", h.HandleListLocks)

	mux.HandleFunc("GET /v1/reviews", h.HandleListReviews)
	mux.HandleFunc("POST /v1/reviews/{id}/approve", h.HandleApprove)
	mux.HandleFunc("POST /v1/reviews/{id}/reject", h.HandleReject)
}

// HandleListPolicies handles GET /v1/policies requests.
func (h *HTTPHandler) HandleListPolicies(w http.ResponseWriter, _ *http.Request) {
	policies := h.orchestrator.Policies()
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies, "total": len(policies)})
}

// HandleGetPolicy handles GET /v1/policies/{id} requests.
func (h *HTTPHandler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := h.orchestrator.GetPolicy(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandlePutPolicy handles POST /v1/policies and PUT /v1/policies/{id}.
// Both upsert by id.
func (h *HTTPHandler) HandlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var p Policy
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "parse_error", "failed to parse request body")
		return
	}
	if id := r.PathValue("id"); id != "" {
		p.ID = id
	}
	if err := h.orchestrator.PutPolicy(p); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	stored, _ := h.orchestrator.GetPolicy(p.ID)
	writeJSON(w, http.StatusOK, stored)
}

// HandleDeletePolicy handles DELETE /v1/policies/{id} requests.
func (h *HTTPHandler) HandleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	h.orchestrator.RemovePolicy(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleListExecutions handles GET /v1/executions requests.
func (h *HTTPHandler) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ExecutionFilter{
		PolicyID: q.Get("policy_id"),
		SignalID: q.Get("signal_id"),
		Action:   ActionKind(q.Get("action")),
		Status:   ExecutionStatus(q.Get("status")),
		Limit:    100,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}

	execs, err := h.orchestrator.ListExecutions(r.Context(), f)
	if err != nil {
		slog.Error("failed to list executions", "error", err)
		writeError(w, http.StatusInternalServerError, "list_error", "failed to list executions")
		return
	}
	if execs == nil {
		execs = []*Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs, "total": len(execs)})
}

// HandleGetExecution handles GET /v1/executions/{id} requests.
func (h *HTTPHandler) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.orchestrator.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// HandleRollback handles POST /v1/executions/{id}/rollback requests.
func (h *HTTPHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	exec, err := h.orchestrator.Rollback(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// HandleListBlocks handles GET /v1/blocks requests.
func (h *HTTPHandler) HandleListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.orchestrator.Enforcement().ActiveBlocks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_error", "failed to list blocks")
		return
	}
	if blocks == nil {
		blocks = []IPBlock{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks, "total": len(blocks)})
}

// HandleListLocks handles GET /v1/locks requests.
func (h *HTTPHandler) HandleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.orchestrator.Enforcement().ActiveLocks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_error", "failed to list locks")
		return
	}
	if locks == nil {
		locks = []AccountLock{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": locks, "total": len(locks)})
}

// HandleListReviews handles GET /v1/reviews requests. Pending items are
// returned unless ?status= says otherwise.
func (h *HTTPHandler) HandleListReviews(w http.ResponseWriter, r *http.Request) {
	status := ReviewPending
	if v := r.URL.Query().Get("status"); v != "" {
		status = ReviewStatus(v)
		if v == "all" {
			status = ""
		}
	}
	reviews, err := h.orchestrator.ListReviews(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_error", "failed to list reviews")
		return
	}
	if reviews == nil {
		reviews = []*Review{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews, "total": len(reviews)})
}

type decisionRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func readDecision(r *http.Request) decisionRequest {
	var d decisionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("ignoring malformed decision body", "error", err)
	}
	if d.Operator == "" {
		d.Operator = r.Header.Get("X-Operator")
	}
	if d.Operator == "" {
		d.Operator = "unknown"
	}
	return d
}

// HandleApprove handles POST /v1/reviews/{id}/approve requests.
func (h *HTTPHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	d := readDecision(r)
	review, err := h.orchestrator.Approve(r.Context(), r.PathValue("id"), d.Operator)
	if err != nil && review == nil {
		writeDomainError(w, err)
		return
	}
	if err != nil {
		slog.Error("approved review could not be fully scheduled", "review_id", review.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, review)
}

// HandleReject handles POST /v1/reviews/{id}/reject requests.
func (h *HTTPHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	d := readDecision(r)
	review, err := h.orchestrator.Reject(r.Context(), r.PathValue("id"), d.Operator, d.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

// writeDomainError maps response errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrExecutionNotFound), errors.Is(err, ErrReviewNotFound), errors.Is(err, ErrPolicyNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrNotSupported):
		writeError(w, http.StatusNotImplemented, "not_supported", err.Error())
	case errors.Is(err, ErrAlreadyRolledBack):
		writeError(w, http.StatusConflict, "already_rolled_back", err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrReviewDecided):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	default:
		slog.Error("response request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "request failed")
	}
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
