package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"boundary-soar/internal/entity"
	apperrors "boundary-soar/internal/errors"
	"boundary-soar/internal/queue"
	"boundary-soar/internal/signal"
)

// HTTPHandler exposes signal intake and the entity view.
type HTTPHandler struct {
	pipeline   *Pipeline
	maxPayload int64
	maxBatch   int
}

// NewHTTPHandler creates a new pipeline handler.
func NewHTTPHandler(p *Pipeline) *HTTPHandler {
	return &HTTPHandler{
		pipeline:   p,
		maxPayload: 5 << 20,
		maxBatch:   1000,
	}
}

// WithMaxBatch sets the maximum number of signals per request.
func (h *HTTPHandler) WithMaxBatch(n int) *HTTPHandler {
	h.maxBatch = n
	return h
}

// RegisterRoutes registers pipeline routes on the given mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/signals", h.HandleSignals)
	mux.HandleFunc("GET /v1/entities", h.HandleListEntities)
	mux.HandleFunc("GET /v1/entities/{kind}/{value}", h.HandleGetEntity)
	mux.HandleFunc("GET /v1/pipeline/stats", h.HandleStats)
}

// IngestResponse is the response for signal intake.
type IngestResponse struct {
	Success   bool      `json:"success"`
	Accepted  int       `json:"accepted"`
	Rejected  int       `json:"rejected"`
	Results   []*Result `json:"results,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
	RequestID string    `json:"request_id"`
}

// decodeSignals accepts a single signal, a JSON array, or {"signals": [...]}.
func decodeSignals(body []byte) ([]signal.ThreatSignal, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var batch []signal.ThreatSignal
		err := json.Unmarshal(trimmed, &batch)
		return batch, err
	}

	var probe struct {
		Signals []signal.ThreatSignal `json:"signals"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, err
	}
	if probe.Signals != nil {
		return probe.Signals, nil
	}
	var one signal.ThreatSignal
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []signal.ThreatSignal{one}, nil
}

// HandleSignals handles POST /v1/signals. Signals are processed inline
// unless ?async=true, in which case they are queued for the worker pool.
func (h *HTTPHandler) HandleSignals(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read_error", "failed to read request body")
		return
	}

	signals, err := decodeSignals(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse_error", fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(signals) == 0 {
		writeError(w, http.StatusBadRequest, "empty_batch", "no signals provided")
		return
	}
	if len(signals) > h.maxBatch {
		writeError(w, http.StatusBadRequest, "batch_too_large", fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch))
		return
	}

	async := r.URL.Query().Get("async") == "true"
	resp := IngestResponse{RequestID: requestID}
	for i, sig := range signals {
		if async {
			if err := h.pipeline.Submit(sig); err != nil {
				resp.Rejected++
				if errors.Is(err, queue.ErrQueueFull) {
					resp.Errors = append(resp.Errors, fmt.Sprintf("signal[%d]: queue full", i))
				} else {
					resp.Errors = append(resp.Errors, fmt.Sprintf("signal[%d]: %v", i, err))
				}
				continue
			}
			resp.Accepted++
			continue
		}

		result, err := h.pipeline.Process(r.Context(), sig)
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("signal[%d]: %v", i, err))
			continue
		}
		resp.Accepted++
		resp.Results = append(resp.Results, result)
	}
	resp.Success = resp.Rejected == 0

	status := http.StatusOK
	switch {
	case async && resp.Rejected == 0:
		status = http.StatusAccepted
	case resp.Accepted == 0:
		status = http.StatusBadRequest
	case resp.Rejected > 0:
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// HandleListEntities handles GET /v1/entities requests. Entities are
// ordered by risk score, highest first.
func (h *HTTPHandler) HandleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.pipeline.Entities().List(r.Context())
	if err != nil {
		slog.Error("failed to list entities", "error", err)
		writeError(w, http.StatusInternalServerError, "list_error", "failed to list entities")
		return
	}

	q := r.URL.Query()
	if kind := q.Get("kind"); kind != "" {
		filtered := entities[:0]
		for _, e := range entities {
			if string(e.Kind) == kind {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if len(entities) > limit {
		entities = entities[:limit]
	}
	if entities == nil {
		entities = []entity.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "total": len(entities)})
}

// HandleGetEntity handles GET /v1/entities/{kind}/{value} requests.
func (h *HTTPHandler) HandleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, ok, err := h.pipeline.Entities().Get(r.Context(), entity.Kind(r.PathValue("kind")), r.PathValue("value"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_error", "failed to get entity")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// HandleStats handles GET /v1/pipeline/stats requests.
func (h *HTTPHandler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Stats())
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
