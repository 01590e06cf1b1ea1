package correlation

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "boundary-soar/internal/errors"
	"boundary-soar/internal/signal"
)

// RuleHandler provides HTTP handlers for rule management and correlation queries.
type RuleHandler struct {
	engine      *Engine
	customRules map[string]*Rule // custom rules keyed by ID
	rulesDir    string           // directory for persisted custom rules
	mu          sync.RWMutex
}

// NewRuleHandler creates a new rule handler.
func NewRuleHandler(engine *Engine, rulesDir string) *RuleHandler {
	return &RuleHandler{
		engine:      engine,
		customRules: make(map[string]*Rule),
		rulesDir:    rulesDir,
	}
}

// RegisterRoutes registers rule and correlation routes on the given mux.
func (h *RuleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/rules", h.HandleListRules)
	mux.HandleFunc("GET /v1/rules/{id}", h.HandleGetRule)
	mux.HandleFunc("POST /v1/rules", h.HandleCreateRule)
	mux.HandleFunc("PUT /v1/rules/{id}", h.HandleUpdateRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", h.HandleDeleteRule)
	mux.HandleFunc("POST /v1/rules/{id}/test", h.HandleTestRule)

	mux.HandleFunc("GET /v1/correlations", h.HandleListCorrelations)
	mux.HandleFunc("GET /v1/correlations/{id}", h.HandleGetCorrelation)
}

// LoadCustomRules loads custom rules from the rules directory.
func (h *RuleHandler) LoadCustomRules() error {
	if h.rulesDir == "" {
		return nil
	}

	entries, err := os.ReadDir(h.rulesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(h.rulesDir, entry.Name()))
		if err != nil {
			slog.Error("failed to read rule file", "file", entry.Name(), "error", err)
			continue
		}

		rules, err := ParseRules(data)
		if err != nil {
			slog.Error("failed to parse rule file", "file", entry.Name(), "error", err)
			continue
		}

		for _, rule := range rules {
			if err := h.engine.AddRule(rule); err != nil {
				slog.Error("failed to add custom rule", "rule_id", rule.ID, "error", err)
				continue
			}
			h.mu.Lock()
			h.customRules[rule.ID] = rule
			h.mu.Unlock()
			loaded++
		}
	}

	slog.Info("loaded custom rules", "count", loaded, "dir", h.rulesDir)
	return nil
}

func (h *RuleHandler) isCustom(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.customRules[id]
	return ok
}

func (h *RuleHandler) source(id string) string {
	if h.isCustom(id) {
		return "custom"
	}
	return "builtin"
}

// HandleListRules handles GET /v1/rules requests.
func (h *RuleHandler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filterType := q.Get("type")
	filterMode := q.Get("mode")
	filterEnabled := q.Get("enabled")

	type ruleResponse struct {
		*Rule
		Source string `json:"source"`
	}

	filtered := []ruleResponse{}
	for _, rule := range h.engine.GetRules() {
		if filterType != "" && string(rule.Type) != filterType {
			continue
		}
		if filterMode != "" && string(rule.EffectiveMode()) != filterMode {
			continue
		}
		if filterEnabled == "true" && !rule.Enabled {
			continue
		}
		if filterEnabled == "false" && rule.Enabled {
			continue
		}
		filtered = append(filtered, ruleResponse{Rule: rule, Source: h.source(rule.ID)})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": filtered,
		"total": len(filtered),
	})
}

// HandleGetRule handles GET /v1/rules/{id} requests.
func (h *RuleHandler) HandleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("id")

	rule, ok := h.engine.GetRule(ruleID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "rule not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rule":   rule,
		"source": h.source(ruleID),
	})
}

// readRule accepts YAML or JSON rule bodies.
func readRule(r *http.Request) (*Rule, int, string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, http.StatusBadRequest, "read_error", errors.New("failed to read request body")
	}

	rule, err := ParseRule(body)
	if err == nil {
		return rule, 0, "", nil
	}

	var jsonRule Rule
	if jsonErr := json.Unmarshal(body, &jsonRule); jsonErr != nil {
		return nil, http.StatusBadRequest, "parse_error", err
	}
	if valErr := jsonRule.Validate(); valErr != nil {
		return nil, http.StatusBadRequest, "validation_error", valErr
	}
	return &jsonRule, 0, "", nil
}

// HandleCreateRule handles POST /v1/rules requests.
func (h *RuleHandler) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	rule, status, code, err := readRule(r)
	if err != nil {
		writeError(w, status, code, err.Error())
		return
	}

	if _, exists := h.engine.GetRule(rule.ID); exists {
		writeError(w, http.StatusConflict, "duplicate_id", "a rule with this ID already exists")
		return
	}

	stampProvenance(rule, nil, time.Now().UTC())
	if err := h.engine.AddRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "add_error", err.Error())
		return
	}

	h.mu.Lock()
	h.customRules[rule.ID] = rule
	h.mu.Unlock()

	h.persistRule(rule)

	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":   rule,
		"source": "custom",
	})
}

// HandleUpdateRule handles PUT /v1/rules/{id} requests. Builtin rules may
// only toggle their enabled state.
func (h *RuleHandler) HandleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("id")

	previous, exists := h.engine.GetRule(ruleID)
	if !exists {
		writeError(w, http.StatusNotFound, "not_found", "rule not found")
		return
	}

	if !h.isCustom(ruleID) {
		var patch map[string]any
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "parse_error", "failed to parse request body")
			return
		}

		enabled, ok := patch["enabled"].(bool)
		if !ok || len(patch) != 1 {
			writeError(w, http.StatusForbidden, "immutable", "builtin rules can only toggle enabled state")
			return
		}
		if err := h.engine.SetEnabled(ruleID, enabled); err != nil {
			writeError(w, http.StatusNotFound, "not_found", "rule not found")
			return
		}
		previous.Enabled = enabled
		writeJSON(w, http.StatusOK, map[string]any{
			"rule":   previous,
			"source": "builtin",
		})
		return
	}

	rule, status, code, err := readRule(r)
	if err != nil {
		writeError(w, status, code, err.Error())
		return
	}
	rule.ID = ruleID

	stampProvenance(rule, previous, time.Now().UTC())
	if err := h.engine.AddRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "add_error", err.Error())
		return
	}

	h.mu.Lock()
	h.customRules[ruleID] = rule
	h.mu.Unlock()

	h.persistRule(rule)

	writeJSON(w, http.StatusOK, map[string]any{
		"rule":   rule,
		"source": "custom",
	})
}

// HandleDeleteRule handles DELETE /v1/rules/{id} requests.
func (h *RuleHandler) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("id")

	h.mu.Lock()
	_, isCustom := h.customRules[ruleID]
	if !isCustom {
		h.mu.Unlock()
		if _, exists := h.engine.GetRule(ruleID); !exists {
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
			return
		}
		writeError(w, http.StatusForbidden, "immutable", "builtin rules cannot be deleted")
		return
	}
	delete(h.customRules, ruleID)
	h.mu.Unlock()

	h.engine.RemoveRule(ruleID)

	if h.rulesDir != "" {
		path := filepath.Join(h.rulesDir, ruleID+".yaml")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove rule file", "path", path, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// testRequest is the optional body of POST /v1/rules/{id}/test.
type testRequest struct {
	Signal  *signal.ThreatSignal  `json:"signal"`
	History []signal.ThreatSignal `json:"history"`
}

// HandleTestRule handles POST /v1/rules/{id}/test requests. Without a body
// it reports whether the rule is valid; with a signal and history it
// evaluates the rule without side effects.
func (h *RuleHandler) HandleTestRule(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("id")

	rule, ok := h.engine.GetRule(ruleID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "rule not found")
		return
	}

	result := map[string]any{
		"rule_id": rule.ID,
		"name":    rule.Name,
		"type":    rule.Type,
		"mode":    rule.EffectiveMode(),
		"enabled": rule.Enabled,
		"valid":   true,
	}
	if err := rule.Validate(); err != nil {
		result["valid"] = false
		result["validation_error"] = err.Error()
		writeJSON(w, http.StatusOK, result)
		return
	}

	var req testRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "parse_error", "failed to parse request body")
		return
	}
	if req.Signal != nil {
		req.Signal.EnsureID()
		c, err := h.engine.TestRule(rule, *req.Signal, req.History)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "evaluation_error", err.Error())
			return
		}
		result["fired"] = c != nil
		if c != nil {
			result["correlation"] = c
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleListCorrelations handles GET /v1/correlations requests.
func (h *RuleHandler) HandleListCorrelations(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	items, err := h.engine.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", "failed to list correlations")
		return
	}
	if items == nil {
		items = []*Correlation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"correlations": items,
		"total":        len(items),
	})
}

// HandleGetCorrelation handles GET /v1/correlations/{id} requests.
func (h *RuleHandler) HandleGetCorrelation(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrCorrelationNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "correlation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", "failed to load correlation")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *RuleHandler) persistRule(rule *Rule) {
	if h.rulesDir == "" {
		return
	}

	if err := os.MkdirAll(h.rulesDir, 0750); err != nil {
		slog.Error("failed to create rules directory", "error", err)
		return
	}

	data, err := yaml.Marshal(rule)
	if err != nil {
		slog.Error("failed to marshal rule", "rule_id", rule.ID, "error", err)
		return
	}

	path := filepath.Join(h.rulesDir, rule.ID+".yaml")
	if err := os.WriteFile(path, data, 0640); err != nil {
		slog.Error("failed to write rule file", "path", path, "error", err)
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
