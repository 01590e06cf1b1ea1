package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"boundary-soar/internal/incident"
	"boundary-soar/internal/metrics"
	"boundary-soar/internal/signal"
	"boundary-soar/internal/store"
)

var (
	ErrRuleNotFound        = errors.New("correlation: rule not found")
	ErrCorrelationNotFound = errors.New("correlation: not found")
)

// IncidentSink receives incidents for materialized correlations.
type IncidentSink interface {
	Create(ctx context.Context, p incident.Params) (*incident.Incident, error)
	Notify(ctx context.Context, inc *incident.Incident)
}

// Responder is invoked once per member signal when a rule triggers a response.
type Responder interface {
	Handle(ctx context.Context, sig signal.ThreatSignal) []string
}

// Archiver receives correlations removed by the retention sweep.
type Archiver interface {
	ArchiveCorrelations(ctx context.Context, items []*Correlation) error
}

// Handler is called for every committed correlation.
type Handler func(ctx context.Context, c *Correlation)

// EngineConfig configures the correlation engine.
type EngineConfig struct {
	CorrelationRetention time.Duration `yaml:"correlation_retention"`
	DedupeSize           int           `yaml:"dedupe_size"`
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CorrelationRetention: 7 * 24 * time.Hour,
		DedupeSize:           10000,
	}
}

// Engine evaluates correlation rules against new signals.
type Engine struct {
	config       EngineConfig
	mu           sync.RWMutex
	rules        map[string]*Rule
	correlations store.Store[Correlation]
	fired        *lru.Cache[string, struct{}]
	sink         IncidentSink
	responder    Responder
	archiver     Archiver
	handlers     []Handler
	now          func() time.Time

	evaluations  atomic.Int64
	matches      atomic.Int64
	ruleErrors   atomic.Int64
	duplicates   atomic.Int64
	purged       atomic.Int64
	incidentErrs atomic.Int64
}

// NewEngine creates a correlation engine backed by the given store.
func NewEngine(config EngineConfig, correlations store.Store[Correlation]) (*Engine, error) {
	if config.DedupeSize <= 0 {
		config.DedupeSize = DefaultEngineConfig().DedupeSize
	}
	if config.CorrelationRetention <= 0 {
		config.CorrelationRetention = DefaultEngineConfig().CorrelationRetention
	}
	fired, err := lru.New[string, struct{}](config.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Engine{
		config:       config,
		rules:        make(map[string]*Rule),
		correlations: correlations,
		fired:        fired,
		now:          time.Now,
	}, nil
}

// SetIncidentSink sets where incidents for correlations are created.
func (e *Engine) SetIncidentSink(s IncidentSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = s
}

// SetResponder sets the response orchestrator used by triggerResponse rules.
func (e *Engine) SetResponder(r Responder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responder = r
}

// SetArchiver sets the destination for purged correlations.
func (e *Engine) SetArchiver(a Archiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.archiver = a
}

// AddHandler registers a correlation handler.
func (e *Engine) AddHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// AddRule adds or replaces a correlation rule.
func (e *Engine) AddRule(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule.Clone()

	slog.Info("added correlation rule", "rule_id", rule.ID, "type", rule.Type, "mode", rule.EffectiveMode())
	return nil
}

// RemoveRule removes a correlation rule. Removing an unknown rule is a no-op.
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.rules[ruleID]
	delete(e.rules, ruleID)
	return ok
}

// SetEnabled toggles a rule.
func (e *Engine) SetEnabled(ruleID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rules[ruleID]
	if !ok {
		return ErrRuleNotFound
	}
	r.Enabled = enabled
	return nil
}

// GetRule returns a copy of a rule.
func (e *Engine) GetRule(ruleID string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.rules[ruleID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// GetRules returns copies of all rules sorted by id.
func (e *Engine) GetRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) enabledRules(mode Mode) []*Rule {
	var out []*Rule
	for _, r := range e.GetRules() {
		if r.Enabled && r.EffectiveMode() == mode {
			out = append(out, r)
		}
	}
	return out
}

// Evaluate runs every enabled signal-mode rule against sig and its history.
// A failing rule is logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, sig signal.ThreatSignal, history []signal.ThreatSignal) []*Correlation {
	return e.evaluateRules(ctx, e.enabledRules(ModeSignal), sig, history)
}

func (e *Engine) evaluateRules(ctx context.Context, rules []*Rule, sig signal.ThreatSignal, history []signal.ThreatSignal) []*Correlation {
	var out []*Correlation
	for _, rule := range rules {
		e.evaluations.Add(1)
		c, members, err := e.evaluateRule(rule, sig, history)
		if err != nil {
			e.ruleErrors.Add(1)
			metrics.IncRuleEvaluation(rule.ID, "error")
			slog.Error("correlation rule evaluation failed", "rule_id", rule.ID, "signal_id", sig.ID, "error", err)
			continue
		}
		if c == nil {
			metrics.IncRuleEvaluation(rule.ID, "no_match")
			continue
		}
		metrics.IncRuleEvaluation(rule.ID, "match")

		committed, err := e.commit(ctx, rule, c, members)
		if err != nil {
			slog.Error("failed to commit correlation", "rule_id", rule.ID, "error", err)
			continue
		}
		if committed {
			out = append(out, c)
		}
	}
	return out
}

// evaluateRule runs one rule, converting panics into errors.
func (e *Engine) evaluateRule(rule *Rule, sig signal.ThreatSignal, history []signal.ThreatSignal) (c *Correlation, members []signal.ThreatSignal, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, members, err = nil, nil, fmt.Errorf("rule %s panicked: %v", rule.ID, r)
		}
	}()

	members, conf, err := rule.match(sig, history)
	if err != nil || members == nil {
		return nil, nil, err
	}
	if conf < rule.Threshold.MinConfidence {
		return nil, nil, nil
	}
	score := severityScore(members)
	if score < rule.Threshold.SeverityThreshold {
		return nil, nil, nil
	}
	return materialize(rule, members, conf, score, e.now()), members, nil
}

func dedupeKey(c *Correlation) string {
	ids := slices.Clone(c.SignalIDs)
	slices.Sort(ids)
	return c.RuleID + "|" + strings.Join(ids, ",")
}

// commit records a correlation and runs its side effects. No engine lock is
// held while calling the incident sink, handlers or the responder.
func (e *Engine) commit(ctx context.Context, rule *Rule, c *Correlation, members []signal.ThreatSignal) (bool, error) {
	if found, _ := e.fired.ContainsOrAdd(dedupeKey(c), struct{}{}); found {
		e.duplicates.Add(1)
		return false, nil
	}

	e.mu.RLock()
	sink, responder := e.sink, e.responder
	handlers := slices.Clone(e.handlers)
	e.mu.RUnlock()

	var inc *incident.Incident
	if rule.Actions.CreateIncident && sink != nil {
		var err error
		inc, err = sink.Create(ctx, incidentParams(rule, c, members))
		if err != nil {
			e.incidentErrs.Add(1)
			slog.Error("failed to create incident for correlation", "correlation_id", c.ID, "error", err)
		} else {
			c.IncidentID = inc.ID
		}
	}

	if err := e.correlations.Put(ctx, c.ID, *c); err != nil {
		e.fired.Remove(dedupeKey(c))
		return false, err
	}
	e.matches.Add(1)
	metrics.IncCorrelation(rule.ID, string(c.Severity))

	slog.Info("correlation created",
		"correlation_id", c.ID,
		"rule_id", rule.ID,
		"severity", c.Severity,
		"severity_score", c.SeverityScore,
		"confidence", c.Confidence,
		"signals", len(c.SignalIDs),
	)

	if inc != nil && rule.Actions.Notify {
		sink.Notify(ctx, inc)
	}

	for _, h := range handlers {
		runHandler(ctx, h, c)
	}

	if rule.Actions.TriggerResponse && responder != nil {
		for _, m := range members {
			responder.Handle(ctx, m)
		}
	}
	return true, nil
}

func runHandler(ctx context.Context, h Handler, c *Correlation) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("correlation handler panicked", "correlation_id", c.ID, "panic", r)
		}
	}()
	h(ctx, c)
}

func incidentParams(rule *Rule, c *Correlation, members []signal.ThreatSignal) incident.Params {
	p := incident.Params{
		Category:    incidentCategory(members),
		Severity:    c.Severity,
		Title:       fmt.Sprintf("%s: %d correlated signals", rule.Name, len(c.SignalIDs)),
		Description: rule.Description,
		Source:      "correlation:" + rule.ID,
		Details: map[string]any{
			"correlation_id":      c.ID,
			"rule_id":             rule.ID,
			"confidence":          c.Confidence,
			"severity_score":      c.SeverityScore,
			"signal_ids":          c.SignalIDs,
			"requires_escalation": c.RequiresEscalation,
			"response_actions":    rule.Actions.ResponseActions,
		},
		Tags: append([]string{"correlation", string(rule.Type)}, rule.Tags...),
	}
	if len(c.RelatedEntities.IPAddresses) > 0 {
		p.IPAddress = c.RelatedEntities.IPAddresses[0]
	}
	if len(c.RelatedEntities.UserIDs) > 0 {
		p.UserID = c.RelatedEntities.UserIDs[0]
	}
	if p.Description == "" {
		p.Description = fmt.Sprintf("Rule %s matched %d signals", rule.ID, len(c.SignalIDs))
	}
	return p
}

// TestRule evaluates a rule without recording anything or running side
// effects. It returns nil when the rule does not fire.
func (e *Engine) TestRule(rule *Rule, sig signal.ThreatSignal, history []signal.ThreatSignal) (*Correlation, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	c, _, err := e.evaluateRule(rule, sig, history)
	return c, err
}

// SweepReport summarizes a periodic sweep.
type SweepReport struct {
	Correlations []*Correlation
	Purged       int
}

// Sweep evaluates sweep-mode rules anchored on the newest signal in history
// and purges correlations older than the retention window.
func (e *Engine) Sweep(ctx context.Context, history []signal.ThreatSignal, now time.Time) (SweepReport, error) {
	var report SweepReport

	if len(history) > 0 {
		anchor := history[0]
		for _, s := range history[1:] {
			if s.Timestamp.After(anchor.Timestamp) {
				anchor = s
			}
		}
		report.Correlations = e.evaluateRules(ctx, e.enabledRules(ModeSweep), anchor, history)
	}

	purged, err := e.purge(ctx, now.Add(-e.config.CorrelationRetention))
	report.Purged = purged
	return report, err
}

func (e *Engine) purge(ctx context.Context, cutoff time.Time) (int, error) {
	var expired []*Correlation
	err := e.correlations.Range(ctx, func(_ string, c Correlation) bool {
		if c.CreatedAt.Before(cutoff) {
			cc := c
			expired = append(expired, &cc)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	e.mu.RLock()
	archiver := e.archiver
	e.mu.RUnlock()
	if archiver != nil {
		if err := archiver.ArchiveCorrelations(ctx, expired); err != nil {
			slog.Warn("failed to archive correlations", "count", len(expired), "error", err)
		}
	}

	n := 0
	for _, c := range expired {
		if err := e.correlations.Delete(ctx, c.ID); err != nil {
			return n, err
		}
		n++
	}
	e.purged.Add(int64(n))
	slog.Info("purged correlations", "count", n, "cutoff", cutoff)
	return n, nil
}

// Get returns a correlation by id.
func (e *Engine) Get(ctx context.Context, id string) (*Correlation, error) {
	c, ok, err := e.correlations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCorrelationNotFound
	}
	return &c, nil
}

// Recent returns correlations newest first. A limit <= 0 returns all.
func (e *Engine) Recent(ctx context.Context, limit int) ([]*Correlation, error) {
	items, err := store.Collect(ctx, e.correlations)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]*Correlation, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

// SetEscalation updates the escalation flag of a correlation.
func (e *Engine) SetEscalation(ctx context.Context, id string, requires bool) (*Correlation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok, err := e.correlations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCorrelationNotFound
	}
	c.RequiresEscalation = requires
	c.LastUpdated = e.now()
	if err := e.correlations.Put(ctx, id, c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	rules := len(e.rules)
	enabled := 0
	for _, r := range e.rules {
		if r.Enabled {
			enabled++
		}
	}
	e.mu.RUnlock()

	return map[string]any{
		"rules":           rules,
		"enabled_rules":   enabled,
		"evaluations":     e.evaluations.Load(),
		"correlations":    e.matches.Load(),
		"rule_errors":     e.ruleErrors.Load(),
		"duplicates":      e.duplicates.Load(),
		"purged":          e.purged.Load(),
		"incident_errors": e.incidentErrs.Load(),
	}
}
