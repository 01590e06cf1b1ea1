// Package pipeline wires signal intake to the entity tracker, the
// correlation engine and the response orchestrator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"boundary-soar/internal/consumer"
	"boundary-soar/internal/correlation"
	"boundary-soar/internal/entity"
	"boundary-soar/internal/metrics"
	"boundary-soar/internal/queue"
	"boundary-soar/internal/response"
	"boundary-soar/internal/scheduler"
	"boundary-soar/internal/signal"
)

var (
	// ErrInvalidSignal is returned for signals that fail validation.
	ErrInvalidSignal = errors.New("pipeline: invalid signal")
	// ErrDuplicateSignal is returned for a signal id seen recently.
	ErrDuplicateSignal = errors.New("pipeline: duplicate signal")
)

// Config configures the pipeline.
type Config struct {
	QueueSize      int                    `yaml:"queue_size"`
	Consumer       consumer.Config        `yaml:"consumer"`
	DedupeSize     int                    `yaml:"dedupe_size"`
	HistoryMaxAge  time.Duration          `yaml:"history_max_age"`
	HistoryMaxLen  int                    `yaml:"history_max_len"`
	Validation     signal.ValidatorConfig `yaml:"validation"`
	DirectResponse bool                   `yaml:"direct_response"`

	EntityStaleness     time.Duration `yaml:"entity_staleness"`
	EntitySweepSchedule string        `yaml:"entity_sweep_schedule"`
	CorrelationSchedule string        `yaml:"correlation_schedule"`
	CleanupSchedule     string        `yaml:"cleanup_schedule"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:           10000,
		Consumer:            consumer.DefaultConfig(),
		DedupeSize:          100000,
		HistoryMaxAge:       24 * time.Hour,
		HistoryMaxLen:       50000,
		Validation:          signal.DefaultValidatorConfig(),
		DirectResponse:      true,
		EntityStaleness:     24 * time.Hour,
		EntitySweepSchedule: "@every 1h",
		CorrelationSchedule: "@every 1m",
		CleanupSchedule:     "@every 5m",
	}
}

// Result reports what processing one signal produced.
type Result struct {
	SignalID     string   `json:"signal_id"`
	Correlations []string `json:"correlations,omitempty"`
	Responses    []string `json:"responses,omitempty"`
}

// Pipeline processes signals in order: validate, dedupe, record in history,
// update entities, evaluate correlations, then hand the signal to the
// response orchestrator.
type Pipeline struct {
	config       Config
	validator    *signal.Validator
	history      *signal.History
	seen         *lru.Cache[string, struct{}]
	entities     *entity.Tracker
	engine       *correlation.Engine
	orchestrator *response.Orchestrator
	responder    *onceResponder
	queue        *queue.RingBuffer[signal.ThreatSignal]
	consumer     *consumer.Consumer[signal.ThreatSignal]
	now          func() time.Time

	accepted   atomic.Uint64
	rejected   atomic.Uint64
	duplicates atomic.Uint64
}

// New builds a pipeline. It installs itself as the engine's responder and
// as the orchestrator's occurrence gate.
func New(cfg Config, entities *entity.Tracker, engine *correlation.Engine, orchestrator *response.Orchestrator) (*Pipeline, error) {
	def := DefaultConfig()
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = def.DedupeSize
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = def.HistoryMaxAge
	}
	if cfg.EntityStaleness <= 0 {
		cfg.EntityStaleness = def.EntityStaleness
	}

	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create signal dedupe cache: %w", err)
	}
	responder, err := newOnceResponder(orchestrator, cfg.DedupeSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		config:       cfg,
		validator:    signal.NewValidatorWithConfig(cfg.Validation),
		history:      signal.NewHistory(cfg.HistoryMaxAge, cfg.HistoryMaxLen),
		seen:         seen,
		entities:     entities,
		engine:       engine,
		orchestrator: orchestrator,
		responder:    responder,
		queue:        queue.NewRingBuffer[signal.ThreatSignal](cfg.QueueSize),
		now:          time.Now,
	}
	p.consumer = consumer.New(p.queue, p.processQueued, cfg.Consumer)

	engine.SetResponder(responder)
	orchestrator.SetOccurrenceGate(&historyGate{history: p.history})
	return p, nil
}

// Process runs one signal through every stage synchronously.
func (p *Pipeline) Process(ctx context.Context, sig signal.ThreatSignal) (*Result, error) {
	if err := p.admit(&sig); err != nil {
		return nil, err
	}

	p.history.Add(sig)
	if err := p.entities.Observe(ctx, sig); err != nil {
		slog.Warn("entity update failed", "signal_id", sig.ID, "error", err)
	}

	result := &Result{SignalID: sig.ID}
	for _, c := range p.engine.Evaluate(ctx, sig, p.history.Snapshot()) {
		result.Correlations = append(result.Correlations, c.ID)
	}
	if p.config.DirectResponse {
		result.Responses = p.responder.Handle(ctx, sig)
	}

	p.accepted.Add(1)
	metrics.IncSignal("accepted")
	slog.Debug("signal processed",
		"signal_id", sig.ID,
		"threat_type", sig.ThreatType,
		"correlations", len(result.Correlations),
		"responses", len(result.Responses),
	)
	return result, nil
}

func (p *Pipeline) admit(sig *signal.ThreatSignal) error {
	sig.EnsureID()
	if sig.Timestamp.IsZero() {
		sig.Timestamp = p.now().UTC()
	}
	if err := p.validator.Validate(sig); err != nil {
		p.rejected.Add(1)
		metrics.IncSignal("rejected")
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if found, _ := p.seen.ContainsOrAdd(sig.ID, struct{}{}); found {
		p.duplicates.Add(1)
		metrics.IncSignal("duplicate")
		return fmt.Errorf("%w: %s", ErrDuplicateSignal, sig.ID)
	}
	return nil
}

// Submit enqueues a signal for asynchronous processing by the worker pool.
func (p *Pipeline) Submit(sig signal.ThreatSignal) error {
	if err := p.queue.Push(sig); err != nil {
		metrics.IncSignal("dropped")
		return err
	}
	return nil
}

func (p *Pipeline) processQueued(ctx context.Context, sig signal.ThreatSignal) error {
	_, err := p.Process(ctx, sig)
	if errors.Is(err, ErrDuplicateSignal) {
		return nil
	}
	return err
}

// Start starts the worker pool draining submitted signals.
func (p *Pipeline) Start(ctx context.Context) {
	p.consumer.Start(ctx)
}

// Stop drains the queue and stops the workers.
func (p *Pipeline) Stop() {
	p.consumer.Stop()
}

// SweepEntities drops entities not seen within the staleness window.
func (p *Pipeline) SweepEntities(ctx context.Context) {
	start := time.Now()
	removed, err := p.entities.Sweep(ctx, p.config.EntityStaleness)
	metrics.ObserveSweep("entity", time.Since(start).Seconds())
	if err != nil {
		slog.Error("entity sweep failed", "error", err)
		return
	}
	slog.Info("entity sweep completed", "removed", removed)
}

// SweepCorrelations evaluates sweep-mode rules over the recent history and
// purges expired correlations.
func (p *Pipeline) SweepCorrelations(ctx context.Context) {
	start := time.Now()
	report, err := p.engine.Sweep(ctx, p.history.Snapshot(), p.now())
	metrics.ObserveSweep("correlation", time.Since(start).Seconds())
	if err != nil {
		slog.Error("correlation sweep failed", "error", err)
		return
	}
	slog.Info("correlation sweep completed",
		"correlations", len(report.Correlations),
		"purged", report.Purged,
	)
}

// CleanupResponses expires enforcement state and purges old executions.
func (p *Pipeline) CleanupResponses(ctx context.Context) {
	start := time.Now()
	report, err := p.orchestrator.Cleanup(ctx, p.now())
	metrics.ObserveSweep("response", time.Since(start).Seconds())
	if err != nil {
		slog.Error("response cleanup failed", "error", err)
		return
	}
	slog.Info("response cleanup completed",
		"expired_blocks", report.Expired.Blocks,
		"expired_locks", report.Expired.Locks,
		"purged_executions", report.Executions,
		"purged_reviews", report.Reviews,
	)
}

// RegisterSweeps schedules the periodic sweeps on periodic.
func (p *Pipeline) RegisterSweeps(periodic *scheduler.Periodic) error {
	def := DefaultConfig()
	jobs := []struct {
		name, spec, fallback string
		fn                   func(context.Context)
	}{
		{"entity_sweep", p.config.EntitySweepSchedule, def.EntitySweepSchedule, p.SweepEntities},
		{"correlation_sweep", p.config.CorrelationSchedule, def.CorrelationSchedule, p.SweepCorrelations},
		{"response_cleanup", p.config.CleanupSchedule, def.CleanupSchedule, p.CleanupResponses},
	}
	for _, j := range jobs {
		spec := j.spec
		if spec == "" {
			spec = j.fallback
		}
		if err := periodic.Every(j.name, spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// History returns the signal history.
func (p *Pipeline) History() *signal.History {
	return p.history
}

// Entities returns the entity tracker.
func (p *Pipeline) Entities() *entity.Tracker {
	return p.entities
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted:   p.accepted.Load(),
		Rejected:   p.rejected.Load(),
		Duplicates: p.duplicates.Load(),
		History:    p.history.Len(),
		Queue:      p.queue.Metrics(),
		Workers:    p.consumer.Metrics(),
	}
}

// Stats holds pipeline statistics.
type Stats struct {
	Accepted   uint64           `json:"accepted"`
	Rejected   uint64           `json:"rejected"`
	Duplicates uint64           `json:"duplicates"`
	History    int              `json:"history"`
	Queue      queue.Metrics    `json:"queue"`
	Workers    consumer.Metrics `json:"workers"`
}
