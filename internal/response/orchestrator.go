package response

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"boundary-soar/internal/metrics"
	"boundary-soar/internal/scheduler"
	"boundary-soar/internal/signal"
	"boundary-soar/internal/store"
)

// OccurrenceGate decides whether a policy with an occurrence threshold may
// fire for sig. The orchestrator keeps no occurrence state itself.
type OccurrenceGate interface {
	Allow(ctx context.Context, p *Policy, sig signal.ThreatSignal) bool
}

// OccurrenceGateFunc adapts a function to OccurrenceGate.
type OccurrenceGateFunc func(ctx context.Context, p *Policy, sig signal.ThreatSignal) bool

// Allow implements OccurrenceGate.
func (f OccurrenceGateFunc) Allow(ctx context.Context, p *Policy, sig signal.ThreatSignal) bool {
	return f(ctx, p, sig)
}

// ExecutionListener is called after an execution changes state.
type ExecutionListener func(ctx context.Context, exec *Execution)

// ExecutionArchiver receives executions removed by Cleanup.
type ExecutionArchiver interface {
	ArchiveExecutions(ctx context.Context, items []*Execution) error
}

// Config configures the orchestrator.
type Config struct {
	ActionTimeout      time.Duration `yaml:"action_timeout"`
	ExecutionRetention time.Duration `yaml:"execution_retention"`
	Actions            ActionConfig  `yaml:"actions"`
	Policies           []Policy      `yaml:"policies"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		ActionTimeout:      30 * time.Second,
		ExecutionRetention: 7 * 24 * time.Hour,
		Actions:            DefaultActionConfig(),
	}
}

// Orchestrator matches signals to policies and runs their actions.
type Orchestrator struct {
	config      Config
	executions  store.Store[Execution]
	reviews     store.Store[Review]
	enforcement *Enforcement
	scheduler   scheduler.Scheduler
	now         func() time.Time

	mu        sync.RWMutex
	policies  map[string]*Policy
	handlers  map[ActionKind]ActionHandler
	gate      OccurrenceGate
	archiver  ExecutionArchiver
	listeners []ExecutionListener
	inflight  map[string]struct{}

	scheduled  atomic.Int64
	executed   atomic.Int64
	failed     atomic.Int64
	rolledBack atomic.Int64
	gated      atomic.Int64
}

// NewOrchestrator creates an orchestrator. Configured policies that fail
// validation are skipped with a warning.
func NewOrchestrator(cfg Config, executions store.Store[Execution], reviews store.Store[Review], enforcement *Enforcement, sched scheduler.Scheduler) *Orchestrator {
	def := DefaultConfig()
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.ExecutionRetention <= 0 {
		cfg.ExecutionRetention = def.ExecutionRetention
	}

	o := &Orchestrator{
		config:      cfg,
		executions:  executions,
		reviews:     reviews,
		enforcement: enforcement,
		scheduler:   sched,
		now:         time.Now,
		policies:    make(map[string]*Policy),
		handlers:    make(map[ActionKind]ActionHandler),
		inflight:    make(map[string]struct{}),
	}
	for i := range cfg.Policies {
		if err := o.PutPolicy(cfg.Policies[i]); err != nil {
			slog.Warn("skipping invalid response policy", "id", cfg.Policies[i].ID, "error", err)
		}
	}
	return o
}

// RegisterHandler registers an action handler, replacing any previous one
// for the same kind.
func (o *Orchestrator) RegisterHandler(h ActionHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[h.Kind()] = h
}

// SetClock replaces the time source used to stamp executions.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// SetOccurrenceGate sets the gate consulted for policies with an occurrence threshold.
func (o *Orchestrator) SetOccurrenceGate(g OccurrenceGate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gate = g
}

// SetArchiver sets the destination for executions removed by Cleanup.
func (o *Orchestrator) SetArchiver(a ExecutionArchiver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.archiver = a
}

// AddListener registers an execution listener.
func (o *Orchestrator) AddListener(l ExecutionListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

// Enforcement returns the enforcement state.
func (o *Orchestrator) Enforcement() *Enforcement {
	return o.enforcement
}

// PutPolicy adds or replaces a policy.
func (o *Orchestrator) PutPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.policies[p.ID] = p.clone()
	return nil
}

// RemovePolicy removes a policy. It reports whether the policy existed.
func (o *Orchestrator) RemovePolicy(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.policies[id]
	delete(o.policies, id)
	return ok
}

// GetPolicy returns a copy of a policy.
func (o *Orchestrator) GetPolicy(id string) (*Policy, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.policies[id]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// Policies returns copies of all policies sorted by id.
func (o *Orchestrator) Policies() []*Policy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Policy, 0, len(o.policies))
	for _, p := range o.policies {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handle matches sig against active policies. Matched policies are
// scheduled after their trigger delay, or queued for manual review. It
// returns the ids of the created executions and review items and never
// blocks on action execution.
func (o *Orchestrator) Handle(ctx context.Context, sig signal.ThreatSignal) []string {
	o.mu.RLock()
	gate := o.gate
	o.mu.RUnlock()

	var ids []string
	for _, p := range o.Policies() {
		if !p.Matches(sig) {
			continue
		}
		if p.TriggerCondition.OccurrenceThreshold > 0 && gate != nil && !gate.Allow(ctx, p, sig) {
			o.gated.Add(1)
			continue
		}

		if p.Trigger == TriggerManualReview {
			r, err := o.queueReview(ctx, p, sig)
			if err != nil {
				slog.Error("failed to queue review", "policy_id", p.ID, "signal_id", sig.ID, "error", err)
				continue
			}
			ids = append(ids, r.ID)
			continue
		}

		delay, _ := p.Trigger.Delay()
		execIDs, err := o.schedule(ctx, p, sig, delay)
		if err != nil {
			slog.Error("failed to schedule response", "policy_id", p.ID, "signal_id", sig.ID, "error", err)
		}
		ids = append(ids, execIDs...)
	}
	return ids
}

// schedule records one pending execution per action and runs them after delay.
// When a store write fails, the executions already recorded are still
// scheduled so none is left pending with no timer behind it.
func (o *Orchestrator) schedule(ctx context.Context, p *Policy, sig signal.ThreatSignal, delay time.Duration) ([]string, error) {
	now := o.now()
	ids := make([]string, 0, len(p.Actions))
	var putErr error
	for _, action := range p.Actions {
		exec := Execution{
			ID:           uuid.NewString(),
			PolicyID:     p.ID,
			SignalID:     sig.ID,
			Action:       action,
			Status:       StatusPending,
			Signal:       sig,
			CreatedAt:    now,
			ScheduledFor: now.Add(delay),
			Metadata:     map[string]any{"trigger": string(p.Trigger)},
		}
		if err := o.executions.Put(ctx, exec.ID, exec); err != nil {
			putErr = fmt.Errorf("record %s execution: %w", action, err)
			break
		}
		ids = append(ids, exec.ID)
	}
	if len(ids) == 0 {
		return nil, putErr
	}
	o.scheduled.Add(int64(len(ids)))

	slog.Info("response scheduled",
		"policy_id", p.ID,
		"signal_id", sig.ID,
		"actions", len(ids),
		"delay", delay,
	)

	runCtx := context.WithoutCancel(ctx)
	pending := append([]string(nil), ids...)
	o.scheduler.After(delay, func() {
		o.run(runCtx, pending)
	})
	return ids, putErr
}

// run executes pending executions. Each action's outcome is independent.
func (o *Orchestrator) run(ctx context.Context, ids []string) {
	for _, id := range ids {
		if _, err := o.Execute(ctx, id); err != nil {
			slog.Warn("response execution skipped", "execution_id", id, "error", err)
		}
	}
}

// Execute runs one pending execution and records its outcome. The policy is
// re-read at run time; a policy deactivated since scheduling fails the
// execution.
func (o *Orchestrator) Execute(ctx context.Context, id string) (*Execution, error) {
	exec, handler, pol, err := o.claim(ctx, id)
	if err != nil {
		return nil, err
	}

	var result Result
	var runErr error
	switch {
	case pol == nil || !pol.Active:
		runErr = fmt.Errorf("%w: policy %s inactive", ErrPolicyNotFound, exec.PolicyID)
	case handler == nil:
		runErr = fmt.Errorf("%w: action %s", ErrNotSupported, exec.Action)
	default:
		result, runErr = o.invoke(ctx, handler, exec, pol)
	}

	now := o.now()
	exec.ExecutedAt = &now
	if runErr != nil {
		exec.Status = StatusFailed
		exec.Error = runErr.Error()
		o.failed.Add(1)
		slog.Warn("response action failed",
			"execution_id", exec.ID,
			"policy_id", exec.PolicyID,
			"action", exec.Action,
			"error", runErr,
		)
	} else {
		exec.Status = StatusExecuted
		exec.Result = result
		o.executed.Add(1)
		slog.Info("response action executed",
			"execution_id", exec.ID,
			"policy_id", exec.PolicyID,
			"action", exec.Action,
		)
	}
	metrics.IncExecution(string(exec.Action), string(exec.Status))

	o.mu.Lock()
	err = o.executions.Put(ctx, exec.ID, exec)
	delete(o.inflight, exec.ID)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	o.notifyListeners(ctx, &exec)
	if o.enforcement != nil {
		o.enforcement.publishGauges(ctx)
	}
	return &exec, nil
}

// claim marks a pending execution as running and snapshots its handler
// and policy.
func (o *Orchestrator) claim(ctx context.Context, id string) (Execution, ActionHandler, *Policy, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	exec, ok, err := o.executions.Get(ctx, id)
	if err != nil {
		return exec, nil, nil, err
	}
	if !ok {
		return exec, nil, nil, ErrExecutionNotFound
	}
	if _, running := o.inflight[id]; running || exec.Status != StatusPending {
		return exec, nil, nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, exec.Status)
	}
	o.inflight[id] = struct{}{}

	var pol *Policy
	if p, ok := o.policies[exec.PolicyID]; ok {
		pol = p.clone()
	}
	return exec, o.handlers[exec.Action], pol, nil
}

// invoke calls a handler with the action timeout, converting panics to errors.
func (o *Orchestrator) invoke(ctx context.Context, h ActionHandler, exec Execution, p *Policy) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("action %s panicked: %v", exec.Action, r)
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, o.config.ActionTimeout)
	defer cancel()

	return h.Execute(execCtx, exec.Signal, ExecutionContext{
		ExecutionID: exec.ID,
		Policy:      p,
		Now:         o.now(),
	})
}

// Rollback undoes an executed action. Only executed block_ip and
// lock_account executions can be rolled back.
func (o *Orchestrator) Rollback(ctx context.Context, id string) (*Execution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	exec, ok, err := o.executions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExecutionNotFound
	}
	switch exec.Status {
	case StatusRolledBack:
		return nil, ErrAlreadyRolledBack
	case StatusExecuted:
	default:
		return nil, fmt.Errorf("%w: cannot roll back %s execution", ErrInvalidTransition, exec.Status)
	}

	rb, ok := o.handlers[exec.Action].(Rollbacker)
	if !ok {
		return nil, fmt.Errorf("%w: rollback of %s", ErrNotSupported, exec.Action)
	}
	result, err := rb.Rollback(ctx, &exec)
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", exec.ID, err)
	}

	now := o.now()
	exec.Status = StatusRolledBack
	exec.RolledBackAt = &now
	if exec.Result == nil {
		exec.Result = map[string]any{}
	}
	exec.Result["rollback"] = result
	if err := o.executions.Put(ctx, exec.ID, exec); err != nil {
		return nil, err
	}
	o.rolledBack.Add(1)
	metrics.IncExecution(string(exec.Action), string(exec.Status))
	slog.Info("response action rolled back", "execution_id", exec.ID, "action", exec.Action)

	listeners := append([]ExecutionListener(nil), o.listeners...)
	go func() {
		for _, l := range listeners {
			l(context.WithoutCancel(ctx), &exec)
		}
	}()
	return &exec, nil
}

func (o *Orchestrator) notifyListeners(ctx context.Context, exec *Execution) {
	o.mu.RLock()
	listeners := append([]ExecutionListener(nil), o.listeners...)
	o.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, exec)
	}
}

// GetExecution returns an execution by id.
func (o *Orchestrator) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec, ok, err := o.executions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return &exec, nil
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	PolicyID string
	SignalID string
	Action   ActionKind
	Status   ExecutionStatus
	Limit    int
}

func (f ExecutionFilter) matches(e *Execution) bool {
	return (f.PolicyID == "" || e.PolicyID == f.PolicyID) &&
		(f.SignalID == "" || e.SignalID == f.SignalID) &&
		(f.Action == "" || e.Action == f.Action) &&
		(f.Status == "" || e.Status == f.Status)
}

// ListExecutions returns executions newest first.
func (o *Orchestrator) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	var out []*Execution
	err := o.executions.Range(ctx, func(_ string, e Execution) bool {
		if f.matches(&e) {
			ec := e
			out = append(out, &ec)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CleanupReport summarizes a cleanup sweep.
type CleanupReport struct {
	Expired    ExpireReport `json:"expired"`
	Executions int          `json:"executions_purged"`
	Reviews    int          `json:"reviews_purged"`
}

// Cleanup deactivates expired blocks and locks and deletes executions and
// decided reviews older than the retention window. It is idempotent.
func (o *Orchestrator) Cleanup(ctx context.Context, now time.Time) (CleanupReport, error) {
	var report CleanupReport

	if o.enforcement != nil {
		expired, err := o.enforcement.Expire(ctx, now)
		report.Expired = expired
		if err != nil {
			return report, err
		}
		o.enforcement.publishGauges(ctx)
	}

	cutoff := now.Add(-o.config.ExecutionRetention)
	var old []*Execution
	err := o.executions.Range(ctx, func(_ string, e Execution) bool {
		if e.CreatedAt.Before(cutoff) && e.Status != StatusPending {
			ec := e
			old = append(old, &ec)
		}
		return true
	})
	if err != nil {
		return report, err
	}

	o.mu.RLock()
	archiver := o.archiver
	o.mu.RUnlock()
	if archiver != nil && len(old) > 0 {
		if err := archiver.ArchiveExecutions(ctx, old); err != nil {
			slog.Warn("failed to archive executions", "count", len(old), "error", err)
		}
	}
	for _, e := range old {
		if err := o.executions.Delete(ctx, e.ID); err != nil {
			return report, err
		}
		report.Executions++
	}

	var decided []string
	err = o.reviews.Range(ctx, func(id string, r Review) bool {
		if r.Status != ReviewPending && r.DecidedAt != nil && r.DecidedAt.Before(cutoff) {
			decided = append(decided, id)
		}
		return true
	})
	if err != nil {
		return report, err
	}
	for _, id := range decided {
		if err := o.reviews.Delete(ctx, id); err != nil {
			return report, err
		}
		report.Reviews++
	}

	if report.Expired.Blocks+report.Expired.Locks+report.Executions+report.Reviews > 0 {
		slog.Info("response cleanup",
			"blocks_expired", report.Expired.Blocks,
			"locks_expired", report.Expired.Locks,
			"executions_purged", report.Executions,
			"reviews_purged", report.Reviews,
		)
	}
	return report, nil
}

// Stats returns orchestrator statistics.
func (o *Orchestrator) Stats() map[string]any {
	o.mu.RLock()
	policies := len(o.policies)
	handlers := len(o.handlers)
	o.mu.RUnlock()

	return map[string]any{
		"policies":    policies,
		"handlers":    handlers,
		"scheduled":   o.scheduled.Load(),
		"executed":    o.executed.Load(),
		"failed":      o.failed.Load(),
		"rolled_back": o.rolledBack.Load(),
		"gated":       o.gated.Load(),
	}
}
