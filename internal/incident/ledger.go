package incident

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"boundary-soar/internal/scheduler"
	"boundary-soar/internal/store"
)

// Handler is called after an incident is created or changed. Handlers run
// in their own goroutine and must not block the ledger.
type Handler func(ctx context.Context, event string, inc *Incident)

// Handler event names.
const (
	EventCreated   = "created"
	EventUpdated   = "updated"
	EventEscalated = "escalated"
)

// Blocker blocks an IP address on behalf of an alert threshold.
type Blocker interface {
	BlockIP(ctx context.Context, ip, reason string, d time.Duration) error
}

// Config holds ledger configuration.
type Config struct {
	Thresholds         []AlertThreshold   `yaml:"thresholds"`
	EscalationPolicies []EscalationPolicy `yaml:"escalation_policies"`
	Stakeholders       []Stakeholder      `yaml:"stakeholders"`
	BlockDuration      time.Duration      `yaml:"block_duration"`
	NotifyTimeout      time.Duration      `yaml:"notify_timeout"`
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds:         BuiltinThresholds(),
		EscalationPolicies: BuiltinEscalationPolicies(),
		BlockDuration:      24 * time.Hour,
		NotifyTimeout:      30 * time.Second,
	}
}

// Ledger owns incident records and their lifecycle.
type Ledger struct {
	config       Config
	incidents    store.Store[Incident]
	stakeholders *Stakeholders
	scheduler    scheduler.Scheduler
	notifier     Notifier
	blocker      Blocker
	handlers     []Handler
	now          func() time.Time

	mu          sync.Mutex
	thresholds  map[string]AlertThreshold
	policies    map[string]EscalationPolicy
	escalations map[string][]scheduler.Handle

	created           atomic.Uint64
	thresholdTriggers atomic.Uint64
	escalationsFired  atomic.Uint64
	notifyFailures    atomic.Uint64
}

// NewLedger creates a ledger. Configured thresholds and escalation policies
// that fail validation are skipped with a warning.
func NewLedger(cfg Config, incidents store.Store[Incident], stakeholders *Stakeholders, sched scheduler.Scheduler) *Ledger {
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 24 * time.Hour
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}

	l := &Ledger{
		config:       cfg,
		incidents:    incidents,
		stakeholders: stakeholders,
		scheduler:    sched,
		notifier:     NotifierFunc(func(context.Context, Stakeholder, *Incident) error { return nil }),
		now:          time.Now,
		thresholds:   make(map[string]AlertThreshold),
		policies:     make(map[string]EscalationPolicy),
		escalations:  make(map[string][]scheduler.Handle),
	}

	for _, t := range cfg.Thresholds {
		if err := l.PutThreshold(t); err != nil {
			slog.Warn("skipping invalid alert threshold", "id", t.ID, "error", err)
		}
	}
	for _, p := range cfg.EscalationPolicies {
		if err := l.PutEscalationPolicy(p); err != nil {
			slog.Warn("skipping invalid escalation policy", "id", p.ID, "error", err)
		}
	}
	for _, s := range cfg.Stakeholders {
		if err := stakeholders.Add(context.Background(), s); err != nil {
			slog.Warn("skipping invalid stakeholder", "id", s.ID, "error", err)
		}
	}
	return l
}

// SetNotifier sets the delivery transport.
func (l *Ledger) SetNotifier(n Notifier) {
	l.notifier = n
}

// SetBlocker sets the IP blocker used by "block" thresholds.
func (l *Ledger) SetBlocker(b Blocker) {
	l.blocker = b
}

// AddHandler registers a lifecycle handler. Not safe to call after the
// ledger starts receiving incidents.
func (l *Ledger) AddHandler(h Handler) {
	l.handlers = append(l.handlers, h)
}

// Stakeholders returns the stakeholder registry.
func (l *Ledger) Stakeholders() *Stakeholders {
	return l.stakeholders
}

// Create records a new incident, then runs the alert threshold check and
// schedules escalation levels.
func (l *Ledger) Create(ctx context.Context, p Params) (*Incident, error) {
	if p.Title == "" || p.Category == "" || !p.Severity.IsValid() {
		return nil, fmt.Errorf("%w: category, valid severity and title are required", ErrInvalidParams)
	}

	inc := Incident{
		ID:              uuid.NewString(),
		Category:        p.Category,
		Severity:        p.Severity,
		Status:          StatusNew,
		Title:           p.Title,
		Description:     p.Description,
		Source:          p.Source,
		AffectedSystems: append([]string(nil), p.AffectedSystems...),
		UserID:          p.UserID,
		IPAddress:       p.IPAddress,
		Timestamp:       l.now().UTC(),
		Details:         mergeMap(nil, p.Details),
		Tags:            append([]string(nil), p.Tags...),
		Metadata:        mergeMap(nil, p.Metadata),
	}

	if err := l.incidents.Put(ctx, inc.ID, inc); err != nil {
		return nil, fmt.Errorf("incident: store %s: %w", inc.ID, err)
	}
	l.created.Add(1)

	slog.Info("incident created",
		"incident_id", inc.ID,
		"category", inc.Category,
		"severity", inc.Severity,
		"source", inc.Source,
	)
	l.emit(EventCreated, &inc)

	l.checkThresholds(ctx, &inc)
	l.scheduleEscalations(&inc)

	current, _, err := l.incidents.Get(ctx, inc.ID)
	if err != nil {
		return &inc, nil
	}
	return &current, nil
}

// Get returns an incident by id.
func (l *Ledger) Get(ctx context.Context, id string) (*Incident, error) {
	inc, ok, err := l.incidents.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("incident: get %s: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &inc, nil
}

// Update merges a patch into an incident. Resolving an incident cancels its
// pending escalation levels.
func (l *Ledger) Update(ctx context.Context, id string, p Patch) (*Incident, error) {
	l.mu.Lock()
	inc, ok, err := l.incidents.Get(ctx, id)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("incident: get %s: %w", id, err)
	}
	if !ok {
		l.mu.Unlock()
		return nil, ErrNotFound
	}

	updated, err := p.apply(inc)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if err := l.incidents.Put(ctx, id, updated); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("incident: store %s: %w", id, err)
	}

	var cancel []scheduler.Handle
	if updated.Status.IsTerminal() {
		cancel = l.escalations[id]
		delete(l.escalations, id)
	}
	l.mu.Unlock()

	for _, h := range cancel {
		h.Cancel()
	}

	if inc.Status != updated.Status {
		slog.Info("incident status changed",
			"incident_id", id,
			"from", inc.Status,
			"to", updated.Status,
		)
	}
	l.emit(EventUpdated, &updated)
	return &updated, nil
}

// List returns incidents matching the filter, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*Incident, error) {
	var out []*Incident
	err := l.incidents.Range(ctx, func(_ string, inc Incident) bool {
		if f.matches(&inc) {
			c := inc
			out = append(out, &c)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("incident: list: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Incident{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListActive returns incidents that are neither resolved nor false positives.
func (l *Ledger) ListActive(ctx context.Context) ([]*Incident, error) {
	all, err := l.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, inc := range all {
		if !inc.Status.IsTerminal() {
			active = append(active, inc)
		}
	}
	return active, nil
}

// Notify delivers inc to every interested stakeholder. Delivery is
// fire-and-forget; failures are logged and counted.
func (l *Ledger) Notify(ctx context.Context, inc *Incident) {
	targets, err := l.stakeholders.List(ctx, inc.Category, inc.Severity)
	if err != nil {
		slog.Error("failed to list stakeholders", "incident_id", inc.ID, "error", err)
		return
	}
	l.deliver(targets, inc)
}

func (l *Ledger) deliver(targets []Stakeholder, inc *Incident) {
	snapshot := *inc
	for _, to := range targets {
		go func(to Stakeholder) {
			ctx, cancel := context.WithTimeout(context.Background(), l.config.NotifyTimeout)
			defer cancel()
			if err := l.notifier.Notify(ctx, to, &snapshot); err != nil {
				l.notifyFailures.Add(1)
				logNotifyFailure(to, &snapshot, err)
			}
		}(to)
	}
}

func (l *Ledger) emit(event string, inc *Incident) {
	if len(l.handlers) == 0 {
		return
	}
	snapshot := *inc
	for _, h := range l.handlers {
		go h(context.Background(), event, &snapshot)
	}
}
