package correlation

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"boundary-soar/internal/incident"
	"boundary-soar/internal/signal"
	"boundary-soar/internal/store"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newSignal(id string, tt signal.ThreatType, ip string, risk float64, at time.Time) signal.ThreatSignal {
	return signal.ThreatSignal{
		ID:         id,
		ThreatType: tt,
		Confidence: 0.75,
		RiskScore:  risk,
		IPAddress:  ip,
		Timestamp:  at,
	}
}

func newTestEngine(t *testing.T, rules ...*Rule) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultEngineConfig(), store.NewMemory[Correlation]())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	e.now = func() time.Time { return base }
	for _, r := range rules {
		if err := e.AddRule(r); err != nil {
			t.Fatalf("AddRule(%s) error = %v", r.ID, err)
		}
	}
	return e
}

func campaignRule() *Rule {
	return &Rule{
		ID:      "campaign",
		Name:    "Campaign",
		Type:    RuleTypeCampaign,
		Enabled: true,
		Conditions: []Condition{
			{Field: FieldThreatType, Operator: "in", Values: []string{"card_testing"}, Weight: 0.9},
			{Field: FieldTimeWindow, Operator: "within", Value: 60, Weight: 0.3},
		},
		Threshold: Threshold{MinSignals: 3, TimeWindowMinutes: 60, MinConfidence: 0.6, SeverityThreshold: 60},
		Actions:   RuleActions{CreateIncident: true, Notify: true},
	}
}

type fakeSink struct {
	mu       sync.Mutex
	params   []incident.Params
	notified int
	err      error
}

func (f *fakeSink) Create(_ context.Context, p incident.Params) (*incident.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.params = append(f.params, p)
	return &incident.Incident{ID: fmt.Sprintf("inc-%d", len(f.params)), Severity: p.Severity}, nil
}

func (f *fakeSink) Notify(context.Context, *incident.Incident) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified++
}

func TestEvaluate_MinimumMembership(t *testing.T) {
	tests := []struct {
		name    string
		history int
		want    int
	}{
		{"one history signal", 1, 0},
		{"two history signals", 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, campaignRule())

			var history []signal.ThreatSignal
			for i := 0; i < tt.history; i++ {
				history = append(history, newSignal(fmt.Sprintf("h%d", i), signal.ThreatCardTesting, "10.0.0.1", 78, base.Add(time.Duration(i)*time.Minute)))
			}
			sig := newSignal("new", signal.ThreatCardTesting, "10.0.0.2", 78, base.Add(5*time.Minute))

			got := e.Evaluate(context.Background(), sig, append(history, sig))
			if len(got) != tt.want {
				t.Fatalf("Evaluate() returned %d correlations, want %d", len(got), tt.want)
			}
			if tt.want == 1 && len(got[0].SignalIDs) != 3 {
				t.Errorf("SignalIDs = %v, want 3 ids", got[0].SignalIDs)
			}
		})
	}
}

func TestEvaluate_TimeWindowExclusion(t *testing.T) {
	e := newTestEngine(t, campaignRule())

	sig := newSignal("new", signal.ThreatCardTesting, "10.0.0.3", 78, base.Add(2*time.Hour))
	history := []signal.ThreatSignal{
		newSignal("old", signal.ThreatCardTesting, "10.0.0.1", 78, base),
		newSignal("recent", signal.ThreatCardTesting, "10.0.0.2", 78, base.Add(2*time.Hour-10*time.Minute)),
		sig,
	}

	if got := e.Evaluate(context.Background(), sig, history); len(got) != 0 {
		t.Errorf("Evaluate() = %d correlations, want 0 (old signal outside window)", len(got))
	}
}

func TestEvaluate_HighWeightConditionFilters(t *testing.T) {
	e := newTestEngine(t, campaignRule())

	sig := newSignal("new", signal.ThreatCardTesting, "10.0.0.3", 78, base.Add(5*time.Minute))
	history := []signal.ThreatSignal{
		newSignal("a", signal.ThreatCardTesting, "10.0.0.1", 78, base),
		newSignal("b", signal.ThreatScraping, "10.0.0.2", 78, base.Add(time.Minute)),
	}

	if got := e.Evaluate(context.Background(), sig, history); len(got) != 0 {
		t.Errorf("Evaluate() = %d correlations, want 0", len(got))
	}
}

func TestBucket(t *testing.T) {
	tests := []struct {
		score float64
		want  incident.Severity
	}{
		{92, incident.SeverityCritical},
		{90, incident.SeverityCritical},
		{89.99, incident.SeverityHigh},
		{75, incident.SeverityHigh},
		{70, incident.SeverityHigh},
		{55, incident.SeverityMedium},
		{50, incident.SeverityMedium},
		{49.9, incident.SeverityLow},
		{30, incident.SeverityLow},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.score), func(t *testing.T) {
			if got := Bucket(tt.score); got != tt.want {
				t.Errorf("Bucket(%v) = %v, want %v", tt.score, got, tt.want)
			}
		})
	}
}

func TestSeverityScore(t *testing.T) {
	members := []signal.ThreatSignal{
		{RiskScore: 50}, {RiskScore: 70}, {RiskScore: 90},
	}
	// 0.6*70 + 0.4*90
	if got := severityScore(members); math.Abs(got-78) > 1e-9 {
		t.Errorf("severityScore() = %v, want 78", got)
	}
}

func TestEvaluate_SeverityThresholdGate(t *testing.T) {
	e := newTestEngine(t, campaignRule())

	sig := newSignal("new", signal.ThreatCardTesting, "10.0.0.3", 40, base.Add(5*time.Minute))
	history := []signal.ThreatSignal{
		newSignal("a", signal.ThreatCardTesting, "10.0.0.1", 40, base),
		newSignal("b", signal.ThreatCardTesting, "10.0.0.2", 40, base.Add(time.Minute)),
	}

	if got := e.Evaluate(context.Background(), sig, history); len(got) != 0 {
		t.Errorf("Evaluate() = %d correlations, want 0 below severity threshold", len(got))
	}
}

func TestConfidence_NewSignalOnly(t *testing.T) {
	rule := &Rule{
		ID:      "conf",
		Name:    "Confidence",
		Type:    RuleTypeBehavioral,
		Enabled: true,
		Conditions: []Condition{
			{Field: FieldIPAddress, Operator: "same", Weight: 0.9},
			{Field: FieldRiskScore, Operator: "gte", Value: 80, Weight: 0.1},
		},
		Threshold: Threshold{MinSignals: 2, TimeWindowMinutes: 30},
	}
	e := newTestEngine(t, rule)

	// Every history member satisfies risk_score >= 80 but the new signal
	// does not, so only the ip_address weight counts.
	sig := newSignal("new", signal.ThreatBruteForce, "10.0.0.1", 60, base.Add(time.Minute))
	history := []signal.ThreatSignal{
		newSignal("a", signal.ThreatBruteForce, "10.0.0.1", 95, base),
	}

	got := e.Evaluate(context.Background(), sig, history)
	if len(got) != 1 {
		t.Fatalf("Evaluate() = %d correlations, want 1", len(got))
	}
	if math.Abs(got[0].Confidence-0.9) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.9", got[0].Confidence)
	}
}

func TestDetectPatterns(t *testing.T) {
	tests := []struct {
		name    string
		members []signal.ThreatSignal
		want    []string
	}{
		{
			name: "increasing risk, one type",
			members: []signal.ThreatSignal{
				{ThreatType: signal.ThreatBruteForce, RiskScore: 40},
				{ThreatType: signal.ThreatBruteForce, RiskScore: 60},
				{ThreatType: signal.ThreatBruteForce, RiskScore: 80},
			},
			want: []string{PatternIncreasingSeverity},
		},
		{
			name: "flat risk, two types",
			members: []signal.ThreatSignal{
				{ThreatType: signal.ThreatBruteForce, RiskScore: 60},
				{ThreatType: signal.ThreatScraping, RiskScore: 60},
			},
			want: []string{PatternMultiVector},
		},
		{
			name: "increasing and multi vector",
			members: []signal.ThreatSignal{
				{ThreatType: signal.ThreatBruteForce, RiskScore: 10},
				{ThreatType: signal.ThreatXSS, RiskScore: 20},
			},
			want: []string{PatternIncreasingSeverity, PatternMultiVector},
		},
		{
			name: "no pattern",
			members: []signal.ThreatSignal{
				{ThreatType: signal.ThreatDDoS, RiskScore: 80},
				{ThreatType: signal.ThreatDDoS, RiskScore: 70},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, p := range detectPatterns(tt.members) {
				got = append(got, p.Type)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("detectPatterns() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRepeatedIndicators(t *testing.T) {
	var members []signal.ThreatSignal
	for i := 0; i < 5; i++ {
		members = append(members, signal.ThreatSignal{IPAddress: "10.0.0.9", UserID: fmt.Sprintf("u%d", i%4)})
	}

	got := repeatedIndicators(members)
	if len(got) != 2 {
		t.Fatalf("repeatedIndicators() = %+v, want 2 indicators", got)
	}
	if got[0].Value != "10.0.0.9" || got[0].Count != 5 || got[0].Severity != 100 {
		t.Errorf("ip indicator = %+v, want count 5 severity 100", got[0])
	}
	if got[1].Value != "u0" || got[1].Count != 2 || got[1].Severity != 50 {
		t.Errorf("user indicator = %+v, want u0 count 2 severity 50", got[1])
	}
}

func TestTighten(t *testing.T) {
	window := 10 * time.Minute
	sig := signal.ThreatSignal{ID: "s", Timestamp: base}
	cands := []signal.ThreatSignal{
		{ID: "before", Timestamp: base.Add(-8 * time.Minute)},
		{ID: "after1", Timestamp: base.Add(3 * time.Minute)},
		{ID: "after2", Timestamp: base.Add(6 * time.Minute)},
	}

	got := tighten(sig, cands, window)
	var ids []string
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	want := []string{"s", "after1", "after2"}
	if !slices.Equal(ids, want) {
		t.Errorf("tighten() = %v, want %v", ids, want)
	}
}

func TestEvaluate_RuleErrorIsolation(t *testing.T) {
	e := newTestEngine(t, campaignRule())

	// Inserted directly so validation does not reject it.
	e.rules["broken"] = &Rule{
		ID:         "broken",
		Name:       "Broken",
		Type:       RuleTypeBehavioral,
		Enabled:    true,
		Conditions: []Condition{{Field: FieldConfidence, Operator: "gte", Value: "not-a-number", Weight: 0.9}},
		Threshold:  Threshold{MinSignals: 2, TimeWindowMinutes: 60},
	}

	sig := newSignal("new", signal.ThreatCardTesting, "10.0.0.3", 78, base.Add(5*time.Minute))
	history := []signal.ThreatSignal{
		newSignal("a", signal.ThreatCardTesting, "10.0.0.1", 78, base),
		newSignal("b", signal.ThreatCardTesting, "10.0.0.2", 78, base.Add(time.Minute)),
	}

	got := e.Evaluate(context.Background(), sig, history)
	if len(got) != 1 || got[0].RuleID != "campaign" {
		t.Fatalf("Evaluate() = %v, want the campaign correlation only", got)
	}
	if n := e.Stats()["rule_errors"].(int64); n != 1 {
		t.Errorf("rule_errors = %d, want 1", n)
	}
}

type lockCheckingResponder struct {
	t       *testing.T
	engine  *Engine
	mu      sync.Mutex
	handled []string
}

func (r *lockCheckingResponder) Handle(_ context.Context, sig signal.ThreatSignal) []string {
	done := make(chan struct{})
	go func() {
		// Needs the engine write lock.
		r.engine.SetEnabled("campaign", true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		r.t.Error("responder invoked while the engine lock was held")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, sig.ID)
	return nil
}

func TestEvaluate_SideEffects(t *testing.T) {
	rule := campaignRule()
	rule.Actions.TriggerResponse = true
	e := newTestEngine(t, rule)

	sink := &fakeSink{}
	responder := &lockCheckingResponder{t: t, engine: e}
	e.SetIncidentSink(sink)
	e.SetResponder(responder)

	var handled []*Correlation
	e.AddHandler(func(_ context.Context, c *Correlation) { handled = append(handled, c) })
	e.AddHandler(func(context.Context, *Correlation) { panic("boom") })

	sig := newSignal("new", signal.ThreatCardTesting, "10.0.0.3", 78, base.Add(5*time.Minute))
	history := []signal.ThreatSignal{
		newSignal("a", signal.ThreatCardTesting, "10.0.0.1", 78, base),
		newSignal("b", signal.ThreatCardTesting, "10.0.0.2", 78, base.Add(time.Minute)),
	}

	got := e.Evaluate(context.Background(), sig, history)
	if len(got) != 1 {
		t.Fatalf("Evaluate() = %d correlations, want 1", len(got))
	}
	if got[0].IncidentID != "inc-1" {
		t.Errorf("IncidentID = %q, want inc-1", got[0].IncidentID)
	}
	if len(sink.params) != 1 || sink.params[0].Category != incident.CategoryFraud || sink.params[0].Severity != incident.SeverityHigh {
		t.Errorf("incident params = %+v, want one fraud/high incident", sink.params)
	}
	if sink.notified != 1 {
		t.Errorf("notified = %d, want 1", sink.notified)
	}
	if len(handled) != 1 {
		t.Errorf("handler calls = %d, want 1", len(handled))
	}
	want := []string{"a", "b", "new"}
	if !slices.Equal(responder.handled, want) {
		t.Errorf("responder handled %v, want %v", responder.handled, want)
	}

	stored, err := e.Get(context.Background(), got[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.IncidentID != "inc-1" {
		t.Errorf("stored IncidentID = %q, want inc-1", stored.IncidentID)
	}
}

func TestEvaluate_Dedupe(t *testing.T) {
	e := newTestEngine(t, campaignRule())

	sig := newSignal("new", signal.ThreatCardTesting, "10.0.0.3", 78, base.Add(5*time.Minute))
	history := []signal.ThreatSignal{
		newSignal("a", signal.ThreatCardTesting, "10.0.0.1", 78, base),
		newSignal("b", signal.ThreatCardTesting, "10.0.0.2", 78, base.Add(time.Minute)),
	}

	if got := e.Evaluate(context.Background(), sig, history); len(got) != 1 {
		t.Fatalf("first Evaluate() = %d, want 1", len(got))
	}
	if got := e.Evaluate(context.Background(), sig, history); len(got) != 0 {
		t.Errorf("repeated Evaluate() = %d, want 0", len(got))
	}
}

func TestDistributedAttackCampaign(t *testing.T) {
	e := newTestEngine(t, BuiltinRules()...)
	sink := &fakeSink{}
	e.SetIncidentSink(sink)

	signals := []signal.ThreatSignal{
		newSignal("s1", signal.ThreatCardTesting, "1.1.1.1", 78, base),
		newSignal("s2", signal.ThreatCardTesting, "2.2.2.2", 78, base.Add(4*time.Minute)),
		newSignal("s3", signal.ThreatCardTesting, "3.3.3.3", 78, base.Add(8*time.Minute)),
	}

	var all []*Correlation
	var history []signal.ThreatSignal
	for i, s := range signals {
		history = append(history, s)
		got := e.Evaluate(context.Background(), s, history)
		if i < 2 && len(got) != 0 {
			t.Fatalf("signal %d produced %d correlations, want 0", i+1, len(got))
		}
		all = append(all, got...)
	}

	if len(all) != 1 {
		t.Fatalf("got %d correlations, want 1", len(all))
	}
	c := all[0]
	if c.RuleID != "distributed_attack_campaign" {
		t.Errorf("RuleID = %q, want distributed_attack_campaign", c.RuleID)
	}
	if !slices.Equal(c.SignalIDs, []string{"s1", "s2", "s3"}) {
		t.Errorf("SignalIDs = %v, want [s1 s2 s3]", c.SignalIDs)
	}
	if !slices.Equal(c.RelatedEntities.IPAddresses, []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}) {
		t.Errorf("IPAddresses = %v", c.RelatedEntities.IPAddresses)
	}
	if c.Severity != incident.SeverityHigh {
		t.Errorf("Severity = %v, want high", c.Severity)
	}
	if c.RequiresEscalation {
		t.Error("RequiresEscalation = true, want false for score 78")
	}
	if c.Confidence < 0.6 {
		t.Errorf("Confidence = %v, want >= 0.6", c.Confidence)
	}
}

func TestSweep(t *testing.T) {
	sweepRule := MultiVectorCampaignRule()
	e := newTestEngine(t, sweepRule)

	var history []signal.ThreatSignal
	types := []signal.ThreatType{signal.ThreatDDoS, signal.ThreatXSS, signal.ThreatScraping, signal.ThreatSQLInjection, signal.ThreatAPIAbuse}
	for i, tt := range types {
		history = append(history, newSignal(fmt.Sprintf("s%d", i), tt, fmt.Sprintf("10.0.1.%d", i), 70+float64(i), base.Add(time.Duration(i)*time.Minute)))
	}

	if got := e.Evaluate(context.Background(), history[4], history); len(got) != 0 {
		t.Fatalf("Evaluate() fired a sweep-mode rule")
	}

	report, err := e.Sweep(context.Background(), history, base)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(report.Correlations) != 1 {
		t.Fatalf("Sweep() correlations = %d, want 1", len(report.Correlations))
	}
	if !slices.ContainsFunc(report.Correlations[0].Patterns, func(p Pattern) bool { return p.Type == PatternMultiVector }) {
		t.Errorf("patterns = %+v, want multi_vector", report.Correlations[0].Patterns)
	}

	report, err = e.Sweep(context.Background(), history, base)
	if err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	if len(report.Correlations) != 0 {
		t.Errorf("second Sweep() correlations = %d, want 0", len(report.Correlations))
	}
}

type recordingArchiver struct {
	items []*Correlation
}

func (a *recordingArchiver) ArchiveCorrelations(_ context.Context, items []*Correlation) error {
	a.items = append(a.items, items...)
	return nil
}

func TestSweep_PurgesExpired(t *testing.T) {
	e := newTestEngine(t, campaignRule())
	archiver := &recordingArchiver{}
	e.SetArchiver(archiver)

	ctx := context.Background()
	old := Correlation{ID: "old", CreatedAt: base.Add(-8 * 24 * time.Hour)}
	fresh := Correlation{ID: "fresh", CreatedAt: base.Add(-time.Hour)}
	e.correlations.Put(ctx, old.ID, old)
	e.correlations.Put(ctx, fresh.ID, fresh)

	report, err := e.Sweep(ctx, nil, base)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if report.Purged != 1 {
		t.Errorf("Purged = %d, want 1", report.Purged)
	}
	if len(archiver.items) != 1 || archiver.items[0].ID != "old" {
		t.Errorf("archived = %v, want [old]", archiver.items)
	}
	if _, err := e.Get(ctx, "fresh"); err != nil {
		t.Errorf("Get(fresh) error = %v", err)
	}
	if _, err := e.Get(ctx, "old"); err != ErrCorrelationNotFound {
		t.Errorf("Get(old) error = %v, want ErrCorrelationNotFound", err)
	}
}

func TestSetEscalation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.correlations.Put(ctx, "c1", Correlation{ID: "c1", CreatedAt: base})

	e.now = func() time.Time { return base.Add(time.Hour) }
	c, err := e.SetEscalation(ctx, "c1", true)
	if err != nil {
		t.Fatalf("SetEscalation() error = %v", err)
	}
	if !c.RequiresEscalation || !c.LastUpdated.Equal(base.Add(time.Hour)) {
		t.Errorf("SetEscalation() = %+v", c)
	}
	if _, err := e.SetEscalation(ctx, "missing", true); err != ErrCorrelationNotFound {
		t.Errorf("SetEscalation(missing) error = %v, want ErrCorrelationNotFound", err)
	}
}

func TestRecent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("c%d", i)
		e.correlations.Put(ctx, id, Correlation{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	got, err := e.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "c4" || got[1].ID != "c3" {
		t.Errorf("Recent(2) = %v, want [c4 c3]", got)
	}
}
