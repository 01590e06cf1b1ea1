package incident

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DailyCount is one day of the incident trend.
type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Counters are system-level totals.
type Counters struct {
	EventsProcessed   int    `json:"events_processed"`
	AlertsTriggered   int    `json:"alerts_triggered"`
	FalsePositives    int    `json:"false_positives"`
	Escalated         int    `json:"escalated"`
	ThresholdTriggers uint64 `json:"threshold_triggers"`
	EscalationsFired  uint64 `json:"escalations_fired"`
	NotifyFailures    uint64 `json:"notify_failures"`
	IncidentsCreated  uint64 `json:"incidents_created"`
}

// Metrics summarizes a set of incidents.
type Metrics struct {
	Total                     int              `json:"total"`
	BySeverity                map[Severity]int `json:"by_severity"`
	ByStatus                  map[Status]int   `json:"by_status"`
	ByCategory                map[Category]int `json:"by_category"`
	MeanResolutionMinutes     float64          `json:"mean_resolution_minutes"`
	CriticalResolutionMinutes float64          `json:"critical_resolution_minutes"`
	HighResolutionMinutes     float64          `json:"high_resolution_minutes"`
	Trend                     []DailyCount     `json:"trend"`
	Counters                  Counters         `json:"counters"`
}

// trendDays is the length of the daily trend.
const trendDays = 7

func computeMetrics(incidents []Incident, now time.Time) Metrics {
	m := Metrics{
		Total:      len(incidents),
		BySeverity: map[Severity]int{SeverityLow: 0, SeverityMedium: 0, SeverityHigh: 0, SeverityCritical: 0},
		ByStatus:   make(map[Status]int),
		ByCategory: make(map[Category]int),
	}

	var all, crit, high meanAcc
	today := now.UTC().Truncate(24 * time.Hour)
	firstDay := today.AddDate(0, 0, -(trendDays - 1))
	days := make([]int, trendDays)

	for i := range incidents {
		inc := &incidents[i]
		m.BySeverity[inc.Severity]++
		m.ByStatus[inc.Status]++
		m.ByCategory[inc.Category]++

		if inc.Status == StatusFalsePositive {
			m.Counters.FalsePositives++
		}
		if inc.EscalatedTo != "" {
			m.Counters.Escalated++
		}

		if mins, ok := inc.ResolutionMinutes(); ok {
			all.add(mins)
			switch inc.Severity {
			case SeverityCritical:
				crit.add(mins)
			case SeverityHigh:
				high.add(mins)
			}
		}

		day := inc.Timestamp.UTC().Truncate(24 * time.Hour)
		if !day.Before(firstDay) && !day.After(today) {
			days[int(day.Sub(firstDay).Hours()/24)]++
		}
	}

	m.MeanResolutionMinutes = all.mean()
	m.CriticalResolutionMinutes = crit.mean()
	m.HighResolutionMinutes = high.mean()

	m.Trend = make([]DailyCount, trendDays)
	for i := range days {
		m.Trend[i] = DailyCount{
			Date:  firstDay.AddDate(0, 0, i).Format("2006-01-02"),
			Count: days[i],
		}
	}

	m.Counters.EventsProcessed = m.Total
	m.Counters.AlertsTriggered = m.BySeverity[SeverityHigh] + m.BySeverity[SeverityCritical]
	return m
}

type meanAcc struct {
	sum float64
	n   int
}

func (a *meanAcc) add(v float64) {
	a.sum += v
	a.n++
}

func (a meanAcc) mean() float64 {
	if a.n == 0 {
		return 0
	}
	return a.sum / float64(a.n)
}

func (l *Ledger) snapshot(ctx context.Context, since time.Time) ([]Incident, error) {
	var out []Incident
	err := l.incidents.Range(ctx, func(_ string, inc Incident) bool {
		if since.IsZero() || !inc.Timestamp.Before(since) {
			out = append(out, inc)
		}
		return true
	})
	return out, err
}

// Metrics computes metrics over every stored incident.
func (l *Ledger) Metrics(ctx context.Context) (Metrics, error) {
	incidents, err := l.snapshot(ctx, time.Time{})
	if err != nil {
		return Metrics{}, fmt.Errorf("incident: metrics: %w", err)
	}
	m := computeMetrics(incidents, l.now())
	l.fillCounters(&m.Counters)
	return m, nil
}

func (l *Ledger) fillCounters(c *Counters) {
	c.ThresholdTriggers = l.thresholdTriggers.Load()
	c.EscalationsFired = l.escalationsFired.Load()
	c.NotifyFailures = l.notifyFailures.Load()
	c.IncidentsCreated = l.created.Load()
}

// Recommendation heuristics.
const (
	slowResolutionMinutes = 60
	highVolumeIncidents   = 50
)

// CategoryBreakdown summarizes one category in a report.
type CategoryBreakdown struct {
	Category              Category         `json:"category"`
	Total                 int              `json:"total"`
	BySeverity            map[Severity]int `json:"by_severity"`
	Resolved              int              `json:"resolved"`
	MeanResolutionMinutes float64          `json:"mean_resolution_minutes"`
}

// Report aggregates incidents created within a period.
type Report struct {
	Period          string              `json:"period"`
	Start           time.Time           `json:"start"`
	End             time.Time           `json:"end"`
	GeneratedAt     time.Time           `json:"generated_at"`
	Summary         Metrics             `json:"summary"`
	Categories      []CategoryBreakdown `json:"categories"`
	Recommendations []string            `json:"recommendations"`
}

// ParsePeriod accepts Go durations ("12h") and day counts ("7d").
func ParsePeriod(s string) (time.Duration, error) {
	if s == "" {
		return 24 * time.Hour, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid period %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid period %q", s)
	}
	return d, nil
}

// Report builds a report over incidents created in the last period.
func (l *Ledger) Report(ctx context.Context, period time.Duration) (*Report, error) {
	end := l.now().UTC()
	start := end.Add(-period)

	incidents, err := l.snapshot(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("incident: report: %w", err)
	}

	summary := computeMetrics(incidents, end)
	l.fillCounters(&summary.Counters)

	r := &Report{
		Period:      period.String(),
		Start:       start,
		End:         end,
		GeneratedAt: end,
		Summary:     summary,
		Categories:  breakdown(incidents),
	}
	r.Recommendations = recommend(summary)
	return r, nil
}

func breakdown(incidents []Incident) []CategoryBreakdown {
	byCat := make(map[Category]*CategoryBreakdown)
	acc := make(map[Category]*meanAcc)

	for i := range incidents {
		inc := &incidents[i]
		b, ok := byCat[inc.Category]
		if !ok {
			b = &CategoryBreakdown{Category: inc.Category, BySeverity: make(map[Severity]int)}
			byCat[inc.Category] = b
			acc[inc.Category] = &meanAcc{}
		}
		b.Total++
		b.BySeverity[inc.Severity]++
		if mins, ok := inc.ResolutionMinutes(); ok {
			b.Resolved++
			acc[inc.Category].add(mins)
		}
	}

	out := make([]CategoryBreakdown, 0, len(byCat))
	for cat, b := range byCat {
		b.MeanResolutionMinutes = acc[cat].mean()
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Category < out[j].Category
	})
	return out
}

func recommend(m Metrics) []string {
	var recs []string
	if n := m.BySeverity[SeverityCritical]; n > 0 {
		recs = append(recs, fmt.Sprintf("urgent review: %d critical incident(s) in period", n))
	}
	if m.MeanResolutionMinutes > slowResolutionMinutes {
		recs = append(recs, fmt.Sprintf("process review: mean resolution time %.0f minutes exceeds %d", m.MeanResolutionMinutes, slowResolutionMinutes))
	}
	if m.Total > highVolumeIncidents {
		recs = append(recs, fmt.Sprintf("volume review: %d incidents in period exceeds %d", m.Total, highVolumeIncidents))
	}
	if m.Counters.FalsePositives > 0 && m.Total > 0 && float64(m.Counters.FalsePositives)/float64(m.Total) > 0.25 {
		recs = append(recs, "tuning review: more than a quarter of incidents were false positives")
	}
	return recs
}
