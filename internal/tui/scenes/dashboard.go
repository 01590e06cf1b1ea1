// Package scenes provides the console's TUI scenes.
package scenes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"boundary-soar/internal/api/dashboard"
	"boundary-soar/internal/tui/api"
	"boundary-soar/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TickMsg is sent on each tick. The parent model forwards it to the active
// scene only.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// DashboardScene displays the threat overview.
type DashboardScene struct {
	client     *api.Client
	stats      *dashboard.Stats
	health     *api.HealthResponse
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

type dashboardMsg struct {
	stats  *dashboard.Stats
	health *api.HealthResponse
	err    error
}

// NewDashboardScene creates a new dashboard scene.
func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{
		client:  client,
		loading: true,
	}
}

// Init fetches the initial data.
func (d *DashboardScene) Init() tea.Cmd {
	return d.fetch()
}

func (d *DashboardScene) fetch() tea.Cmd {
	return func() tea.Msg {
		health, herr := d.client.GetHealth()
		stats, err := d.client.GetDashboard()
		if err == nil {
			err = herr
		}
		return dashboardMsg{stats: stats, health: health, err: err}
	}
}

// TickCmd returns the dashboard's refresh tick.
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// Update handles messages for the dashboard.
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case tea.KeyMsg:
		if msg.String() == "r" {
			d.loading = true
			return d, d.fetch()
		}
		return d, nil

	case dashboardMsg:
		d.loading = false
		d.err = msg.err
		if msg.stats != nil {
			d.stats = msg.stats
		}
		d.health = msg.health
		d.lastUpdate = time.Now()
		return d, nil

	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, d.fetch()
		}
		return d, nil
	}

	return d, nil
}

// View renders the dashboard.
func (d *DashboardScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Threat Response Dashboard"))
	b.WriteString("\n\n")

	if d.loading && d.stats == nil {
		b.WriteString(styles.Muted.Render("Loading..."))
		return b.String()
	}

	if d.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("Error: %v", d.err)))
		b.WriteString("\n")
	}

	var status string
	if d.health.Healthy() {
		status = styles.StatusOK.Render("● HEALTHY")
	} else {
		status = styles.StatusError.Render("● UNHEALTHY")
	}
	b.WriteString(fmt.Sprintf("  Status: %s", status))
	if d.health != nil && d.health.Uptime != "" {
		b.WriteString(styles.Muted.Render("  up " + d.health.Uptime))
	}
	b.WriteString("\n")
	if d.health != nil {
		b.WriteString(d.renderChecks())
	}
	b.WriteString("\n")

	if d.stats == nil {
		return b.String()
	}

	b.WriteString(fmt.Sprintf("  Threat level: %s\n\n", ThreatLevelStyle(d.stats.ThreatLevel).Render(strings.ToUpper(d.stats.ThreatLevel))))

	cards := []string{
		renderMetricCard("Signals", formatNumber(d.stats.Signals.Accepted)),
		renderMetricCard("Last hour", fmt.Sprintf("%d", d.stats.SignalsLastHour)),
		renderMetricCard("Incidents", fmt.Sprintf("%d", d.stats.ActiveIncidents)),
		renderMetricCard("Blocks", fmt.Sprintf("%d", d.stats.ActiveBlocks)),
		renderMetricCard("Reviews", fmt.Sprintf("%d", d.stats.PendingReviews)),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("  Alerts  %s %d  %s %d  %s %d  %s %d\n",
		styles.StatusError.Render("critical"), d.stats.CriticalAlerts,
		styles.StatusError.Render("high"), d.stats.HighAlerts,
		styles.StatusWarning.Render("medium"), d.stats.MediumAlerts,
		styles.StatusOK.Render("low"), d.stats.LowAlerts))
	q := d.stats.Signals.Queue
	b.WriteString(styles.Muted.Render(fmt.Sprintf("  Queue %d/%d  dropped %d  rejected %d  duplicates %d",
		q.Depth, q.Capacity, q.Dropped, d.stats.Signals.Rejected, d.stats.Signals.Duplicates)))
	b.WriteString("\n\n")

	if len(d.stats.TopThreatTypes) > 0 {
		b.WriteString(styles.Subtitle.Render("  Top threat types"))
		b.WriteString("\n")
		for _, tt := range d.stats.TopThreatTypes {
			b.WriteString(fmt.Sprintf("  %-28s %d\n", tt.Type, tt.Count))
		}
		b.WriteString("\n")
	}

	if len(d.stats.TopEntities) > 0 {
		b.WriteString(styles.Subtitle.Render("  Riskiest entities"))
		b.WriteString("\n")
		for _, e := range d.stats.TopEntities {
			b.WriteString(fmt.Sprintf("  %-8s %-32s risk %5.1f  signals %d\n",
				e.Kind, truncate(e.Value, 32), e.RiskScore, e.SignalCount))
		}
		b.WriteString("\n")
	}

	if !d.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", d.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (d *DashboardScene) renderChecks() string {
	if len(d.health.Checks) == 0 {
		return ""
	}
	names := make([]string, 0, len(d.health.Checks))
	for name := range d.health.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var rows []string
	for _, name := range names {
		dot := styles.StatusOK.Render("●")
		if d.health.Checks[name] != "ok" {
			dot = styles.StatusError.Render("●")
		}
		rows = append(rows, fmt.Sprintf("  %s %-12s %s", dot, name, d.health.Checks[name]))
	}
	return strings.Join(rows, "\n") + "\n"
}

func renderMetricCard(label, value string) string {
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.MutedColor).
		Padding(0, 2).
		Width(16).
		Align(lipgloss.Center)

	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)
	return card.Render(content)
}

// ThreatLevelStyle picks the style for a dashboard threat level.
func ThreatLevelStyle(level string) lipgloss.Style {
	switch level {
	case "critical":
		return styles.StatusCritical
	case "high":
		return styles.StatusError
	case "medium":
		return styles.StatusWarning
	default:
		return styles.StatusOK
	}
}

func formatNumber(n uint64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
