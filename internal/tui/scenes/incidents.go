package scenes

import (
	"fmt"
	"strings"
	"time"

	"boundary-soar/internal/incident"
	"boundary-soar/internal/tui/api"
	"boundary-soar/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// IncidentsScene lists incidents with a scrollable cursor.
type IncidentsScene struct {
	client     *api.Client
	incidents  []*incident.Incident
	activeOnly bool
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

type incidentsMsg struct {
	incidents []*incident.Incident
	err       string
}

// NewIncidentsScene creates a new incidents scene showing active incidents.
func NewIncidentsScene(client *api.Client) *IncidentsScene {
	return &IncidentsScene{
		client:     client,
		loading:    true,
		activeOnly: true,
		maxRows:    10,
	}
}

// Init fetches the initial list.
func (s *IncidentsScene) Init() tea.Cmd {
	return s.fetch()
}

func (s *IncidentsScene) fetch() tea.Cmd {
	activeOnly := s.activeOnly
	return func() tea.Msg {
		list, err := s.client.GetIncidents(activeOnly, 100)
		if err != nil {
			return incidentsMsg{err: err.Error()}
		}
		return incidentsMsg{incidents: list}
	}
}

// TickCmd returns the incidents refresh tick.
func (s *IncidentsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "incidents", Time: t}
	})
}

// Selected returns the incident under the cursor, if any.
func (s *IncidentsScene) Selected() *incident.Incident {
	if s.cursor < 0 || s.cursor >= len(s.incidents) {
		return nil
	}
	return s.incidents[s.cursor]
}

// Update handles messages for the incidents scene.
func (s *IncidentsScene) Update(msg tea.Msg) (*IncidentsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.maxRows = max(5, s.height-14)
		return s, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if s.cursor > 0 {
				s.cursor--
				if s.cursor < s.offset {
					s.offset = s.cursor
				}
			}
		case "down", "j":
			if s.cursor < len(s.incidents)-1 {
				s.cursor++
				if s.cursor >= s.offset+s.maxRows {
					s.offset = s.cursor - s.maxRows + 1
				}
			}
		case "pgup":
			s.cursor = max(0, s.cursor-s.maxRows)
			s.offset = max(0, s.offset-s.maxRows)
		case "pgdown":
			s.cursor = max(0, min(len(s.incidents)-1, s.cursor+s.maxRows))
			s.offset = min(max(0, len(s.incidents)-s.maxRows), s.offset+s.maxRows)
		case "a":
			s.activeOnly = !s.activeOnly
			s.cursor, s.offset = 0, 0
			s.loading = true
			return s, s.fetch()
		case "r":
			s.loading = true
			return s, s.fetch()
		}
		return s, nil

	case incidentsMsg:
		s.loading = false
		s.err = msg.err
		if msg.err == "" {
			s.incidents = msg.incidents
		}
		s.lastUpdate = time.Now()
		if s.cursor >= len(s.incidents) {
			s.cursor = max(0, len(s.incidents)-1)
		}
		if s.offset > s.cursor {
			s.offset = s.cursor
		}
		return s, nil

	case TickMsg:
		if msg.Scene == "incidents" {
			return s, s.fetch()
		}
		return s, nil
	}

	return s, nil
}

// View renders the incident table and the selected incident's detail.
func (s *IncidentsScene) View() string {
	var b strings.Builder

	title := "  Incidents"
	if s.activeOnly {
		title += " (active)"
	}
	b.WriteString(styles.Title.Render(title))
	b.WriteString("\n\n")

	if s.loading && len(s.incidents) == 0 {
		b.WriteString(styles.Muted.Render("  Loading incidents..."))
		return b.String()
	}

	if s.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", s.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(s.incidents) == 0 {
		b.WriteString(styles.Muted.Render("  No incidents."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Incidents open when correlation rules fire or thresholds are crossed."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [a] to toggle resolved incidents."))
		return b.String()
	}

	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  %d incidents", len(s.incidents))))
	if s.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-10s %-10s %-15s %-22s %s", "Opened", "Severity", "Status", "Category", "Title")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	end := min(s.offset+s.maxRows, len(s.incidents))
	for i, inc := range s.incidents[s.offset:end] {
		b.WriteString(renderIncidentRow(inc, s.offset+i == s.cursor))
		b.WriteString("\n")
	}

	if sel := s.Selected(); sel != nil {
		b.WriteString("\n")
		b.WriteString(renderIncidentDetail(sel))
	}

	if len(s.incidents) > s.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [a] active/all, [r] refresh)",
			s.offset+1, end, len(s.incidents))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [a] Active/all  [r] Refresh"))
	}
	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func renderIncidentRow(inc *incident.Incident, selected bool) string {
	row := fmt.Sprintf("  %-10s %s %-15s %-22s %s",
		inc.Timestamp.Format("15:04:05"),
		SeverityLabel(string(inc.Severity)),
		inc.Status,
		truncate(string(inc.Category), 22),
		truncate(inc.Title, 50))

	if selected {
		return lipgloss.NewStyle().
			Background(styles.Primary).
			Foreground(styles.White).
			Render(row)
	}
	return row
}

func renderIncidentDetail(inc *incident.Incident) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("ID: %s", inc.ID))
	if inc.Description != "" {
		lines = append(lines, truncate(inc.Description, 100))
	}
	if inc.IPAddress != "" || inc.UserID != "" {
		lines = append(lines, fmt.Sprintf("IP: %s  User: %s", orDash(inc.IPAddress), orDash(inc.UserID)))
	}
	if inc.Assignee != "" || inc.EscalationLevel > 0 {
		lines = append(lines, fmt.Sprintf("Assignee: %s  Escalation: L%d %s",
			orDash(inc.Assignee), inc.EscalationLevel, inc.EscalatedTo))
	}
	if len(inc.Tags) > 0 {
		lines = append(lines, "Tags: "+strings.Join(inc.Tags, ", "))
	}
	if inc.Resolution != "" {
		lines = append(lines, "Resolution: "+truncate(inc.Resolution, 90))
	}
	return styles.Box.Render(strings.Join(lines, "\n"))
}

// SeverityLabel renders a fixed-width, colored severity label.
func SeverityLabel(sev string) string {
	var style lipgloss.Style
	switch sev {
	case "critical":
		style = styles.StatusCritical
	case "high":
		style = styles.StatusError
	case "medium":
		style = styles.StatusWarning
	case "low":
		style = styles.StatusOK
	default:
		style = styles.Muted
	}
	return style.Render(fmt.Sprintf("%-10s", strings.ToUpper(sev)))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
