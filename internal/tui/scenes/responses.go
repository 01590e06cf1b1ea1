package scenes

import (
	"fmt"
	"strings"
	"time"

	"boundary-soar/internal/response"
	"boundary-soar/internal/tui/api"
	"boundary-soar/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// ResponsesScene shows recent executions, active blocks and pending reviews.
type ResponsesScene struct {
	client     *api.Client
	data       *api.Responses
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

type responsesMsg struct {
	data *api.Responses
	err  error
}

// NewResponsesScene creates a new responses scene.
func NewResponsesScene(client *api.Client) *ResponsesScene {
	return &ResponsesScene{
		client:  client,
		loading: true,
	}
}

// Init fetches the initial data.
func (s *ResponsesScene) Init() tea.Cmd {
	return s.fetch()
}

func (s *ResponsesScene) fetch() tea.Cmd {
	return func() tea.Msg {
		data, err := s.client.GetResponses(20)
		return responsesMsg{data: data, err: err}
	}
}

// TickCmd returns the responses refresh tick.
func (s *ResponsesScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "responses", Time: t}
	})
}

// Update handles messages for the responses scene.
func (s *ResponsesScene) Update(msg tea.Msg) (*ResponsesScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		return s, nil

	case tea.KeyMsg:
		if msg.String() == "r" {
			s.loading = true
			return s, s.fetch()
		}
		return s, nil

	case responsesMsg:
		s.loading = false
		s.err = msg.err
		if msg.data != nil {
			s.data = msg.data
		}
		s.lastUpdate = time.Now()
		return s, nil

	case TickMsg:
		if msg.Scene == "responses" {
			return s, s.fetch()
		}
		return s, nil
	}

	return s, nil
}

// View renders the three response panels.
func (s *ResponsesScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Automated Responses"))
	b.WriteString("\n\n")

	if s.loading && s.data == nil {
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	}
	if s.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", s.err)))
		b.WriteString("\n\n")
	}
	if s.data == nil {
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	now := time.Now()

	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  Pending reviews (%d)", len(s.data.Reviews))))
	b.WriteString("\n")
	if len(s.data.Reviews) == 0 {
		b.WriteString(styles.Muted.Render("  none"))
		b.WriteString("\n")
	}
	for _, r := range s.data.Reviews {
		actions := make([]string, len(r.Actions))
		for i, a := range r.Actions {
			actions[i] = string(a)
		}
		b.WriteString(fmt.Sprintf("  %s %-20s %-24s %-28s %s\n",
			styles.StatusWarning.Render("?"),
			truncate(r.PolicyID, 20),
			truncate(string(r.Signal.ThreatType), 24),
			truncate(strings.Join(actions, ","), 28),
			api.FormatAge(r.CreatedAt, now)))
	}
	b.WriteString("\n")

	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  Active IP blocks (%d)", len(s.data.Blocks))))
	b.WriteString("\n")
	if len(s.data.Blocks) == 0 {
		b.WriteString(styles.Muted.Render("  none"))
		b.WriteString("\n")
	}
	for _, blk := range s.data.Blocks {
		expires := "never"
		if blk.ExpiresAt != nil {
			expires = "in " + api.FormatAge(now, *blk.ExpiresAt)
		}
		b.WriteString(fmt.Sprintf("  %s %-40s %-30s %s\n",
			styles.StatusError.Render("■"),
			truncate(blk.IP, 40),
			truncate(blk.Reason, 30),
			expires))
	}
	b.WriteString("\n")

	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  Recent executions (%d)", len(s.data.Executions))))
	b.WriteString("\n")
	if len(s.data.Executions) == 0 {
		b.WriteString(styles.Muted.Render("  none"))
		b.WriteString("\n")
	}
	for _, e := range s.data.Executions {
		b.WriteString(fmt.Sprintf("  %s %-20s %-22s %-12s %s\n",
			ExecutionStatusLabel(e.Status),
			truncate(e.PolicyID, 20),
			e.Action,
			api.FormatAge(e.CreatedAt, now),
			truncate(e.Error, 40)))
	}

	b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

// ExecutionStatusLabel renders a fixed-width, colored execution status.
func ExecutionStatusLabel(st response.ExecutionStatus) string {
	label := fmt.Sprintf("%-12s", strings.ToUpper(string(st)))
	switch st {
	case response.StatusExecuted:
		return styles.StatusOK.Render(label)
	case response.StatusFailed:
		return styles.StatusError.Render(label)
	case response.StatusPending:
		return styles.StatusWarning.Render(label)
	default:
		return styles.Muted.Render(label)
	}
}
