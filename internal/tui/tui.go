// Package tui provides the terminal console for the SOAR server.
package tui

import (
	"fmt"
	"strings"

	"boundary-soar/internal/tui/api"
	"boundary-soar/internal/tui/scenes"
	"boundary-soar/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene indexes the console tabs.
type Scene int

const (
	SceneDashboard Scene = iota
	SceneIncidents
	SceneResponses
)

// tab binds a scene to its label, tick name and key hints. The closures
// hide the scenes' concrete Update signatures from the router.
type tab struct {
	title  string
	tick   string
	hints  string
	init   func() tea.Cmd
	ticker func() tea.Cmd
	update func(tea.Msg) tea.Cmd
	view   func() string
}

// Model routes input to the active tab. Only the active tab fetches and
// ticks; ticks from a tab left behind are dropped so switching never stacks
// refresh loops.
type Model struct {
	client *api.Client

	scene Scene
	tabs  []tab

	dashboard *scenes.DashboardScene
	incidents *scenes.IncidentsScene
	responses *scenes.ResponsesScene

	width    int
	height   int
	quitting bool
}

// New creates the console model for the server at baseURL.
func New(baseURL string, opts ...api.Option) *Model {
	client := api.NewClient(baseURL, opts...)
	m := &Model{
		client:    client,
		scene:     SceneDashboard,
		dashboard: scenes.NewDashboardScene(client),
		incidents: scenes.NewIncidentsScene(client),
		responses: scenes.NewResponsesScene(client),
	}

	m.tabs = []tab{
		SceneDashboard: {
			title:  "Dashboard",
			tick:   "dashboard",
			hints:  "[r] Refresh",
			init:   m.dashboard.Init,
			ticker: m.dashboard.TickCmd,
			update: func(msg tea.Msg) (cmd tea.Cmd) {
				m.dashboard, cmd = m.dashboard.Update(msg)
				return cmd
			},
			view: m.dashboard.View,
		},
		SceneIncidents: {
			title:  "Incidents",
			tick:   "incidents",
			hints:  "[↑↓/jk] Select  [PgUp/PgDn] Page  [a] Active/all  [r] Refresh",
			init:   m.incidents.Init,
			ticker: m.incidents.TickCmd,
			update: func(msg tea.Msg) (cmd tea.Cmd) {
				m.incidents, cmd = m.incidents.Update(msg)
				return cmd
			},
			view: m.incidents.View,
		},
		SceneResponses: {
			title:  "Responses",
			tick:   "responses",
			hints:  "[r] Refresh",
			init:   m.responses.Init,
			ticker: m.responses.TickCmd,
			update: func(msg tea.Msg) (cmd tea.Cmd) {
				m.responses, cmd = m.responses.Update(msg)
				return cmd
			},
			view: m.responses.View,
		},
	}
	return m
}

func (m *Model) active() tab {
	return m.tabs[m.scene]
}

// Init loads the dashboard and starts its ticker.
func (m *Model) Init() tea.Cmd {
	t := m.active()
	return tea.Batch(t.init(), t.ticker())
}

// switchTo activates s, refetching it and restarting its ticker.
func (m *Model) switchTo(s Scene) tea.Cmd {
	n := Scene(len(m.tabs))
	s = ((s % n) + n) % n
	if s == m.scene {
		return nil
	}
	m.scene = s
	t := m.active()
	return tea.Batch(t.init(), t.ticker())
}

// Update handles global keys and forwards everything else to the active tab.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "tab":
			return m, m.switchTo(m.scene + 1)
		case "shift+tab":
			return m, m.switchTo(m.scene - 1)
		}
		if len(key) == 1 && key[0] >= '1' && int(key[0]-'1') < len(m.tabs) {
			return m, m.switchTo(Scene(key[0] - '1'))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		for _, t := range m.tabs {
			t.update(msg)
		}
		return m, nil

	case scenes.TickMsg:
		t := m.active()
		if msg.Scene != t.tick {
			return m, nil
		}
		return m, tea.Batch(t.update(msg), t.ticker())
	}

	return m, m.active().update(msg)
}

// View renders the tab bar, the active tab and the footer.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.active().view())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderHeader() string {
	labels := make([]string, len(m.tabs))
	for i, t := range m.tabs {
		label := fmt.Sprintf(" %d %s ", i+1, t.title)
		if Scene(i) == m.scene {
			labels[i] = styles.TabActive.Render(label)
		} else {
			labels[i] = styles.TabInactive.Render(label)
		}
	}

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, labels...))
}

func (m *Model) renderFooter() string {
	help := fmt.Sprintf(" %s  [1-%d/Tab/Shift+Tab] Switch  [q] Quit ", m.active().hints, len(m.tabs))
	return styles.Help.Render(help) + styles.Muted.Render("  "+m.client.BaseURL())
}

// Run starts the console against baseURL.
func Run(baseURL string, opts ...api.Option) error {
	_, err := tea.NewProgram(New(baseURL, opts...), tea.WithAltScreen()).Run()
	return err
}
