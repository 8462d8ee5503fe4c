package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stepd/internal/events"
)

const maxEventLog = 50

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *client

	width  int
	height int

	health   HealthState
	board    *Board
	eventLog []events.Event
	activity Activity
	steps    table.Model
	theme    Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the daemon at apiURL.
func New(apiURL, token string) Model {
	theme := NewDefaultTheme()
	t := table.New(
		table.WithColumns(stepColumns()),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return Model{
		client:    newClient(apiURL, token),
		board:     NewBoard(),
		activity:  NewActivity(),
		steps:     t,
		theme:     theme,
		hubEvents: make(chan events.Event, 100),
	}
}

// Run starts the TUI and blocks until the user quits.
func Run(apiURL, token string) error {
	_, err := tea.NewProgram(New(apiURL, token), tea.WithAltScreen()).Run()
	return err
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchSteps,
		tick(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.steps, cmd = m.steps.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 22; h > 3 {
			m.steps.SetHeight(h)
		}

	case tickMsg:
		m.refreshRows()
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.activity.OnEvent()
		m.board.Apply(e)
		m.health.LiveSteps = m.board.Live()
		m.health.Connected = true
		m.lastError = ""
		m.refreshRows()
		return m, receiveNextEvent(m.hubEvents)

	case stepsMsg:
		for _, rep := range msg.Recent {
			if rep != nil {
				m.board.Seed(*rep)
			}
		}
		for _, rep := range msg.Live {
			m.board.Seed(rep)
		}
		m.refreshRows()

	case healthMsg:
		m.health.Status = msg.Status
		m.health.Node = msg.Node
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.LiveSteps = msg.LiveSteps
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribe(m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.client.fetchHealth() })
	}

	return m, nil
}

func (m *Model) refreshRows() {
	m.steps.SetRows(stepRows(m.board.Steps(), time.Now()))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	header := renderHeader(m.health, m.activity, m.theme, m.width)
	steps := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("STEPS"), m.steps.View()),
	)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, steps, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Select step"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
