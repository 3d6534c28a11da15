package watch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/venvdeck/internal/api"
	"github.com/mattjoyce/venvdeck/internal/events"
)

const keepFinishedOps = 50

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	health      HealthState
	envs        []api.EnvironmentResponse
	ops         map[string]*OpState
	eventLog    []events.Event
	lastEventID int64

	// Live indicators
	pulse    pulse
	activity activity

	// UI state
	theme    Theme
	table    table.Model
	viewport viewport.Model

	// Communication
	hubEvents chan events.Event

	// Error display
	lastError string
	notice    string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Name", Width: 20},
			{Title: "Python", Width: 8},
			{Title: "Pkgs", Width: 5},
			{Title: "Size", Width: 9},
			{Title: "Activity", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		ops:       make(map[string]*OpState),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		theme:     NewDefaultTheme(),
		table:     t,
		viewport:  viewport.New(0, 0),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		fetchEnvironments(m.apiURL, m.apiKey),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if env := m.selectedEnv(); env != "" {
				m.notice = "refreshing " + env
				return m, refreshEnvironment(m.apiURL, m.apiKey, env)
			}
			return m, nil
		case "c":
			op := latestOp(m.ops, m.selectedEnv())
			if op == nil || op.terminal() {
				m.notice = "nothing to cancel"
				return m, nil
			}
			m.notice = "cancelling " + shortID(op.ID)
			return m, cancelOperation(m.apiURL, m.apiKey, op.ID)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		m.viewport.Width = m.width - 6
		m.viewport.Height = max(m.height/4, 3)

	case tickMsg:
		m.pulse.advance()
		m.activity.roll()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		m.activity.record(e.At)
		m.health.Connected = true
		m.lastError = ""

		cmds = append(cmds, receiveNextEvent(m.hubEvents))
		if applyEvent(m.ops, e) {
			cmds = append(cmds, fetchEnvironments(m.apiURL, m.apiKey))
		}
		pruneOps(m.ops, keepFinishedOps)
		m.syncRows()

	case environmentsMsg:
		m.envs = []api.EnvironmentResponse(msg)
		m.syncRows()
		return m, nil

	case actionMsg:
		m.notice = fmt.Sprintf("%s: %s %s", msg.verb, shortID(msg.op.ID), msg.op.State)
		return m, nil

	case healthMsg:
		m.health.Status = msg.Status
		m.health.Version = msg.Version
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Environments = msg.Environments
		m.health.RunningOperations = msg.RunningOperations
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading from the same channel,
		// so the next subscription feeds it directly.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	cmds = append(cmds, cmd)
	m.syncOutput()
	return m, tea.Batch(cmds...)
}

// selectedEnv returns the name under the table cursor.
func (m Model) selectedEnv() string {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.envs) {
		return ""
	}
	return m.envs[i].Name
}

func (m *Model) syncRows() {
	rows := make([]table.Row, 0, len(m.envs))
	for _, env := range m.envs {
		rows = append(rows, m.envRow(env))
	}
	m.table.SetRows(rows)
	if c := m.table.Cursor(); c >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
	m.syncOutput()
}

func (m Model) envRow(env api.EnvironmentResponse) table.Row {
	status, activity := " ", ""
	if op := latestOp(m.ops, env.Name); op != nil {
		switch op.State {
		case "running", "pending":
			status = "●"
		case "failed":
			status = "✗"
		case "cancelled":
			status = "⊘"
		case "succeeded":
			status = "✓"
		}
		activity = op.Kind + " " + op.State
		if op.Step != "" && !op.terminal() {
			activity = op.Kind + ": " + op.Step
		}
	} else if env.BusyWith != "" {
		status, activity = "●", env.BusyWith
	}

	pkgs := "-"
	if env.Packages != nil {
		pkgs = strconv.Itoa(len(env.Packages))
	}
	size := "-"
	if env.SizeBytes > 0 {
		size = humanize.Bytes(uint64(env.SizeBytes))
	}
	name := env.Name
	if env.External {
		name += " (ext)"
	}
	return table.Row{status, name, env.PythonVersion, pkgs, size, activity}
}

// syncOutput shows the latest operation output for the selected environment.
func (m *Model) syncOutput() {
	op := latestOp(m.ops, m.selectedEnv())
	if op == nil {
		m.viewport.SetContent(m.theme.Dim.Render("No operations on this environment yet."))
		return
	}
	lines := make([]string, 0, len(op.Output)+2)
	lines = append(lines, m.theme.Header.Render(fmt.Sprintf("%s %s [%s] ", op.Kind, op.Env, shortID(op.ID)))+
		m.theme.stateStyle(op.State).Render(op.State))
	lines = append(lines, op.Output...)
	if op.Error != "" {
		lines = append(lines, m.theme.Stderr.Render(op.Error))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to venvdeck..."
	}

	header := renderHeader(m.health, m.pulse, m.activity, m.theme, m.width)
	envs := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("ENVIRONMENTS"),
			m.table.View(),
		),
	)
	output := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("OUTPUT"),
			m.viewport.View(),
		),
	)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, envs, output, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	} else if m.notice != "" {
		parts = append(parts, m.theme.Highlight.Render(" "+m.notice))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select • [r] Refresh packages • [c] Cancel • [PgUp/PgDn] Scroll output")
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
