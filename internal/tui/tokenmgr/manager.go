// Package tokenmgr is the interactive scope picker behind
// `venvdeck config token`, plus the helpers that mint and record tokens.
package tokenmgr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/venvdeck/internal/config"
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

// Scopes lists every scope the API understands, most privileged first.
var Scopes = []struct {
	Scope string
	Desc  string
}{
	{"*", "Full administrative access (all scopes)"},
	{"envs:ro", "List and inspect environments"},
	{"envs:rw", "Create, modify, clone, rename, export and delete environments"},
	{"ops:ro", "View running operations and the history journal"},
	{"ops:rw", "Cancel running operations"},
	{"events:ro", "Access to the real-time event stream (SSE)"},
}

type item struct {
	scope    string
	desc     string
	selected bool
}

func (i item) Title() string {
	check := "[ ]"
	if i.selected {
		check = "[x]"
	}
	return fmt.Sprintf("%s %s", check, i.scope)
}
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.scope }

// Model is the scope selection list.
type Model struct {
	list     list.Model
	quitting bool
	done     bool
	scopes   []string
}

// New builds the picker with preselected scopes already ticked.
func New(preselected ...string) *Model {
	pre := make(map[string]bool, len(preselected))
	for _, s := range preselected {
		pre[s] = true
	}

	items := make([]list.Item, 0, len(Scopes))
	for _, s := range Scopes {
		items = append(items, item{scope: s.Scope, desc: s.Desc, selected: pre[s.Scope]})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select Scopes (Space to toggle, Enter to confirm)"
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle
	l.SetFilteringEnabled(false)

	return &Model{list: l}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit

		case " ":
			if i, ok := m.list.SelectedItem().(item); ok {
				i.selected = !i.selected
				m.list.SetItem(m.list.Index(), i)
			}
			return m, nil

		case "enter":
			var selected []string
			for _, li := range m.list.Items() {
				if it, ok := li.(item); ok && it.selected {
					selected = append(selected, it.scope)
				}
			}
			if len(selected) == 0 {
				return m, nil
			}
			m.done = true
			m.scopes = selected
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.done {
		return quitTextStyle.Render(fmt.Sprintf("Selected scopes: %s", strings.Join(m.scopes, ", ")))
	}
	return "\n" + m.list.View()
}

// Selected returns the confirmed scopes, or nil if the picker was cancelled.
func (m Model) Selected() []string {
	if !m.done {
		return nil
	}
	return m.scopes
}

// Pick runs the picker on the terminal and returns the chosen scopes.
func Pick(opts ...tea.ProgramOption) ([]string, error) {
	final, err := tea.NewProgram(New(), opts...).Run()
	if err != nil {
		return nil, err
	}
	m, ok := final.(Model)
	if !ok || !m.done {
		return nil, fmt.Errorf("token creation cancelled")
	}
	return m.Selected(), nil
}

// ValidateScopes rejects scopes the API does not know.
func ValidateScopes(scopes []string) error {
	if len(scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	known := make(map[string]bool, len(Scopes))
	for _, s := range Scopes {
		known[s.Scope] = true
	}
	for _, s := range scopes {
		if !known[strings.TrimSpace(s)] {
			return fmt.Errorf("unknown scope %q", s)
		}
	}
	return nil
}

// GenerateToken returns a random bearer token.
func GenerateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return "vd_" + hex.EncodeToString(b), nil
}

// AddToken mints a token with scopes and appends it to cfg.API.Tokens.
// The caller persists cfg.
func AddToken(cfg *config.Config, scopes []string) (string, error) {
	if err := ValidateScopes(scopes); err != nil {
		return "", err
	}
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	trimmed := make([]string, 0, len(scopes))
	for _, s := range scopes {
		trimmed = append(trimmed, strings.TrimSpace(s))
	}
	cfg.API.Tokens = append(cfg.API.Tokens, config.TokenConfig{Token: token, Scopes: trimmed})
	return token, nil
}
