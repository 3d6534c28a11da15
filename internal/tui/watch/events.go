package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/venvdeck/internal/events"
	"github.com/mattjoyce/venvdeck/internal/operation"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 6 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	typeStyle := theme.Dim
	desc := truncate(string(e.Data), 60)

	switch e.Type {
	case events.TypeOperationState:
		var snap operation.Snapshot
		if e.Decode(&snap) == nil {
			typeStyle = theme.stateStyle(string(snap.State))
			desc = describeSnapshot(snap)
		}
	case events.TypeOperationOutput:
		var out operation.OutputEvent
		if e.Decode(&out) == nil {
			desc = fmt.Sprintf("[%s] %s", shortID(out.ID), truncate(strings.TrimSpace(out.Text), 60))
		}
	case events.TypeEnvironmentsChanged:
		typeStyle = theme.Highlight
		var ch operation.ChangeEvent
		if e.Decode(&ch) == nil {
			desc = strings.TrimSpace(ch.Reason + " " + ch.Env)
		}
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", e.Type)), desc)
}

func describeSnapshot(snap operation.Snapshot) string {
	parts := []string{fmt.Sprintf("[%s]", shortID(snap.ID)), string(snap.Kind), snap.Env}
	if snap.Target != "" {
		parts = append(parts, "→", snap.Target)
	}
	parts = append(parts, string(snap.State))
	if snap.Step != "" && !snap.State.Terminal() {
		parts = append(parts, "("+snap.Step+")")
	}
	if snap.Error != "" {
		parts = append(parts, truncate(snap.Error, 40))
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
