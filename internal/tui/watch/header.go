package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// HealthState tracks server health from /healthz polling.
type HealthState struct {
	Status            string
	Version           string
	UptimeSeconds     int64
	Environments      int
	RunningOperations int
	Connected         bool
	LastCheck         time.Time
}

func renderHeader(health HealthState, p pulse, act activity, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	statusIcon := "✅"
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
		statusIcon = "⚠️"
	}

	uptime := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastEventStr := "never"
	if last := act.lastEvent(); !last.IsZero() {
		lastEventStr = humanize.Time(last)
	}

	tickerStr := theme.Highlight.Render(p.String())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" VENVDECK WATCH %s", tickerStr)
	if health.Version != "" {
		titleText += theme.Dim.Render(" " + health.Version)
	}

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Environments: %d  Running: %d",
		statusIcon, statusText,
		uptime,
		health.Environments,
		health.RunningOperations,
	)

	activityLine := fmt.Sprintf(" Last event: %s  %s %d/%ds",
		lastEventStr,
		act.render(theme),
		act.total(), activityWindow,
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
