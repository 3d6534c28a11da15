package watch

import (
	"encoding/json"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/venvdeck/internal/api"
	"github.com/mattjoyce/venvdeck/internal/events"
	"github.com/mattjoyce/venvdeck/internal/operation"
	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

func mkEvent(t *testing.T, id int64, typ string, data any) events.Event {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: time.Unix(1700000000+id, 0), Data: b}
}

func TestApplyEventTracksOperation(t *testing.T) {
	ops := map[string]*OpState{}

	refetch := applyEvent(ops, mkEvent(t, 1, events.TypeOperationState, operation.Snapshot{
		ID: "op-1", Kind: "install", Env: "alpha", State: operation.StateRunning, Step: "install",
	}))
	assert.False(t, refetch)
	require.Contains(t, ops, "op-1")
	assert.Equal(t, "running", ops["op-1"].State)

	applyEvent(ops, mkEvent(t, 2, events.TypeOperationOutput, operation.OutputEvent{
		ID: "op-1", Env: "alpha", Step: "install", Text: "Collecting requests\nDownloading\n",
	}))
	assert.Equal(t, []string{"Collecting requests", "Downloading"}, ops["op-1"].Output)

	refetch = applyEvent(ops, mkEvent(t, 3, events.TypeOperationState, operation.Snapshot{
		ID: "op-1", Kind: "install", Env: "alpha", State: operation.StateSucceeded,
	}))
	assert.True(t, refetch, "terminal state should refetch environments")
	assert.True(t, ops["op-1"].terminal())

	assert.True(t, applyEvent(ops, mkEvent(t, 4, events.TypeEnvironmentsChanged, operation.ChangeEvent{Reason: "created", Env: "beta"})))
	assert.False(t, applyEvent(ops, events.Event{ID: 5, Type: events.TypeOperationState, Data: []byte("not json")}))
}

func TestOutputIsBounded(t *testing.T) {
	op := &OpState{ID: "x"}
	for i := 0; i < maxOutputLines+25; i++ {
		op.appendOutput("line\n")
	}
	assert.Len(t, op.Output, maxOutputLines)
}

func TestLatestOpPrefersRunning(t *testing.T) {
	now := time.Now()
	ops := map[string]*OpState{
		"old":   {ID: "old", Env: "alpha", State: "running", UpdatedAt: now.Add(-time.Minute)},
		"new":   {ID: "new", Env: "alpha", State: "succeeded", UpdatedAt: now},
		"other": {ID: "other", Env: "beta", State: "running", UpdatedAt: now},
	}
	assert.Equal(t, "old", latestOp(ops, "alpha").ID)

	ops["old"].State = "failed"
	assert.Equal(t, "new", latestOp(ops, "alpha").ID)
	assert.Nil(t, latestOp(ops, "gamma"))
}

func TestPruneOpsKeepsRunningAndNewest(t *testing.T) {
	now := time.Now()
	ops := map[string]*OpState{
		"a": {ID: "a", State: "succeeded", UpdatedAt: now.Add(-3 * time.Minute)},
		"b": {ID: "b", State: "failed", UpdatedAt: now.Add(-2 * time.Minute)},
		"c": {ID: "c", State: "cancelled", UpdatedAt: now.Add(-time.Minute)},
		"d": {ID: "d", State: "running", UpdatedAt: now.Add(-time.Hour)},
	}
	pruneOps(ops, 1)
	assert.ElementsMatch(t, []string{"c", "d"}, keys(ops))
}

func keys(m map[string]*OpState) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestFormatEvent(t *testing.T) {
	theme := NewDefaultTheme()

	line := formatEvent(mkEvent(t, 1, events.TypeOperationState, operation.Snapshot{
		ID: "0123456789abcdef", Kind: "clone", Env: "alpha", Target: "beta", State: operation.StateFailed, Error: "boom",
	}), theme)
	assert.Contains(t, line, "[01234567]")
	assert.Contains(t, line, "clone alpha → beta failed boom")

	line = formatEvent(mkEvent(t, 2, events.TypeEnvironmentsChanged, operation.ChangeEvent{Reason: "deleted", Env: "gamma"}), theme)
	assert.Contains(t, line, "deleted gamma")

	line = formatEvent(mkEvent(t, 3, events.TypeOperationOutput, operation.OutputEvent{ID: "op", Text: "  Successfully installed  \n"}), theme)
	assert.Contains(t, line, "[op] Successfully installed")
}

func sampleEnvs() environmentsMsg {
	return environmentsMsg{
		{Environment: venv.Environment{Name: "alpha", PythonVersion: "3.12.1", Packages: []pkgmgr.Package{{Name: "requests", Version: "2.31.0"}}}, SizeBytes: 2_500_000},
		{Environment: venv.Environment{Name: "beta", PythonVersion: "3.11.4", External: true}},
	}
}

func TestUpdateEnvironmentsAndEvents(t *testing.T) {
	m := New("http://localhost:8090/", "")
	assert.Equal(t, "http://localhost:8090", m.apiURL)

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	next, _ = next.Update(sampleEnvs())
	model := next.(Model)

	rows := model.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "alpha", rows[0][1])
	assert.Equal(t, "1", rows[0][3])
	assert.Equal(t, "2.5 MB", rows[0][4])
	assert.Equal(t, "beta (ext)", rows[1][1])
	assert.Equal(t, "-", rows[1][3])
	assert.Equal(t, "alpha", model.selectedEnv())

	next, cmd := model.Update(eventMsg(mkEvent(t, 7, events.TypeOperationState, operation.Snapshot{
		ID: "op-1", Kind: "install", Env: "alpha", State: operation.StateRunning, Step: "install",
	})))
	require.NotNil(t, cmd)
	model = next.(Model)
	assert.Equal(t, int64(7), model.lastEventID)
	assert.True(t, model.health.Connected)
	rows = model.table.Rows()
	assert.Equal(t, "●", rows[0][0])
	assert.Equal(t, "install: install", rows[0][5])

	next, _ = model.Update(eventMsg(mkEvent(t, 8, events.TypeOperationOutput, operation.OutputEvent{
		ID: "op-1", Env: "alpha", Text: "Collecting requests\n",
	})))
	model = next.(Model)
	assert.Contains(t, model.viewport.View(), "Collecting requests")
	assert.Contains(t, model.View(), "ENVIRONMENTS")
}

func TestUpdateCancelWithoutRunningOp(t *testing.T) {
	m := New("http://localhost:8090", "key")
	next, _ := m.Update(sampleEnvs())
	next, cmd := next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	assert.Nil(t, cmd)
	assert.Equal(t, "nothing to cancel", next.(Model).notice)
}

func TestUpdateHealthAndDisconnect(t *testing.T) {
	m := New("http://localhost:8090", "")
	next, cmd := m.Update(healthMsg(api.HealthzResponse{Status: "ok", Version: "v1.2.3", UptimeSeconds: 90, Environments: 3, RunningOperations: 1}))
	require.NotNil(t, cmd)
	model := next.(Model)
	assert.Equal(t, 3, model.health.Environments)
	assert.Equal(t, "v1.2.3", model.health.Version)

	next, cmd = model.Update(sseDisconnectedMsg{})
	require.NotNil(t, cmd)
	model = next.(Model)
	assert.False(t, model.health.Connected)
	assert.Contains(t, model.lastError, "reconnecting")
}

func TestActivityWindowRolls(t *testing.T) {
	var a activity
	now := time.Now()
	a.record(now)
	a.record(now)
	assert.Equal(t, 2, a.total())
	assert.Equal(t, now, a.lastEvent())

	for range activityWindow - 1 {
		a.roll()
	}
	assert.Equal(t, 2, a.total(), "bucket still inside the window")
	a.roll()
	assert.Equal(t, 0, a.total())
	assert.Equal(t, activityWindow, lipgloss.Width(a.render(NewDefaultTheme())))
}

func TestPulseCycles(t *testing.T) {
	var p pulse
	seen := map[string]bool{}
	for range len(pulseFrames) {
		seen[p.String()] = true
		p.advance()
	}
	assert.Len(t, seen, len(pulseFrames))
	assert.Equal(t, pulseFrames[0], p.String())
}
