package watch

import (
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/venvdeck/internal/events"
	"github.com/mattjoyce/venvdeck/internal/operation"
)

const maxOutputLines = 200

// OpState is the dashboard's view of one operation.
type OpState struct {
	ID        string
	Kind      string
	Env       string
	Target    string
	State     string
	Step      string
	Error     string
	UpdatedAt time.Time
	Output    []string
}

func (o *OpState) appendOutput(text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		o.Output = append(o.Output, line)
	}
	if n := len(o.Output); n > maxOutputLines {
		o.Output = o.Output[n-maxOutputLines:]
	}
}

func (o *OpState) terminal() bool {
	return operation.State(o.State).Terminal()
}

// applyEvent folds e into ops. It reports whether the environment list
// should be refetched.
func applyEvent(ops map[string]*OpState, e events.Event) bool {
	switch e.Type {
	case events.TypeOperationState:
		var snap operation.Snapshot
		if err := e.Decode(&snap); err != nil || snap.ID == "" {
			return false
		}
		op := upsertOp(ops, snap.ID)
		op.Kind = string(snap.Kind)
		op.Env = snap.Env
		op.Target = snap.Target
		op.State = string(snap.State)
		op.Step = snap.Step
		op.Error = snap.Error
		op.UpdatedAt = e.At
		// Terminal transitions change sizes, package counts or names.
		return snap.State.Terminal()

	case events.TypeOperationOutput:
		var out operation.OutputEvent
		if err := e.Decode(&out); err != nil || out.ID == "" {
			return false
		}
		op := upsertOp(ops, out.ID)
		if op.Env == "" {
			op.Env = out.Env
		}
		if out.Step != "" {
			op.Step = out.Step
		}
		op.UpdatedAt = e.At
		op.appendOutput(out.Text)
		return false

	case events.TypeEnvironmentsChanged:
		return true
	}
	return false
}

func upsertOp(ops map[string]*OpState, id string) *OpState {
	op, ok := ops[id]
	if !ok {
		op = &OpState{ID: id, State: string(operation.StatePending)}
		ops[id] = op
	}
	return op
}

// latestOp returns the most recently updated operation on env, preferring
// one that is still running.
func latestOp(ops map[string]*OpState, env string) *OpState {
	var best *OpState
	for _, op := range ops {
		if op.Env != env {
			continue
		}
		switch {
		case best == nil:
			best = op
		case best.terminal() && !op.terminal():
			best = op
		case best.terminal() == op.terminal() && op.UpdatedAt.After(best.UpdatedAt):
			best = op
		}
	}
	return best
}

// pruneOps drops finished operations beyond keep, oldest first.
func pruneOps(ops map[string]*OpState, keep int) {
	var done []*OpState
	for _, op := range ops {
		if op.terminal() {
			done = append(done, op)
		}
	}
	if len(done) <= keep {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].UpdatedAt.Before(done[j].UpdatedAt) })
	for _, op := range done[:len(done)-keep] {
		delete(ops, op.ID)
	}
}
