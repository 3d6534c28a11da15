package operation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
	"github.com/mattjoyce/venvdeck/internal/runner"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

// maxOutputBytes caps the combined step output kept per operation.
const maxOutputBytes = 64 * 1024

// Kind names a unit of work.
type Kind string

const (
	KindCreate    Kind = "create"
	KindDelete    Kind = "delete"
	KindClone     Kind = "clone"
	KindInstall   Kind = "install"
	KindUninstall Kind = "uninstall"
	KindRefresh   Kind = "refresh"
	KindExport    Kind = "export"
	KindRename    Kind = "rename"
	KindOutdated  Kind = "outdated"
	KindInfo      Kind = "info"
)

// State is a position in the operation state machine:
// pending -> running -> succeeded | failed | cancelled.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Snapshot is a point-in-time copy of an operation, safe to serialize.
type Snapshot struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Env        string           `json:"env"`
	EnvPath    string           `json:"env_path"`
	Target     string           `json:"target,omitempty"`
	State      State            `json:"state"`
	Step       string           `json:"step,omitempty"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	Error      string           `json:"error,omitempty"`
	LastOutput string           `json:"last_output,omitempty"`
	Packages   []pkgmgr.Package `json:"packages,omitempty"`
	Files      []string         `json:"files,omitempty"`
	Updates    []pkgmgr.Update  `json:"updates,omitempty"`
	Info       *pkgmgr.Info     `json:"info,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Duration is how long the operation ran, or has been running.
func (s Snapshot) Duration() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if s.FinishedAt != nil {
		end = *s.FinishedAt
	}
	return end.Sub(*s.StartedAt)
}

// Operation is the future returned by every Coordinator call.
type Operation struct {
	id        string
	kind      Kind
	env       string
	envPath   string
	target    string
	createdAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	state           State
	step            string
	startedAt       time.Time
	finishedAt      time.Time
	exitCode        *int
	err             error
	output          []byte
	cancelRequested bool

	environment *venv.Environment
	packages    []pkgmgr.Package
	files       []string
	updates     []pkgmgr.Update
	info        *pkgmgr.Info
}

func newOperation(id string, kind Kind, env, envPath, target string) *Operation {
	return &Operation{
		id:        id,
		kind:      kind,
		env:       env,
		envPath:   envPath,
		target:    target,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
		state:     StatePending,
	}
}

func (o *Operation) ID() string { return o.id }

func (o *Operation) Kind() Kind { return o.kind }

// Done is closed once the operation reaches a terminal state.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Wait blocks until the operation finishes or ctx is done. It returns the
// final snapshot and the operation error, nil on success.
func (o *Operation) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-o.done:
		return o.Snapshot(), o.Err()
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}
}

// Err returns the failure or cancellation cause once finished.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// State returns the current state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Operation) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{
		ID:         o.id,
		Kind:       o.kind,
		Env:        o.env,
		EnvPath:    o.envPath,
		Target:     o.target,
		State:      o.state,
		Step:       o.step,
		LastOutput: runner.LastLine(string(o.output)),
		CreatedAt:  o.createdAt,
	}
	if o.exitCode != nil {
		code := *o.exitCode
		s.ExitCode = &code
	}
	if o.err != nil {
		s.Error = o.err.Error()
	}
	if o.packages != nil {
		s.Packages = append([]pkgmgr.Package{}, o.packages...)
	}
	if o.files != nil {
		s.Files = append([]string(nil), o.files...)
	}
	if o.updates != nil {
		s.Updates = append([]pkgmgr.Update{}, o.updates...)
	}
	if o.info != nil {
		info := *o.info
		s.Info = &info
	}
	if !o.startedAt.IsZero() {
		t := o.startedAt
		s.StartedAt = &t
	}
	if !o.finishedAt.IsZero() {
		t := o.finishedAt
		s.FinishedAt = &t
	}
	return s
}

// Output returns the tail of everything the operation's processes wrote.
func (o *Operation) Output() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.output)
}

// Environment returns the environment a create, clone or rename produced.
func (o *Operation) Environment() (venv.Environment, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.environment == nil {
		return venv.Environment{}, false
	}
	return *o.environment, true
}

// Packages returns the package set recorded by the last refresh step. It
// is nil when no refresh ran.
func (o *Operation) Packages() []pkgmgr.Package {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.packages == nil {
		return nil
	}
	return append([]pkgmgr.Package{}, o.packages...)
}

// Files returns the paths an export wrote.
func (o *Operation) Files() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.files...)
}

// Updates returns the packages an outdated check found behind the index.
func (o *Operation) Updates() []pkgmgr.Update {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]pkgmgr.Update(nil), o.updates...)
}

// Info returns the package metadata an info operation read.
func (o *Operation) Info() (pkgmgr.Info, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.info == nil {
		return pkgmgr.Info{}, false
	}
	return *o.info, true
}

// requestCancel marks the operation cancelled and stops its context. It
// returns false when the operation already finished.
func (o *Operation) requestCancel() bool {
	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return false
	}
	o.cancelRequested = true
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

func (o *Operation) start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateRunning
	o.startedAt = time.Now().UTC()
}

func (o *Operation) setStep(step string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.step = step
}

func (o *Operation) appendOutput(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.output = append(o.output, text...)
	if over := len(o.output) - maxOutputBytes; over > 0 {
		o.output = append(o.output[:0:0], o.output[over:]...)
	}
}

func (o *Operation) setEnvironment(env venv.Environment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.environment = &env
}

func (o *Operation) setPackages(pkgs []pkgmgr.Package) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.packages = append([]pkgmgr.Package{}, pkgs...)
}

func (o *Operation) setUpdates(updates []pkgmgr.Update) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates = append([]pkgmgr.Update{}, updates...)
}

func (o *Operation) setInfo(info pkgmgr.Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.info = &info
}

func (o *Operation) setFiles(files []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files = append([]string(nil), files...)
}

// complete moves the operation into its terminal state. A cancel request
// always wins over the step outcome.
func (o *Operation) complete(err error) State {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.cancelRequested || errors.Is(err, runner.ErrCancelled) || errors.Is(err, context.Canceled):
		o.state = StateCancelled
		if err == nil || !errors.Is(err, runner.ErrCancelled) {
			err = &OpError{Op: o.kind, Step: o.step, Env: o.env, Err: runner.ErrCancelled}
		}
	case err == nil:
		o.state = StateSucceeded
	default:
		o.state = StateFailed
		var exitErr *runner.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.Code
			o.exitCode = &code
		}
	}
	o.err = err
	o.finishedAt = time.Now().UTC()
	return o.state
}
