// Package operation sequences multi-step environment workflows on top of the
// registry and the process runner, and owns the per-operation state machine.
package operation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/venvdeck/internal/config"
	"github.com/mattjoyce/venvdeck/internal/events"
	"github.com/mattjoyce/venvdeck/internal/journal"
	"github.com/mattjoyce/venvdeck/internal/log"
	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
	"github.com/mattjoyce/venvdeck/internal/runner"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

const (
	// maxFinished bounds how many finished operations stay queryable.
	maxFinished = 200

	journalTimeout = 5 * time.Second
)

// OutputEvent is the payload of events.TypeOperationOutput.
type OutputEvent struct {
	ID     string        `json:"id"`
	Env    string        `json:"env"`
	Step   string        `json:"step"`
	Stream runner.Stream `json:"stream"`
	Text   string        `json:"text"`
}

// ChangeEvent is the payload of events.TypeEnvironmentsChanged.
type ChangeEvent struct {
	Reason string `json:"reason"`
	Env    string `json:"env,omitempty"`
}

// Coordinator starts operations and tracks which environments are busy.
type Coordinator struct {
	reg     *venv.Registry
	runner  runner.Runner
	events  events.Publisher
	journal Journal
	logger  *slog.Logger

	mu       sync.Mutex
	cfg      *config.Config
	manager  pkgmgr.Manager
	busy     map[string]string
	ops      map[string]*Operation
	finished []string

	wg sync.WaitGroup
}

// New wires a coordinator. pub and j may be nil.
func New(cfg *config.Config, reg *venv.Registry, r runner.Runner, pub events.Publisher, j Journal) (*Coordinator, error) {
	mgr, err := pkgmgr.New(cfg.PackageManager)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	if j == nil {
		j = nopJournal{}
	}
	return &Coordinator{
		reg:     reg,
		runner:  r,
		events:  pub,
		journal: j,
		logger:  log.WithComponent("coordinator"),
		cfg:     cfg.Clone(),
		manager: mgr,
		busy:    make(map[string]string),
		ops:     make(map[string]*Operation),
	}, nil
}

// Reload applies changed settings. In-flight operations keep the settings
// they started with.
func (c *Coordinator) Reload(cfg *config.Config) error {
	mgr, err := pkgmgr.New(cfg.PackageManager)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg.Clone()
	c.manager = mgr
	c.mu.Unlock()

	c.reg.Reconfigure(cfg.BaseDir, cfg.ExtraPaths)
	c.reg.List()
	c.logger.Info("settings reloaded", "base_dir", cfg.BaseDir, "package_manager", mgr.Name())
	c.events.Publish(events.TypeEnvironmentsChanged, ChangeEvent{Reason: "reload"})
	return nil
}

// Registry returns the registry the coordinator works on.
func (c *Coordinator) Registry() *venv.Registry {
	return c.reg
}

// Manager returns the active package manager.
func (c *Coordinator) Manager() pkgmgr.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manager
}

func (c *Coordinator) settings() (*config.Config, pkgmgr.Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.manager
}

// Get returns the operation with the given ID.
func (c *Coordinator) Get(id string) (*Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[id]
	return op, ok
}

// Operations returns snapshots of every tracked operation, newest first.
func (c *Coordinator) Operations() []Snapshot {
	c.mu.Lock()
	ops := make([]*Operation, 0, len(c.ops))
	for _, op := range c.ops {
		ops = append(ops, op)
	}
	c.mu.Unlock()

	out := make([]Snapshot, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Busy returns the ID of the operation bound to the environment at path.
func (c *Coordinator) Busy(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.busy[path]
	return id, ok
}

// Cancel asks a running operation to stop. Cancelling a finished operation
// is a no-op.
func (c *Coordinator) Cancel(id string) error {
	op, ok := c.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	if op.requestCancel() {
		c.logger.Info("cancel requested", "op_id", id, "kind", op.kind, "env", op.env)
	}
	return nil
}

// Shutdown cancels every in-flight operation and waits for them to settle.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	var running []*Operation
	for _, op := range c.ops {
		if !op.State().Terminal() {
			running = append(running, op)
		}
	}
	c.mu.Unlock()

	for _, op := range running {
		op.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestoreSnapshots loads persisted package snapshots into the registry for
// environments it currently knows.
func (c *Coordinator) RestoreSnapshots(ctx context.Context) error {
	snaps, err := c.journal.Snapshots(ctx)
	if err != nil {
		return fmt.Errorf("load package snapshots: %w", err)
	}
	for path, snap := range snaps {
		if err := c.reg.SetPackagesAt(path, snap.Packages, snap.RefreshedAt); err != nil && !errors.Is(err, venv.ErrNotFound) {
			return err
		}
	}
	return nil
}

// acquire binds paths to op, or fails with ErrBusy without binding any.
func (c *Coordinator) acquire(op *Operation, paths ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		if id, ok := c.busy[p]; ok {
			return fmt.Errorf("%w: %s (operation %s)", ErrBusy, p, id)
		}
	}
	for _, p := range paths {
		c.busy[p] = op.id
	}
	c.ops[op.id] = op
	return nil
}

func (c *Coordinator) release(op *Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, id := range c.busy {
		if id == op.id {
			delete(c.busy, p)
		}
	}
	c.finished = append(c.finished, op.id)
	for len(c.finished) > maxFinished {
		delete(c.ops, c.finished[0])
		c.finished = c.finished[1:]
	}
}

// launch runs fn in its own goroutine. paths must already be acquired. A
// cancel that arrived before launch is applied at once.
func (c *Coordinator) launch(ctx context.Context, op *Operation, fn func(ctx context.Context, op *Operation) error) {
	opCtx, cancel := context.WithCancel(ctx)
	op.mu.Lock()
	op.cancel = cancel
	early := op.cancelRequested
	op.mu.Unlock()
	if early {
		cancel()
	}

	logger := log.WithOperation(op.id).With("kind", op.kind, "env", op.env)
	c.publishState(op)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		op.start()
		logger.Info("operation started")
		c.publishState(op)

		err := fn(opCtx, op)

		// Terminal before the paths free up, so nobody sees an idle
		// environment with a running operation.
		state := op.complete(err)
		c.release(op)
		switch state {
		case StateSucceeded:
			logger.Info("operation succeeded", "duration", op.Snapshot().Duration())
		case StateCancelled:
			logger.Info("operation cancelled", "step", op.Snapshot().Step)
		default:
			logger.Error("operation failed", "error", err)
		}
		c.record(op)
		c.publishState(op)
		close(op.done)
	}()
}

func (c *Coordinator) record(op *Operation) {
	s := op.Snapshot()
	e := journal.Entry{
		ID:          s.ID,
		Kind:        string(s.Kind),
		Env:         s.Env,
		EnvPath:     s.EnvPath,
		Target:      s.Target,
		Status:      string(s.State),
		Step:        s.Step,
		ExitCode:    s.ExitCode,
		Output:      op.Output(),
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: time.Now().UTC(),
	}
	if s.FinishedAt != nil {
		e.CompletedAt = *s.FinishedAt
	}
	if s.Error != "" {
		msg := s.Error
		e.LastError = &msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := c.journal.Record(ctx, e); err != nil {
		c.logger.Warn("failed to record operation", "op_id", op.id, "error", err)
	}
}

func (c *Coordinator) publishState(op *Operation) {
	c.events.Publish(events.TypeOperationState, op.Snapshot())
}

func (c *Coordinator) publishChange(reason, env string) {
	c.events.Publish(events.TypeEnvironmentsChanged, ChangeEvent{Reason: reason, Env: env})
}

// runStep runs one external command as a named step of op, streaming its
// output into the operation and onto the event hub. stdout, when set,
// receives a copy of the standard output.
func (c *Coordinator) runStep(ctx context.Context, op *Operation, step string, cmd runner.Command, timeout time.Duration, stdout io.Writer) (runner.Result, error) {
	op.setStep(step)
	c.publishState(op)

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.logger.Debug("running step", "op_id", op.id, "step", step, "command", cmd.String())
	h, err := c.runner.Start(stepCtx, cmd)
	if err != nil {
		if ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return runner.Result{}, err
	}

	for chunk := range h.Output() {
		op.appendOutput(chunk.Text)
		if stdout != nil && chunk.Stream == runner.Stdout {
			_, _ = io.WriteString(stdout, chunk.Text)
		}
		c.events.Publish(events.TypeOperationOutput, OutputEvent{
			ID:     op.id,
			Env:    op.env,
			Step:   step,
			Stream: chunk.Stream,
			Text:   chunk.Text,
		})
	}

	res, err := h.Wait(context.Background())
	if errors.Is(err, runner.ErrCancelled) && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return res, err
}

func (c *Coordinator) fail(op *Operation, step string, err error, partial bool) error {
	return &OpError{Op: op.kind, Step: step, Env: op.env, Err: err, Partial: partial}
}

func (c *Coordinator) lookup(kind Kind, ref string) (venv.Environment, error) {
	env, err := c.reg.Lookup(ref)
	if err != nil {
		if hint := c.reg.Suggest(ref); len(hint) > 0 {
			err = fmt.Errorf("%w (did you mean %s?)", err, strings.Join(hint, ", "))
		}
		return venv.Environment{}, &OpError{Op: kind, Step: "lookup", Env: ref, Err: err}
	}
	return env, nil
}

// CreateRequest describes a new environment.
type CreateRequest struct {
	Name               string
	Python             string
	WithoutPip         bool
	SystemSitePackages bool
	// Packages are installed after the configured default packages.
	Packages []string
}

// Create builds a new environment, then installs the default and requested
// packages into it.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*Operation, error) {
	cfg, _ := c.settings()
	if req.Python == "" {
		req.Python = cfg.DefaultPython
	}
	extra := append(append([]string{}, cfg.DefaultPackages...), req.Packages...)
	if _, err := pkgmgr.ParseRequirements(extra); err != nil {
		return nil, &OpError{Op: KindCreate, Step: "validate", Env: req.Name, Err: err}
	}

	op, plan, err := c.plan(KindCreate, req.Name, venv.CreateOptions{
		Python:             req.Python,
		WithoutPip:         req.WithoutPip,
		SystemSitePackages: req.SystemSitePackages,
	})
	if err != nil {
		return nil, err
	}

	c.launch(ctx, op, func(ctx context.Context, op *Operation) error {
		env, err := c.createEnv(ctx, op, plan, !req.WithoutPip)
		if err != nil {
			return err
		}
		if len(extra) == 0 {
			op.setPackages(env.Packages)
			return nil
		}

		cfg, mgr := c.settings()
		if _, err := c.runStep(ctx, op, "install-defaults", mgr.Install(env.Interpreter, extra), cfg.Timeouts.Install, nil); err != nil {
			return c.fail(op, "install-defaults", err, true)
		}
		if _, err := c.refresh(ctx, op, env); err != nil {
			return c.fail(op, "freeze", err, true)
		}
		return nil
	})
	return op, nil
}

// plan validates a create request for name and binds its target path to a
// new operation.
func (c *Coordinator) plan(kind Kind, name string, opts venv.CreateOptions, extraPaths ...string) (*Operation, *venv.CreatePlan, error) {
	if err := venv.ValidateName(name); err != nil {
		return nil, nil, &OpError{Op: kind, Step: "plan", Env: name, Err: err}
	}
	path := filepath.Join(c.reg.BaseDir(), name)

	op := newOperation(uuid.New().String(), kind, name, path, "")
	if len(extraPaths) > 0 {
		op.env, op.envPath, op.target = filepath.Base(extraPaths[0]), extraPaths[0], name
	}
	if err := c.acquire(op, append(extraPaths, path)...); err != nil {
		return nil, nil, &OpError{Op: kind, Step: "acquire", Env: op.env, Err: err}
	}

	plan, err := c.reg.PlanCreate(name, opts)
	if err != nil {
		c.discardPending(op)
		return nil, nil, &OpError{Op: kind, Step: "plan", Env: name, Err: err}
	}
	return op, plan, nil
}

// discardPending forgets an operation that never launched.
func (c *Coordinator) discardPending(op *Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, id := range c.busy {
		if id == op.id {
			delete(c.busy, p)
		}
	}
	delete(c.ops, op.id)
}

// createEnv runs the venv command for plan and commits the result. A failed
// or cancelled venv command leaves nothing behind.
func (c *Coordinator) createEnv(ctx context.Context, op *Operation, plan *venv.CreatePlan, withPip bool) (venv.Environment, error) {
	cfg, mgr := c.settings()

	if err := c.reg.Prepare(plan); err != nil {
		return venv.Environment{}, c.fail(op, "prepare", err, false)
	}
	if _, err := c.runStep(ctx, op, "venv", plan.Command, cfg.Timeouts.Create, nil); err != nil {
		if derr := c.reg.Discard(plan); derr != nil {
			c.logger.Warn("failed to clean up after venv failure", "path", plan.Path, "error", derr)
		}
		return venv.Environment{}, c.fail(op, "venv", err, false)
	}

	op.setStep("commit")
	env, err := c.reg.Commit(plan)
	if err != nil {
		if derr := c.reg.Discard(plan); derr != nil {
			c.logger.Warn("failed to clean up incomplete environment", "path", plan.Path, "error", derr)
		}
		return venv.Environment{}, c.fail(op, "commit", err, false)
	}
	op.setEnvironment(env)
	c.publishChange("created", env.Name)

	if withPip && cfg.AutoUpgradePip {
		if cmd, ok := mgr.UpgradeSelf(env.Interpreter); ok {
			if _, err := c.runStep(ctx, op, "upgrade-pip", cmd, cfg.Timeouts.Install, nil); err != nil {
				if ctx.Err() != nil {
					return env, c.fail(op, "upgrade-pip", err, true)
				}
				c.logger.Warn("pip self-upgrade failed, continuing", "env", env.Name, "error", err)
			}
		}
	}
	return env, nil
}

// refresh re-reads the installed package set and replaces the snapshot
// wholesale.
func (c *Coordinator) refresh(ctx context.Context, op *Operation, env venv.Environment) ([]pkgmgr.Package, error) {
	cfg, mgr := c.settings()

	var out strings.Builder
	if _, err := c.runStep(ctx, op, "freeze", mgr.Freeze(env.Interpreter), cfg.Timeouts.Freeze, &out); err != nil {
		return nil, err
	}
	pkgs := pkgmgr.ParseFreeze(out.String())
	if pkgs == nil {
		pkgs = []pkgmgr.Package{}
	}
	if err := c.reg.SetPackages(env.Path, pkgs); err != nil {
		return nil, err
	}
	op.setPackages(pkgs)

	jctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := c.journal.SaveSnapshot(jctx, env.Path, pkgs); err != nil {
		c.logger.Warn("failed to persist package snapshot", "env", env.Name, "error", err)
	}
	return pkgs, nil
}

// begin binds an existing environment to a new operation.
func (c *Coordinator) begin(kind Kind, ref, target string) (*Operation, venv.Environment, error) {
	env, err := c.lookup(kind, ref)
	if err != nil {
		return nil, venv.Environment{}, err
	}
	op := newOperation(uuid.New().String(), kind, env.Name, env.Path, target)
	if err := c.acquire(op, env.Path); err != nil {
		return nil, venv.Environment{}, &OpError{Op: kind, Step: "acquire", Env: env.Name, Err: err}
	}
	return op, env, nil
}

// Refresh queries the installed packages of an environment.
func (c *Coordinator) Refresh(ctx context.Context, ref string) (*Operation, error) {
	op, env, err := c.begin(KindRefresh, ref, "")
	if err != nil {
		return nil, err
	}
	c.launch(ctx, op, func(ctx context.Context, op *Operation) error {
		if _, err := c.refresh(ctx, op, env); err != nil {
			return c.fail(op, "freeze", err, false)
		}
		return nil
	})
	return op, nil
}

// Install adds packages to an environment and refreshes its snapshot.
func (c *Coordinator) Install(ctx context.Context, ref string, specs []string) (*Operation, error) {
	if len(specs) == 0 {
		return nil, &OpError{Op: KindInstall, Step: "validate", Env: ref, Err: errors.New("no packages given")}
	}
	if _, err := pkgmgr.ParseRequirements(specs); err != nil {
		return nil, &OpError{Op: KindInstall, Step: "validate", Env: ref, Err: err}
	}
	specs = append([]string(nil), specs...)

	op, env, err := c.begin(KindInstall, ref, strings.Join(specs, " "))
	if err != nil {
		return nil, err
	}
	c.launch(ctx, op, func(ctx context.Context, op *Operation) error {
		cfg, mgr := c.settings()
		if _, err := c.runStep(ctx, op, "install", mgr.Install(env.Interpreter, specs), cfg.Timeouts.Install, nil); err != nil {
			return c.fail(op, "install", err, false)
		}
		if _, err := c.refresh(ctx, op, env); err != nil {
			return c.fail(op, "freeze", err, false)
		}
		return nil
	})
	return op, nil
}

// Uninstall removes packages from an environment and refreshes its
// snapshot. Version constraints in names are ignored.
func (c *Coordinator) Uninstall(ctx context.Context, ref string, names []string) (*Operation, error) {
	if len(names) == 0 {
		return nil, &OpError{Op: KindUninstall, Step: "validate", Env: ref, Err: errors.New("no packages given")}
	}
	pkgs, err := pkgmgr.ParseRequirements(names)
	if err != nil {
		return nil, &OpError{Op: KindUninstall, Step: "validate", Env: ref, Err: err}
	}
	bare := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		bare = append(bare, p.Name)
	}

	op, env, err := c.begin(KindUninstall, ref, strings.Join(bare, " "))
	if err != nil {
		return nil, err
	}
	c.launch(ctx, op, func(ctx context.Context, op *Operation) error {
		cfg, mgr := c.settings()
		if _, err := c.runStep(ctx, op, "uninstall", mgr.Uninstall(env.Interpreter, bare), cfg.Timeouts.Uninstall, nil); err != nil {
			return c.fail(op, "uninstall", err, false)
		}
		if _, err := c.refresh(ctx, op, env); err != nil {
			return c.fail(op, "freeze", err, false)
		}
		return nil
	})
	return op, nil
}

// Delete removes an environment's directory. An environment that vanished
// in the meantime counts as deleted.
func (c *Coordinator) Delete(ctx context.Context, ref string) (*Operation, error) {
	op, env, err := c.begin(KindDelete, ref, "")
	if err != nil {
		return nil, err
	}
	c.launch(ctx, op, func(ctx context.Context, op *Operation) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.remove(op, "delete", env)
	})
	return op, nil
}

func (c *Coordinator) remove(op *Operation, step string, env venv.Environment) error {
	op.setStep(step)
	if err := c.reg.Delete(env); err != nil {
		if !errors.Is(err, venv.ErrNotFound) {
			return c.fail(op, step, err, step != "delete")
		}
		c.logger.Info("environment already gone", "env", env.Name, "path", env.Path)
	}

	jctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := c.journal.DeleteSnapshot(jctx, env.Path); err != nil {
		c.logger.Warn("failed to drop package snapshot", "env", env.Name, "error", err)
	}
	c.publishChange("deleted", env.Name)
	return nil
}

// Clone creates dst from src's interpreter and installs src's frozen
// package set into it. A failed install leaves dst in place.
func (c *Coordinator) Clone(ctx context.Context, src, dst string) (*Operation, error) {
	return c.copyEnv(ctx, KindClone, src, dst)
}

// Rename clones src to dst and removes src once the clone succeeded.
func (c *Coordinator) Rename(ctx context.Context, src, dst string) (*Operation, error) {
	return c.copyEnv(ctx, KindRename, src, dst)
}

func (c *Coordinator) copyEnv(ctx context.Context, kind Kind, srcRef, dst string) (*Operation, error) {
	src, err := c.lookup(kind, srcRef)
	if err != nil {
		return nil, err
	}
	opts := venv.CreateOptions{Python: src.Interpreter, ClonedFrom: src.Path}
	if kind == KindRename {
		opts = venv.CreateOptions{Python: src.Interpreter, RenamedFrom: src.Path}
	}

	op, plan, err := c.plan(kind, dst, opts, src.Path)
	if err != nil {
		return nil, err
	}

	c.launch(ctx, op, func(ctx context.Context, op *Operation) error {
		var frozen strings.Builder
		cfg, mgr := c.settings()
		if _, err := c.runStep(ctx, op, "freeze-source", mgr.Freeze(src.Interpreter), cfg.Timeouts.Freeze, &frozen); err != nil {
			return c.fail(op, "freeze-source", err, false)
		}
		pkgs := pkgmgr.ParseFreeze(frozen.String())

		env, err := c.createEnv(ctx, op, plan, true)
		if err != nil {
			return err
		}

		if len(pkgs) > 0 {
			if err := c.installFrozen(ctx, op, env, pkgs); err != nil {
				return c.fail(op, "install-requirements", err, true)
			}
		}
		if _, err := c.refresh(ctx, op, env); err != nil {
			return c.fail(op, "freeze", err, true)
		}

		if kind == KindRename {
			if err := ctx.Err(); err != nil {
				return err
			}
			return c.remove(op, "remove-source", src)
		}
		return nil
	})
	return op, nil
}

// installFrozen bulk-installs pkgs through a temporary requirements file
// inside the target environment.
func (c *Coordinator) installFrozen(ctx context.Context, op *Operation, env venv.Environment, pkgs []pkgmgr.Package) error {
	file, err := writeRequirements(env.Path, pkgs)
	if err != nil {
		return err
	}
	defer removeQuietly(file)

	cfg, mgr := c.settings()
	_, err = c.runStep(ctx, op, "install-requirements", mgr.InstallRequirements(env.Interpreter, file), cfg.Timeouts.Install, nil)
	return err
}
