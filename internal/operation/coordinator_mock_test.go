package operation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/venvdeck/internal/config"
	"github.com/mattjoyce/venvdeck/internal/journal"
	"github.com/mattjoyce/venvdeck/internal/operation/mocks"
	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
	"github.com/mattjoyce/venvdeck/internal/runner"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

func newMockCoordinator(t *testing.T, r runner.Runner, j Journal) (*Coordinator, *venv.Registry) {
	t.Helper()
	cfg := config.Defaults()
	cfg.BaseDir = t.TempDir()
	cfg.AutoUpgradePip = false
	reg := venv.New(cfg.BaseDir, nil)
	c, err := New(cfg, reg, r, nil, j)
	require.NoError(t, err)
	return c, reg
}

// makeEnvDir lays out just enough for the registry to recognise a venv.
func makeEnvDir(t *testing.T, base, name string) string {
	t.Helper()
	dir := filepath.Join(base, name)
	py := venv.InterpreterPath(dir)
	require.NoError(t, os.MkdirAll(filepath.Dir(py), 0o755))
	require.NoError(t, os.WriteFile(py, []byte("#!/bin/sh\n"), 0o755))
	return dir
}

func succeeded(chunks ...runner.Chunk) *runner.Handle {
	return runner.NewCompletedHandle(runner.Result{Status: runner.StatusSucceeded}, chunks...)
}

func waitFor(t *testing.T, op *Operation) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, _ := op.Wait(ctx)
	require.True(t, snap.State.Terminal())
	return snap
}

func TestInstallFailureRecordedInJournal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	mockJournal := mocks.NewMockJournal(ctrl)
	c, reg := newMockCoordinator(t, mockRunner, mockJournal)
	envPath := makeEnvDir(t, reg.BaseDir(), "demo")

	const failure = "ERROR: No matching distribution found for nosuchpkg\n"
	mockRunner.EXPECT().Start(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, cmd runner.Command) (*runner.Handle, error) {
		assert.Equal(t, venv.InterpreterPath(envPath), cmd.Name)
		assert.Equal(t, []string{"-m", "pip", "install", "nosuchpkg"}, cmd.Args)
		return runner.NewCompletedHandle(runner.Result{
			Status:   runner.StatusFailed,
			ExitCode: 1,
			Err:      &runner.ExitError{Code: 1, Output: failure},
		}, runner.Chunk{Stream: runner.Stderr, Text: failure}), nil
	})
	mockJournal.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e journal.Entry) error {
		assert.Equal(t, "install", e.Kind)
		assert.Equal(t, "demo", e.Env)
		assert.Equal(t, envPath, e.EnvPath)
		assert.Equal(t, "nosuchpkg", e.Target)
		assert.Equal(t, "failed", e.Status)
		assert.Equal(t, "install", e.Step)
		if assert.NotNil(t, e.ExitCode) {
			assert.Equal(t, 1, *e.ExitCode)
		}
		if assert.NotNil(t, e.LastError) {
			assert.Contains(t, *e.LastError, "No matching distribution")
		}
		assert.Equal(t, failure, e.Output)
		assert.NotNil(t, e.StartedAt)
		return nil
	})

	op, err := c.Install(context.Background(), "demo", []string{"nosuchpkg"})
	require.NoError(t, err)
	snap := waitFor(t, op)

	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 1, *snap.ExitCode)
	assert.Equal(t, "ERROR: No matching distribution found for nosuchpkg", snap.LastOutput)
}

func TestBusyRejectionDoesNotDisturbInFlightOperation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	mockJournal := mocks.NewMockJournal(ctrl)
	c, reg := newMockCoordinator(t, mockRunner, mockJournal)
	makeEnvDir(t, reg.BaseDir(), "demo")

	started := make(chan struct{})
	release := make(chan struct{})
	gomock.InOrder(
		mockRunner.EXPECT().Start(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ runner.Command) (*runner.Handle, error) {
			close(started)
			<-release
			return succeeded(runner.Chunk{Stream: runner.Stdout, Text: "Successfully installed requests-2.31.0\n"}), nil
		}),
		mockRunner.EXPECT().Start(gomock.Any(), gomock.Any()).Return(
			succeeded(runner.Chunk{Stream: runner.Stdout, Text: "requests==2.31.0\n"}), nil),
	)
	mockJournal.EXPECT().SaveSnapshot(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	mockJournal.EXPECT().Record(gomock.Any(), gomock.Any()).Return(nil)

	first, err := c.Install(context.Background(), "demo", []string{"requests"})
	require.NoError(t, err)
	<-started

	second, err := c.Install(context.Background(), "demo", []string{"flask"})
	assert.Nil(t, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBusy))

	_, err = c.Delete(context.Background(), "demo")
	assert.ErrorIs(t, err, ErrBusy)

	assert.Equal(t, StateRunning, first.State())
	close(release)

	snap := waitFor(t, first)
	assert.Equal(t, StateSucceeded, snap.State)
	assert.Equal(t, []pkgmgr.Package{{Name: "requests", Version: "2.31.0"}}, snap.Packages)
	assert.Len(t, c.Operations(), 1)
}

func TestJournalFailureDoesNotFailOperation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	mockJournal := mocks.NewMockJournal(ctrl)
	c, reg := newMockCoordinator(t, mockRunner, mockJournal)
	makeEnvDir(t, reg.BaseDir(), "demo")

	mockRunner.EXPECT().Start(gomock.Any(), gomock.Any()).Return(succeeded(), nil)
	mockJournal.EXPECT().SaveSnapshot(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("disk full"))
	mockJournal.EXPECT().Record(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	op, err := c.Refresh(context.Background(), "demo")
	require.NoError(t, err)
	snap := waitFor(t, op)
	assert.Equal(t, StateSucceeded, snap.State)
	assert.Empty(t, snap.Packages)
}

func TestCancelBeforeProcessStarts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	c, reg := newMockCoordinator(t, mockRunner, nil)
	makeEnvDir(t, reg.BaseDir(), "demo")

	entered := make(chan struct{})
	mockRunner.EXPECT().Start(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ runner.Command) (*runner.Handle, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	op, err := c.Install(context.Background(), "demo", []string{"requests"})
	require.NoError(t, err)
	<-entered
	require.NoError(t, c.Cancel(op.ID()))

	snap := waitFor(t, op)
	assert.Equal(t, StateCancelled, snap.State)
	assert.ErrorIs(t, op.Err(), runner.ErrCancelled)
	assert.Nil(t, snap.ExitCode)
}

func TestCancelWinsOverLateSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	c, reg := newMockCoordinator(t, mockRunner, nil)
	makeEnvDir(t, reg.BaseDir(), "demo")

	entered := make(chan struct{})
	release := make(chan struct{})
	mockRunner.EXPECT().Start(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, runner.Command) (*runner.Handle, error) {
		close(entered)
		<-release
		return succeeded(), nil
	})

	op, err := c.Refresh(context.Background(), "demo")
	require.NoError(t, err)
	<-entered
	require.NoError(t, c.Cancel(op.ID()))
	close(release)

	assert.Equal(t, StateCancelled, waitFor(t, op).State)
}

func TestCancelBeforeLaunchIsApplied(t *testing.T) {
	c, reg := newMockCoordinator(t, nil, nil)
	makeEnvDir(t, reg.BaseDir(), "demo")

	op, _, err := c.begin(KindRefresh, "demo", "")
	require.NoError(t, err)
	require.NoError(t, c.Cancel(op.ID()))

	c.launch(context.Background(), op, func(ctx context.Context, _ *Operation) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("context never cancelled")
		}
	})

	snap := waitFor(t, op)
	assert.Equal(t, StateCancelled, snap.State)
	assert.ErrorIs(t, op.Err(), runner.ErrCancelled)
}

func TestOperationTerminalBeforeEnvironmentFreed(t *testing.T) {
	c, reg := newMockCoordinator(t, nil, nil)
	makeEnvDir(t, reg.BaseDir(), "demo")

	op, env, err := c.begin(KindRefresh, "demo", "")
	require.NoError(t, err)
	dir := env.Path

	proceed := make(chan struct{})
	c.launch(context.Background(), op, func(context.Context, *Operation) error {
		<-proceed
		return nil
	})

	// With the coordinator lock held the paths cannot be released, so the
	// operation must reach its terminal state first.
	c.mu.Lock()
	close(proceed)
	assert.Eventually(t, func() bool { return op.State().Terminal() }, 5*time.Second, 5*time.Millisecond)
	_, busy := c.busy[dir]
	c.mu.Unlock()
	assert.True(t, busy)

	assert.Equal(t, StateSucceeded, waitFor(t, op).State)
	_, busy = c.Busy(dir)
	assert.False(t, busy)
}

func TestZeroTimeoutRunsUnbounded(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	c, reg := newMockCoordinator(t, mockRunner, nil)
	makeEnvDir(t, reg.BaseDir(), "demo")

	cfg := config.Defaults()
	cfg.BaseDir = reg.BaseDir()
	cfg.Timeouts.Freeze = 0
	require.NoError(t, c.Reload(cfg))

	mockRunner.EXPECT().Start(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ runner.Command) (*runner.Handle, error) {
		_, bounded := ctx.Deadline()
		assert.False(t, bounded, "freeze step should have no deadline")
		return succeeded(), nil
	})

	op, err := c.Refresh(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, waitFor(t, op).State)
}

func TestDeleteOfVanishedEnvironmentSucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	mockJournal := mocks.NewMockJournal(ctrl)
	c, reg := newMockCoordinator(t, mockRunner, mockJournal)
	dir := makeEnvDir(t, reg.BaseDir(), "demo")
	reg.List()

	require.NoError(t, os.RemoveAll(dir))
	mockJournal.EXPECT().DeleteSnapshot(gomock.Any(), dir).Return(nil)
	mockJournal.EXPECT().Record(gomock.Any(), gomock.Any()).Return(nil)

	op, err := c.Delete(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, waitFor(t, op).State)
	assert.Empty(t, reg.Environments())
}

func TestRestoreSnapshotsSkipsUnknownPaths(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockJournal := mocks.NewMockJournal(ctrl)
	c, reg := newMockCoordinator(t, mocks.NewMockRunner(ctrl), mockJournal)
	dir := makeEnvDir(t, reg.BaseDir(), "demo")
	reg.List()

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mockJournal.EXPECT().Snapshots(gomock.Any()).Return(map[string]journal.Snapshot{
		dir:          {Packages: []pkgmgr.Package{{Name: "rich", Version: "13.7.0"}}, RefreshedAt: at},
		"/gone/away": {Packages: []pkgmgr.Package{{Name: "x", Version: "1"}}, RefreshedAt: at},
	}, nil)

	require.NoError(t, c.RestoreSnapshots(context.Background()))
	env, err := reg.Lookup("demo")
	require.NoError(t, err)
	assert.Equal(t, at, env.PackagesRefreshedAt)
	assert.Equal(t, "rich", env.Packages[0].Name)
}

func TestShutdownCancelsRunningOperations(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	c, reg := newMockCoordinator(t, mockRunner, nil)
	makeEnvDir(t, reg.BaseDir(), "demo")

	mockRunner.EXPECT().Start(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ runner.Command) (*runner.Handle, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	op, err := c.Install(context.Background(), "demo", []string{"requests"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, StateCancelled, op.State())
}

func TestUsesConfiguredPackageManager(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	c, reg := newMockCoordinator(t, mockRunner, nil)
	envPath := makeEnvDir(t, reg.BaseDir(), "demo")

	cfg := config.Defaults()
	cfg.BaseDir = reg.BaseDir()
	cfg.PackageManager = config.ManagerUV
	require.NoError(t, c.Reload(cfg))
	assert.Equal(t, "uv", c.Manager().Name())

	mockRunner.EXPECT().Start(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, cmd runner.Command) (*runner.Handle, error) {
		assert.Equal(t, "uv", cmd.Name)
		assert.Equal(t, []string{"pip", "freeze", "--python", venv.InterpreterPath(envPath)}, cmd.Args)
		return succeeded(), nil
	})
	op, err := c.Refresh(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, waitFor(t, op).State)

	bad := cfg.Clone()
	bad.PackageManager = "poetry"
	assert.Error(t, c.Reload(bad))
	assert.Equal(t, "uv", c.Manager().Name())
}

func TestValidationErrorsAreSynchronous(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	c, reg := newMockCoordinator(t, mocks.NewMockRunner(ctrl), nil)
	makeEnvDir(t, reg.BaseDir(), "demo")

	_, err := c.Install(context.Background(), "demo", nil)
	assert.Error(t, err)
	_, err = c.Install(context.Background(), "demo", []string{"-r", "reqs.txt"})
	assert.ErrorIs(t, err, pkgmgr.ErrInvalidRequirement)
	_, err = c.Uninstall(context.Background(), "demo", []string{"bad/name"})
	assert.ErrorIs(t, err, pkgmgr.ErrInvalidRequirement)
	_, err = c.Create(context.Background(), CreateRequest{Name: "../escape"})
	assert.ErrorIs(t, err, venv.ErrInvalidName)
	_, err = c.Clone(context.Background(), "demo", "demo")
	assert.ErrorIs(t, err, venv.ErrAlreadyExists)
	_, err = c.Refresh(context.Background(), "missing")
	assert.ErrorIs(t, err, venv.ErrNotFound)

	assert.Empty(t, c.Operations())
}

func TestOpErrorMessage(t *testing.T) {
	tests := []struct {
		err  *OpError
		want string
	}{
		{&OpError{Op: KindInstall, Step: "install", Env: "demo", Err: errors.New("exit status 1")}, "install demo: install: exit status 1"},
		{&OpError{Op: KindClone, Step: "install-requirements", Env: "demo", Err: errors.New("boom"), Partial: true}, "clone demo: install-requirements: boom (partial state left in place)"},
		{&OpError{Op: KindRefresh, Err: ErrBusy}, "refresh: environment is busy"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
	assert.ErrorIs(t, tests[2].err, ErrBusy)
}
