package runner

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/venvdeck/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text")
	os.Exit(m.Run())
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based process tests require a POSIX shell")
	}
}

func sh(script string) Command {
	return Command{Name: "/bin/sh", Args: []string{"-c", script}}
}

func collect(h *Handle) string {
	var b strings.Builder
	for c := range h.Output() {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestStartSucceeded(t *testing.T) {
	requireShell(t)
	t.Parallel()

	h, err := New(time.Second).Start(context.Background(), sh("echo hello; echo oops >&2"))
	require.NoError(t, err)

	out := collect(h)
	res, err := h.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "oops")
	assert.Contains(t, res.Output, "hello")
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestStartStreamsByStream(t *testing.T) {
	requireShell(t)
	t.Parallel()

	h, err := New(time.Second).Start(context.Background(), sh("echo to-out; echo to-err >&2"))
	require.NoError(t, err)

	streams := map[Stream]string{}
	for c := range h.Output() {
		streams[c.Stream] += c.Text
	}
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "to-out\n", streams[Stdout])
	assert.Equal(t, "to-err\n", streams[Stderr])
}

func TestStartFailedExitCode(t *testing.T) {
	requireShell(t)
	t.Parallel()

	h, err := New(time.Second).Start(context.Background(), sh("echo first; echo boom >&2; exit 3"))
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected *ExitError, got %T", err)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "exit status 3: boom", err.Error())
	assert.Equal(t, "boom\n", exitErr.Stderr)
}

func TestExitErrorPrefersStderr(t *testing.T) {
	requireShell(t)
	t.Parallel()

	// stdout is written last, so the combined tail ends with it.
	h, err := New(time.Second).Start(context.Background(), sh("echo 'ERROR: no matching distribution' >&2; sleep 0.05; echo 'Cleaning up'; exit 1"))
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Cleaning up", LastLine(res.Output))
	assert.Equal(t, "exit status 1: ERROR: no matching distribution", err.Error())
}

func TestExitErrorFallsBackToOutput(t *testing.T) {
	err := &ExitError{Code: 2, Output: "only stdout\n"}
	assert.Equal(t, "exit status 2: only stdout", err.Error())

	err = &ExitError{Code: 2, Output: "stdout last\n", Stderr: "real cause\n"}
	assert.Equal(t, "exit status 2: real cause", err.Error())

	assert.Equal(t, "exit status 4", (&ExitError{Code: 4}).Error())
}

func TestStartMissingBinary(t *testing.T) {
	_, err := New(time.Second).Start(context.Background(), Command{Name: "/definitely/not/here/python"})
	require.Error(t, err)
}

func TestStartWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(time.Second).Start(ctx, sh("true"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCancelYieldsCancelledAndStopsOutput(t *testing.T) {
	requireShell(t)
	t.Parallel()

	script := `echo started; i=0; while [ $i -lt 200 ]; do echo tick $i; i=$((i+1)); sleep 0.05; done`
	h, err := New(2*time.Second).Start(context.Background(), sh(script))
	require.NoError(t, err)

	out := h.Output()
	first := <-out
	assert.Contains(t, first.Text, "started")

	h.Cancel()

	late := 0
	for range out {
		late++
	}
	assert.Zero(t, late, "no chunk may be delivered after Cancel returns")

	res, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestContextCancelIsCancel(t *testing.T) {
	requireShell(t)
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := Run(ctx, New(2*time.Second), sh("exec sleep 30"), nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestForceKillAfterGrace(t *testing.T) {
	requireShell(t)
	t.Parallel()

	script := `trap "" TERM; echo ready; while :; do sleep 0.1; done`
	h, err := New(200*time.Millisecond).Start(context.Background(), sh(script))
	require.NoError(t, err)

	<-h.Output()
	start := time.Now()
	h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestZeroGraceIsCooperative(t *testing.T) {
	requireShell(t)
	t.Parallel()

	// The process takes its time after SIGTERM and picks its own status.
	script := `trap 'sleep 0.3; exit 7' TERM; echo ready; while :; do sleep 0.05; done`
	h, err := New(0).Start(context.Background(), sh(script))
	require.NoError(t, err)

	<-h.Output()
	h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, 7, res.ExitCode, "process should exit on its own, not be killed")
}

func TestCancelAfterFinishIsNoop(t *testing.T) {
	requireShell(t)
	t.Parallel()

	h, err := New(time.Second).Start(context.Background(), sh("echo done"))
	require.NoError(t, err)
	<-h.Done()

	h.Cancel()
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
}

func TestWaitContextExpires(t *testing.T) {
	requireShell(t)
	t.Parallel()

	h, err := New(time.Second).Start(context.Background(), sh("exec sleep 30"))
	require.NoError(t, err)
	defer h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitWithoutReadingOutput(t *testing.T) {
	requireShell(t)
	t.Parallel()

	h, err := New(time.Second).Start(context.Background(), sh("i=0; while [ $i -lt 500 ]; do echo line $i; i=$((i+1)); done"))
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Output, "line 499")
}

func TestCommandEnvAndDir(t *testing.T) {
	requireShell(t)
	t.Parallel()

	dir := t.TempDir()
	c := sh(`echo "$VENVDECK_MARKER"; pwd`)
	c.Env = []string{"VENVDECK_MARKER=marker-value"}
	c.Dir = dir

	res, err := Run(context.Background(), New(time.Second), c, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "marker-value")
	assert.Contains(t, res.Output, dir)
}

func TestRunForwardsChunks(t *testing.T) {
	requireShell(t)
	t.Parallel()

	var got []string
	_, err := Run(context.Background(), New(time.Second), sh("echo a; echo b"), func(c Chunk) {
		got = append(got, c.Text)
	})
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", strings.Join(got, ""))
}

func TestCompletedHandle(t *testing.T) {
	h := NewCompletedHandle(Result{}, Chunk{Stream: Stdout, Text: "x\n"}, Chunk{Stream: Stderr, Text: "y\n"})

	assert.Equal(t, "x\ny\n", collect(h))
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "x\ny\n", res.Output)

	failed := NewCompletedHandle(Result{Status: StatusFailed, ExitCode: 1, Err: &ExitError{Code: 1}})
	_, err = failed.Wait(context.Background())
	var exitErr *ExitError
	assert.True(t, errors.As(err, &exitErr))
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tb := tailBuffer{max: 8}
	tb.Write("abcdef")
	tb.Write("ghijkl")
	assert.Equal(t, "efghijkl", tb.String())
}

func TestCommandString(t *testing.T) {
	c := Command{Name: "python", Args: []string{"-m", "pip", "install", "a b", ""}}
	assert.Equal(t, `python -m pip install "a b" ""`, c.String())
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "ERROR: nope", LastLine("Collecting x\nERROR: nope\n\n"))
	assert.Equal(t, "", LastLine(""))
	assert.Equal(t, "single", LastLine("single"))
}
