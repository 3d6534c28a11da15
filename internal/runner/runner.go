package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/venvdeck/internal/log"
)

const (
	// maxOutputBytes caps the output tail kept on a Result.
	maxOutputBytes = 64 * 1024

	// maxStderrBytes caps the stderr tail used for failure messages.
	maxStderrBytes = 8 * 1024

	// DefaultGrace is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGrace = 5 * time.Second

	// pipeWaitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the direct child has exited.
	pipeWaitDelay = 5 * time.Second
)

// ErrCancelled is the error reported by a process that was cancelled.
var ErrCancelled = errors.New("cancelled")

// Status is the terminal state of a process.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Stream identifies which standard stream a chunk came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Command describes an external process.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the current environment.
	Env []string
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, a := range c.Args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Chunk is one piece of incremental process output.
type Chunk struct {
	Stream Stream `json:"stream"`
	Text   string `json:"text"`
}

// Result is the outcome of a finished process.
type Result struct {
	Status     Status
	ExitCode   int
	Output     string // combined stdout/stderr tail, capped at 64KB
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the process ran.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExitError reports a process that exited with a non-zero status. Stderr
// is the tail of the error stream alone; Output is the combined tail.
type ExitError struct {
	Code   int
	Output string
	Stderr string
}

// Error names the last stderr line, or the last output line when the
// process wrote nothing to stderr.
func (e *ExitError) Error() string {
	line := LastLine(e.Stderr)
	if line == "" {
		line = LastLine(e.Output)
	}
	if line != "" {
		return fmt.Sprintf("exit status %d: %s", e.Code, line)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// LastLine returns the last non-empty line of s.
func LastLine(s string) string {
	s = strings.TrimRight(s, "\r\n\t ")
	if i := strings.LastIndexAny(s, "\r\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// Runner starts external processes.
type Runner interface {
	Start(ctx context.Context, cmd Command) (*Handle, error)
}

// ProcessRunner runs commands as OS processes.
type ProcessRunner struct {
	grace  time.Duration
	logger *slog.Logger
}

// New creates a ProcessRunner. grace is how long a cancelled process gets to
// exit after SIGTERM before it is killed; zero disables the kill.
func New(grace time.Duration) *ProcessRunner {
	return &ProcessRunner{
		grace:  grace,
		logger: log.WithComponent("runner"),
	}
}

// Start launches cmd and returns immediately. Cancelling ctx is equivalent
// to calling Cancel on the returned handle.
func (r *ProcessRunner) Start(ctx context.Context, c Command) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = pipeWaitDelay
	setProcessGroup(cmd)

	h := newHandle(r.logger.With("cmd", c.Name))
	h.cmd = cmd
	h.grace = r.grace
	cmd.Stdout = &chunkWriter{h: h, stream: Stdout}
	cmd.Stderr = &chunkWriter{h: h, stream: Stderr}

	h.logger.Debug("starting process", "args", c.Args, "dir", c.Dir)
	h.result.StartedAt = time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Name, err)
	}

	go h.supervise(ctx)
	return h, nil
}

// Handle tracks a running process.
type Handle struct {
	cmd    *exec.Cmd
	grace  time.Duration
	logger *slog.Logger

	out      chan Chunk
	pumpOnce sync.Once
	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// qmu guards the pending chunk queue and the output tails.
	qmu        sync.Mutex
	queue      []Chunk
	drained    bool
	tail       tailBuffer
	stderrTail tailBuffer

	// dmu serializes delivery so that Cancel can wait out an in-flight send.
	dmu sync.Mutex

	mu        sync.Mutex
	muted     bool
	cancelled bool
	finished  bool

	result Result
}

func newHandle(logger *slog.Logger) *Handle {
	return &Handle{
		logger: logger,
		out:    make(chan Chunk),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		tail:   tailBuffer{max: maxOutputBytes},

		stderrTail: tailBuffer{max: maxStderrBytes},
	}
}

// NewCompletedHandle returns a handle for a process that has already
// finished with res, replaying chunks on Output. It backs fake runners.
func NewCompletedHandle(res Result, chunks ...Chunk) *Handle {
	h := newHandle(log.WithComponent("runner"))
	for _, c := range chunks {
		h.append(c)
	}
	if res.Output == "" {
		res.Output = h.tail.String()
	}
	if res.Status == "" {
		res.Status = StatusSucceeded
	}
	h.result = res
	h.finished = true
	h.closeQueue()
	close(h.done)
	return h
}

// Output returns the incremental output of the process. The channel is
// closed once the process has finished and all output has been delivered,
// or dropped after Cancel.
func (h *Handle) Output() <-chan Chunk {
	h.pumpOnce.Do(func() { go h.pump() })
	return h.out
}

// Done is closed when the process has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process has finished or ctx is done. The returned
// error is nil on success, ErrCancelled, an *ExitError, or ctx.Err().
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel requests termination. Once it returns no further chunk is
// delivered, and a process that had not finished reports StatusCancelled.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.muted = true
	if !h.finished {
		h.cancelled = true
	}
	h.mu.Unlock()

	h.stopOnce.Do(func() { close(h.stop) })

	// An in-flight send is released by stop; wait for it before returning.
	h.dmu.Lock()
	h.dmu.Unlock()
}

func (h *Handle) supervise(ctx context.Context) {
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- h.cmd.Wait()
	}()

	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		h.logger.Debug("context done, cancelling process", "error", ctx.Err())
		h.Cancel()
		err = h.terminate(waitErr)
	case <-h.stop:
		err = h.terminate(waitErr)
	}
	h.finish(err)
}

// terminate sends SIGTERM and escalates to SIGKILL once the grace period
// has elapsed.
func (h *Handle) terminate(waitErr <-chan error) error {
	h.logger.Info("cancelling process, sending SIGTERM", "pid", h.cmd.Process.Pid)
	if err := interrupt(h.cmd); err != nil {
		h.logger.Debug("failed to send SIGTERM", "error", err)
	}
	if h.grace <= 0 {
		return <-waitErr
	}

	grace := time.NewTimer(h.grace)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		return err
	case <-grace.C:
		h.logger.Warn("process did not exit after SIGTERM, sending SIGKILL", "grace", h.grace)
		if err := kill(h.cmd); err != nil {
			h.logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitErr
	}
}

func (h *Handle) finish(waitErr error) {
	h.closeQueue()

	h.mu.Lock()
	cancelled := h.cancelled
	h.finished = true
	h.mu.Unlock()

	res := h.result
	res.FinishedAt = time.Now()
	output, stderr := h.outputTails()
	res.Output = output

	var exitErr *exec.ExitError
	switch {
	case cancelled:
		res.Status = StatusCancelled
		res.ExitCode = -1
		if h.cmd.ProcessState != nil {
			res.ExitCode = h.cmd.ProcessState.ExitCode()
		}
		res.Err = ErrCancelled
	case waitErr == nil:
		res.Status = StatusSucceeded
	case errors.As(waitErr, &exitErr):
		res.Status = StatusFailed
		res.ExitCode = exitErr.ExitCode()
		res.Err = &ExitError{Code: res.ExitCode, Output: res.Output, Stderr: stderr}
	default:
		res.Status = StatusFailed
		res.ExitCode = -1
		res.Err = fmt.Errorf("wait for process: %w", waitErr)
	}

	h.logger.Debug("process finished", "status", res.Status, "exit_code", res.ExitCode, "duration", res.Duration())
	h.result = res
	close(h.done)
}

func (h *Handle) append(c Chunk) {
	h.qmu.Lock()
	h.tail.Write(c.Text)
	if c.Stream == Stderr {
		h.stderrTail.Write(c.Text)
	}
	h.queue = append(h.queue, c)
	h.qmu.Unlock()
	h.signal()
}

func (h *Handle) closeQueue() {
	h.qmu.Lock()
	h.drained = true
	h.qmu.Unlock()
	h.signal()
}

func (h *Handle) signal() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Handle) outputTails() (combined, stderr string) {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	return h.tail.String(), h.stderrTail.String()
}

// pump moves queued chunks onto the output channel so that process writes
// never block on a slow reader.
func (h *Handle) pump() {
	defer close(h.out)
	for {
		h.qmu.Lock()
		batch := h.queue
		h.queue = nil
		last := h.drained
		h.qmu.Unlock()

		for _, c := range batch {
			h.deliver(c)
		}
		if last {
			return
		}
		if len(batch) == 0 {
			<-h.notify
		}
	}
}

func (h *Handle) deliver(c Chunk) {
	h.dmu.Lock()
	defer h.dmu.Unlock()

	h.mu.Lock()
	muted := h.muted
	h.mu.Unlock()
	if muted {
		return
	}
	select {
	case h.out <- c:
	case <-h.stop:
	}
}

type chunkWriter struct {
	h      *Handle
	stream Stream
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.h.append(Chunk{Stream: w.stream, Text: string(p)})
	}
	return len(p), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(s string) {
	t.buf = append(t.buf, s...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

// Run starts c, hands every chunk to onChunk (which may be nil) and waits
// for the result.
func Run(ctx context.Context, r Runner, c Command, onChunk func(Chunk)) (Result, error) {
	h, err := r.Start(ctx, c)
	if err != nil {
		return Result{Status: StatusFailed, ExitCode: -1, Err: err}, err
	}
	for chunk := range h.Output() {
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	return h.Wait(context.Background())
}
