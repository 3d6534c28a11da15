package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/mattjoyce/venvdeck/internal/config"
	"github.com/mattjoyce/venvdeck/internal/events"
	"github.com/mattjoyce/venvdeck/internal/journal"
	"github.com/mattjoyce/venvdeck/internal/log"
	"github.com/mattjoyce/venvdeck/internal/operation"
	"github.com/mattjoyce/venvdeck/internal/runner"
	"github.com/mattjoyce/venvdeck/internal/storage"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

// app is the per-invocation wiring shared by every environment command.
type app struct {
	cfg     *config.Config
	reg     *venv.Registry
	hub     *events.Hub
	coord   *operation.Coordinator
	journal *journal.Journal // nil when the state database is unavailable
	db      *sql.DB
	logger  *slog.Logger
}

func addConfigFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Path to configuration file")
}

func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func openApp(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		reg:    venv.New(cfg.BaseDir, cfg.ExtraPaths),
		hub:    events.NewHub(256),
		logger: log.WithComponent("cli"),
	}

	ctx := context.Background()
	var j operation.Journal
	if db, err := storage.OpenSQLite(ctx, cfg.State.Path); err != nil {
		a.logger.Warn("operation journal unavailable", "path", cfg.State.Path, "error", err)
	} else {
		a.db = db
		a.journal = journal.New(db)
		j = a.journal
	}

	coord, err := operation.New(cfg, a.reg, runner.New(cfg.CancelGrace), a.hub, j)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.coord = coord

	a.reg.List()
	if err := coord.RestoreSnapshots(ctx); err != nil {
		a.logger.Warn("package snapshots not restored", "error", err)
	}
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

// runOptions tunes how an operation's progress reaches the terminal.
type runOptions struct {
	quiet bool
	// stdoutToo streams the subprocess stdout as well as stderr.
	stdoutToo bool
}

// execute starts an operation and waits for it, streaming subprocess output
// to stderr. SIGINT/SIGTERM cancel the operation.
func (a *app) execute(opts runOptions, start func(ctx context.Context) (*operation.Operation, error)) (*operation.Operation, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopStream := a.streamOutput(os.Stderr, opts)
	op, err := start(ctx)
	if err != nil {
		stopStream()
		return nil, err
	}

	snap, err := op.Wait(context.Background())
	stopStream()
	printOutcome(os.Stderr, snap, err)
	return op, err
}

// streamOutput copies operation.output events to w until the returned func
// is called. The func drains what was already published.
func (a *app) streamOutput(w io.Writer, opts runOptions) func() {
	if opts.quiet {
		return func() {}
	}
	ch, cancel := a.hub.Subscribe(events.TypeOperationOutput)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			var out operation.OutputEvent
			if ev.Decode(&out) != nil {
				continue
			}
			if out.Stream == runner.Stdout && !opts.stdoutToo {
				continue
			}
			_, _ = io.WriteString(w, out.Text)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#D19A66"))
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func colorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isTerminal(f)
}

func paint(f *os.File, style lipgloss.Style, s string) string {
	if !colorEnabled(f) {
		return s
	}
	return style.Render(s)
}

func printOutcome(f *os.File, snap operation.Snapshot, err error) {
	subject := string(snap.Kind) + " " + snap.Env
	if snap.Target != "" {
		subject += " -> " + snap.Target
	}
	elapsed := snap.Duration().Round(100 * time.Millisecond)

	switch snap.State {
	case operation.StateSucceeded:
		fmt.Fprintf(f, "%s %s (%s)\n", paint(f, okStyle, "✓"), subject, elapsed)
	case operation.StateCancelled:
		fmt.Fprintf(f, "%s %s cancelled\n", paint(f, warnStyle, "⊘"), subject)
	default:
		fmt.Fprintf(f, "%s %v\n", paint(f, failStyle, "✗"), err)
	}
}

// exitCode maps an operation error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, runner.ErrCancelled):
		return 130
	default:
		return 1
	}
}

// fail prints err and returns the matching exit status.
func fail(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCode(err)
}
