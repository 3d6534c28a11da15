package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/venvdeck/internal/api"
	"github.com/mattjoyce/venvdeck/internal/auth"
	"github.com/mattjoyce/venvdeck/internal/config"
	"github.com/mattjoyce/venvdeck/internal/events"
	"github.com/mattjoyce/venvdeck/internal/lock"
	"github.com/mattjoyce/venvdeck/internal/log"
	"github.com/mattjoyce/venvdeck/internal/operation"
	"github.com/mattjoyce/venvdeck/internal/tui/watch"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

func pidLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), "venvdeck.pid")
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
	for _, t := range cfg.API.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return api.Config{
		Listen:  cfg.API.Listen,
		APIKey:  cfg.API.APIKey,
		Tokens:  tokens,
		Version: currentVersionInfo().Version,
	}
}

func runServe(args []string) int {
	fs := newFlagSet("serve")
	configPath := addConfigFlag(fs)
	listen := fs.String("listen", "", "Override api.listen")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	logger := log.WithComponent("main")
	logger.Info("venvdeck starting", "version", version, "config", cfg.Path)

	lockPath := pidLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another server may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	a, err := newApp(cfg)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	errCh := make(chan error, 2)

	go func() {
		err := a.reg.Watch(ctx, func([]venv.Environment) {
			a.hub.Publish(events.TypeEnvironmentsChanged, operation.ChangeEvent{Reason: "rescan"})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			// Watching is a convenience; the API keeps rescanning on demand.
			logger.Warn("base directory watch stopped", "error", err)
		}
	}()

	var history api.History
	if a.journal != nil {
		history = a.journal
	}
	apiServer := api.New(apiConfig(cfg), a.coord, a.reg, history, a.hub, log.WithComponent("api"))
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("venvdeck running (press Ctrl+C to stop)", "listen", cfg.API.Listen, "base_dir", cfg.BaseDir)

	code := 0
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloadSettings(a, cfg.Path, logger)
				continue
			}
			logger.Info("received shutdown signal", "signal", sig)
			break loop
		case err := <-errCh:
			logger.Error("component failed", "error", err)
			code = 1
			break loop
		}
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.CancelGrace+5*time.Second)
	defer stop()
	if err := a.coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn("operations still running at shutdown", "error", err)
	}

	logger.Info("venvdeck stopped")
	return code
}

// reloadSettings applies a changed settings file. API credentials and the
// listen address need a restart.
func reloadSettings(a *app, path string, logger *slog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("reload failed", "error", err)
		return
	}
	if err := a.coord.Reload(cfg); err != nil {
		logger.Error("reload failed", "error", err)
		return
	}
	a.cfg = cfg
	logger.Info("settings reloaded", "path", path)
}

func runWatch(args []string) int {
	fs := newFlagSet("watch")
	configPath := addConfigFlag(fs)
	apiURL := fs.String("api-url", "", "Server URL (default: derived from api.listen)")
	apiKey := fs.String("api-key", os.Getenv("VENVDECK_API_KEY"), "API bearer token (or VENVDECK_API_KEY)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}

	url := *apiURL
	if url == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		url = listenURL(cfg.API.Listen)
		if *apiKey == "" {
			*apiKey = cfg.API.APIKey
		}
	}

	m := watch.New(url, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// listenURL turns a listen address into a URL a local client can dial.
func listenURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
