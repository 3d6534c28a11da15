package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/venvdeck/internal/config"
	"github.com/mattjoyce/venvdeck/internal/doctor"
	"github.com/mattjoyce/venvdeck/internal/journal"
	"github.com/mattjoyce/venvdeck/internal/storage"
	"github.com/mattjoyce/venvdeck/internal/tui/tokenmgr"
)

func runDoctor(args []string) int {
	fs := newFlagSet("doctor")
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// A config that does not load is itself a doctor finding.
		result := &doctor.Result{
			Valid:  false,
			Errors: []doctor.Issue{{Category: "config", Message: err.Error()}},
		}
		printDoctorResult(result, *jsonOut)
		return 1
	}
	result := doctor.New(cfg).Validate()
	printDoctorResult(result, *jsonOut)
	if !result.Valid {
		return 1
	}
	return 0
}

func printDoctorResult(result *doctor.Result, jsonOut bool) {
	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return
		}
		fmt.Println(out)
		return
	}
	fmt.Print(doctor.FormatHuman(result))
}

type historyRow struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Env         string     `json:"env"`
	Target      string     `json:"target,omitempty"`
	Status      string     `json:"status"`
	Step        string     `json:"step,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

func runHistory(args []string) int {
	fs := newFlagSet("history")
	configPath := addConfigFlag(fs)
	envName := fs.String("env", "", "Only show operations on this environment")
	limit := fs.Int("limit", 20, "Maximum number of entries")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	prune := fs.Duration("prune", 0, "Delete entries older than this duration instead of listing")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --limit must be positive")
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(err)
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fail(fmt.Errorf("open journal %s: %w", cfg.State.Path, err))
	}
	defer db.Close()
	j := journal.New(db)

	if *prune > 0 {
		n, err := j.Prune(ctx, *prune)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("Pruned %d entries older than %s\n", n, *prune)
		return 0
	}

	entries, err := j.Recent(ctx, journal.Filter{Env: *envName, Limit: *limit})
	if err != nil {
		return fail(err)
	}

	if *jsonOut {
		rows := make([]historyRow, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, historyRow{
				ID: e.ID, Kind: e.Kind, Env: e.Env, Target: e.Target,
				Status: e.Status, Step: e.Step, ExitCode: e.ExitCode, Error: e.LastError,
				CreatedAt: e.CreatedAt, StartedAt: e.StartedAt, CompletedAt: e.CompletedAt,
			})
		}
		data, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "No operations recorded")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tKIND\tENV\tSTATUS\tDURATION\tDETAIL")
	for _, e := range entries {
		env := e.Env
		if e.Target != "" {
			env += " -> " + e.Target
		}
		duration := "-"
		if e.StartedAt != nil {
			duration = e.CompletedAt.Sub(*e.StartedAt).Round(100 * time.Millisecond).String()
		}
		detail := ""
		if e.LastError != nil {
			detail = *e.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(e.CompletedAt), e.Kind, env, e.Status, duration, truncate(detail, 60))
	}
	_ = w.Flush()
	return 0
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// --- config noun ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "show":
		return runConfigShow(actionArgs)
	case "get":
		return runConfigGet(actionArgs)
	case "set":
		return runConfigSet(actionArgs)
	case "path":
		return runConfigPath(actionArgs)
	case "keys":
		for _, k := range config.Keys() {
			fmt.Println(k)
		}
		return 0
	case "token":
		return runConfigToken(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		printConfigNounHelp(os.Stderr)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: venvdeck config <action> [flags]")
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  show [--json] [--reveal]          Print the resolved configuration")
	fmt.Fprintln(w, "  get <path> [--json]               Read one value, e.g. timeouts.install")
	fmt.Fprintln(w, "  set <key>=<value> [--dry-run]     Validate and save one setting")
	fmt.Fprintln(w, "  path                              Print the configuration file location")
	fmt.Fprintln(w, "  keys                              List settable keys")
	fmt.Fprintln(w, "  token [--scopes a,b]              Mint a scoped API token")
}

func runConfigShow(args []string) int {
	fs := newFlagSet("show")
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	reveal := fs.Bool("reveal", false, "Show API keys and tokens unmasked")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if !*reveal {
		cfg = cfg.Redacted()
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(cfg)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigGet(args []string) int {
	fs := newFlagSet("get")
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: venvdeck config get <path> [--json]")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	switch v := val.(type) {
	case map[string]any, []any:
		data, _ := yaml.Marshal(v)
		fmt.Print(string(data))
	default:
		fmt.Printf("%v\n", v)
	}
	return 0
}

func runConfigSet(args []string) int {
	fs := newFlagSet("set")
	configPath := addConfigFlag(fs)
	dryRun := fs.Bool("dry-run", false, "Validate without saving")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if len(positional) != 1 || !strings.Contains(positional[0], "=") {
		fmt.Fprintln(os.Stderr, "Usage: venvdeck config set <key>=<value> [--dry-run]")
		fmt.Fprintf(os.Stderr, "Keys: %s\n", strings.Join(config.Keys(), ", "))
		return 1
	}
	key, value, _ := strings.Cut(positional[0], "=")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if err := cfg.Set(key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, config.ErrUnknownKey) {
			fmt.Fprintf(os.Stderr, "Keys: %s\n", strings.Join(config.Keys(), ", "))
		}
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
		return 1
	}

	if *dryRun {
		fmt.Printf("Dry-run: would set %q to %q\n", key, value)
		return 0
	}
	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Save failed: %v\n", err)
		return 1
	}
	fmt.Printf("Set %q to %q in %s\n", key, value, cfg.Path)
	return 0
}

func runConfigPath(args []string) int {
	fs := newFlagSet("path")
	configPath := addConfigFlag(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	fmt.Println(cfg.Path)
	if _, err := os.Stat(cfg.Path); err != nil {
		fmt.Fprintln(os.Stderr, "(file does not exist yet; defaults are in effect)")
	}
	return 0
}

func runConfigToken(args []string) int {
	fs := newFlagSet("token")
	configPath := addConfigFlag(fs)
	scopesArg := fs.String("scopes", "", "Comma-separated scopes (omit to pick interactively)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var scopes []string
	if *scopesArg != "" {
		scopes = strings.Split(*scopesArg, ",")
	} else {
		if !isTerminal(os.Stdin) {
			fmt.Fprintln(os.Stderr, "Error: --scopes is required when not running in a terminal")
			return 1
		}
		scopes, err = tokenmgr.Pick()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	token, err := tokenmgr.AddToken(cfg, scopes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Save failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Token saved to %s (restart 'venvdeck serve' to apply)\n", cfg.Path)
	fmt.Println(token)
	return 0
}
