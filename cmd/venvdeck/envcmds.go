package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/venvdeck/internal/export"
	"github.com/mattjoyce/venvdeck/internal/operation"
	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

// stringList collects a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// parseArgs parses flags that may appear before, between or after
// positional arguments.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		if len(args) > len(rest) && args[len(args)-len(rest)-1] == "--" {
			return append(positional, rest...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func usageError(name string) int {
	fmt.Fprintln(os.Stderr, commandHelp[name])
	return 2
}

// lookupEnv resolves ref and adds a suggestion to not-found errors.
func lookupEnv(reg *venv.Registry, ref string) (venv.Environment, error) {
	env, err := reg.Lookup(ref)
	if err != nil && errors.Is(err, venv.ErrNotFound) {
		if hint := reg.Suggest(ref); len(hint) > 0 {
			err = fmt.Errorf("%w (did you mean %s?)", err, strings.Join(hint, ", "))
		}
	}
	return env, err
}

type listEntry struct {
	venv.Environment
	BusyWith  string `json:"busy_with,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

func runList(args []string) int {
	fs := newFlagSet("list")
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	withSize := fs.Bool("size", false, "Compute on-disk size (slower)")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if len(positional) > 0 {
		return usageError("list")
	}

	a, err := openApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	envs := a.reg.List()
	entries := make([]listEntry, 0, len(envs))
	for _, env := range envs {
		e := listEntry{Environment: env}
		if *withSize {
			e.SizeBytes = venv.DirSize(env.Path)
		}
		entries = append(entries, e)
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Fprintf(os.Stderr, "No environments in %s\n", a.reg.BaseDir())
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := "NAME\tPYTHON\tPACKAGES\tCREATED\tPATH"
	if *withSize {
		header = "NAME\tPYTHON\tPACKAGES\tSIZE\tCREATED\tPATH"
	}
	fmt.Fprintln(w, header)
	for _, e := range entries {
		name := e.Name
		if e.External {
			name += " (external)"
		}
		cols := []string{name, orDash(e.PythonVersion), packageCount(e.Packages)}
		if *withSize {
			cols = append(cols, humanize.Bytes(uint64(e.SizeBytes)))
		}
		created := "-"
		if !e.CreatedAt.IsZero() {
			created = humanize.Time(e.CreatedAt)
		}
		cols = append(cols, created, e.Path)
		fmt.Fprintln(w, strings.Join(cols, "\t"))
	}
	_ = w.Flush()
	return 0
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// packageCount renders "-" until the package snapshot has been refreshed.
func packageCount(pkgs []pkgmgr.Package) string {
	if pkgs == nil {
		return "-"
	}
	return fmt.Sprintf("%d", len(pkgs))
}

func runShow(args []string) int {
	fs := newFlagSet("show")
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if len(positional) != 1 && len(positional) != 2 {
		return usageError("show")
	}

	a, err := openApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	if len(positional) == 2 {
		return showPackage(a, positional[0], positional[1], *jsonOut)
	}

	env, err := lookupEnv(a.reg, positional[0])
	if err != nil {
		return fail(err)
	}
	entry := listEntry{Environment: env, SizeBytes: venv.DirSize(env.Path)}

	if *jsonOut {
		data, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", env.Name)
	fmt.Fprintf(w, "Path:\t%s\n", env.Path)
	fmt.Fprintf(w, "Interpreter:\t%s\n", env.Interpreter)
	fmt.Fprintf(w, "Python:\t%s\n", orDash(env.PythonVersion))
	fmt.Fprintf(w, "Size:\t%s\n", humanize.Bytes(uint64(entry.SizeBytes)))
	if !env.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created:\t%s (%s)\n", env.CreatedAt.Format("2006-01-02 15:04"), humanize.Time(env.CreatedAt))
	}
	if env.External {
		fmt.Fprintf(w, "External:\tyes\n")
	}
	if env.ClonedFrom != "" {
		fmt.Fprintf(w, "Cloned from:\t%s\n", env.ClonedFrom)
	}
	if env.RenamedFrom != "" {
		fmt.Fprintf(w, "Renamed from:\t%s\n", env.RenamedFrom)
	}
	if env.Packages == nil {
		fmt.Fprintf(w, "Packages:\tnot refreshed (run 'venvdeck freeze %s')\n", env.Name)
	} else {
		fmt.Fprintf(w, "Packages:\t%d (as of %s)\n", len(env.Packages), humanize.Time(env.PackagesRefreshedAt))
	}
	_ = w.Flush()
	for _, p := range env.Packages {
		fmt.Printf("  %s\n", p.Requirement())
	}
	return 0
}

// showPackage prints what the package manager reports for one installed
// package.
func showPackage(a *app, env, name string, jsonOut bool) int {
	op, err := a.execute(runOptions{quiet: true}, func(ctx context.Context) (*operation.Operation, error) {
		return a.coord.Info(ctx, env, name)
	})
	if op == nil && err != nil {
		return fail(err)
	}
	if err != nil {
		return exitCode(err)
	}

	info, _ := op.Info()
	if jsonOut {
		data, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	keys := make([]string, 0, len(info.Fields))
	for k := range info.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", info.Name)
	fmt.Fprintf(w, "Version:\t%s\n", info.Version)
	for _, k := range keys {
		if k == "Name" || k == "Version" {
			continue
		}
		fmt.Fprintf(w, "%s:\t%s\n", k, orDash(info.Fields[k]))
	}
	_ = w.Flush()
	return 0
}

func runCreate(args []string) int {
	fs := newFlagSet("create")
	configPath := addConfigFlag(fs)
	python := fs.String("python", "", "Interpreter path or command (default: default_python, then python3)")
	withoutPip := fs.Bool("without-pip", false, "Skip installing pip into the environment")
	systemSite := fs.Bool("system-site-packages", false, "Give the environment access to the system site-packages")
	quiet := fs.Bool("q", false, "Do not stream subprocess output")
	var packages stringList
	fs.Var(&packages, "package", "Requirement to install after creation (repeatable)")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if len(positional) != 1 {
		return usageError("create")
	}

	a, err := openApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	op, err := a.execute(runOptions{quiet: *quiet}, func(ctx context.Context) (*operation.Operation, error) {
		return a.coord.Create(ctx, operation.CreateRequest{
			Name:               positional[0],
			Python:             *python,
			WithoutPip:         *withoutPip,
			SystemSitePackages: *systemSite,
			Packages:           packages,
		})
	})
	if op == nil && err != nil {
		return fail(err)
	}
	if err != nil {
		return exitCode(err)
	}
	if env, ok := op.Environment(); ok {
		fmt.Println(env.Path)
	}
	return 0
}

// runPackages backs install and uninstall. With withFile set, -r FILE may
// stand in for the package list.
func runPackages(name string, args []string, withFile bool, start func(a *app, ctx context.Context, env string, pkgs []string, file string) (*operation.Operation, error)) int {
	fs := newFlagSet(name)
	configPath := addConfigFlag(fs)
	quiet := fs.Bool("q", false, "Do not stream subprocess output")
	var file *string
	if withFile {
		file = fs.String("r", "", "Install everything listed in a requirements file")
	} else {
		file = new(string)
	}
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	switch {
	case *file != "" && len(positional) != 1:
		return usageError(name)
	case *file == "" && len(positional) < 2:
		return usageError(name)
	}

	a, err := openApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	op, err := a.execute(runOptions{quiet: *quiet, stdoutToo: true}, func(ctx context.Context) (*operation.Operation, error) {
		return start(a, ctx, positional[0], positional[1:], *file)
	})
	if op == nil && err != nil {
		return fail(err)
	}
	return exitCode(err)
}

func runInstall(args []string) int {
	return runPackages("install", args, true, func(a *app, ctx context.Context, env string, pkgs []string, file string) (*operation.Operation, error) {
		if file != "" {
			return a.coord.InstallFile(ctx, env, file)
		}
		return a.coord.Install(ctx, env, pkgs)
	})
}

func runUninstall(args []string) int {
	return runPackages("uninstall", args, false, func(a *app, ctx context.Context, env string, pkgs []string, _ string) (*operation.Operation, error) {
		return a.coord.Uninstall(ctx, env, pkgs)
	})
}

func runOutdated(args []string) int {
	fs := newFlagSet("outdated")
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if len(positional) != 1 {
		return usageError("outdated")
	}

	a, err := openApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	op, err := a.execute(runOptions{quiet: true}, func(ctx context.Context) (*operation.Operation, error) {
		return a.coord.Outdated(ctx, positional[0])
	})
	if op == nil && err != nil {
		return fail(err)
	}
	if err != nil {
		return exitCode(err)
	}

	updates := op.Updates()
	if *jsonOut {
		if updates == nil {
			updates = []pkgmgr.Update{}
		}
		data, _ := json.MarshalIndent(updates, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if len(updates) == 0 {
		fmt.Fprintln(os.Stderr, "All packages are up to date")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tINSTALLED\tLATEST")
	for _, u := range updates {
		fmt.Fprintf(w, "%s\t%s\t%s\n", u.Name, u.Version, u.Latest)
	}
	_ = w.Flush()
	return 0
}

func runFreeze(args []string) int {
	fs := newFlagSet("freeze")
	configPath := addConfigFlag(fs)
	jsonOut := fs.Bool("json", false, "Output packages as JSON")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if len(positional) != 1 {
		return usageError("freeze")
	}

	a, err := openApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	// Only stderr is streamed; the package list goes to stdout below.
	op, err := a.execute(runOptions{quiet: true}, func(ctx context.Context) (*operation.Operation, error) {
		return a.coord.Refresh(ctx, positional[0])
	})
	if op == nil && err != nil {
		return fail(err)
	}
	if err != nil {
		if out := strings.TrimSpace(op.Output()); out != "" {
			fmt.Fprintln(os.Stderr, out)
		}
		return exitCode(err)
	}

	pkgs := op.Packages()
	if *jsonOut {
		if pkgs == nil {
			pkgs = []pkgmgr.Package{}
		}
		data, _ := json.MarshalIndent(pkgs, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Print(pkgmgr.FormatRequirements(pkgs))
	return 0
}

func runDelete(args []string) int {
	fs := newFlagSet("delete")
	configPath := addConfigFlag(fs)
	yes := fs.Bool("y", false, "Do not ask for confirmation")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if len(positional) != 1 {
		return usageError("delete")
	}

	a, err := openApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	env, err := lookupEnv(a.reg, positional[0])
	if err != nil {
		return fail(err)
	}

	if !*yes {
		if !isTerminal(os.Stdin) {
			fmt.Fprintln(os.Stderr, "Error: refusing to delete without -y when stdin is not a terminal")
			return 1
		}
		ok, err := confirm(os.Stdin, fmt.Sprintf("Delete environment %s at %s?", env.Name, env.Path))
		if err != nil {
			return fail(err)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return 1
		}
	}

	op, err := a.execute(runOptions{quiet: true}, func(ctx context.Context) (*operation.Operation, error) {
		return a.coord.Delete(ctx, env.Path)
	})
	if op == nil && err != nil {
		return fail(err)
	}
	return exitCode(err)
}

// confirm asks a yes/no question on stderr, defaulting to no.
func confirm(in *os.File, question string) (bool, error) {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// runPair backs clone and rename.
func runPair(name string, args []string, start func(a *app, ctx context.Context, src, dst string) (*operation.Operation, error)) int {
	fs := newFlagSet(name)
	configPath := addConfigFlag(fs)
	quiet := fs.Bool("q", false, "Do not stream subprocess output")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if len(positional) != 2 {
		return usageError(name)
	}

	a, err := openApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	op, err := a.execute(runOptions{quiet: *quiet, stdoutToo: true}, func(ctx context.Context) (*operation.Operation, error) {
		return start(a, ctx, positional[0], positional[1])
	})
	if op == nil && err != nil {
		return fail(err)
	}
	if err != nil {
		return exitCode(err)
	}
	if env, ok := op.Environment(); ok {
		fmt.Println(env.Path)
	}
	return 0
}

func runClone(args []string) int {
	return runPair("clone", args, func(a *app, ctx context.Context, src, dst string) (*operation.Operation, error) {
		return a.coord.Clone(ctx, src, dst)
	})
}

func runRename(args []string) int {
	return runPair("rename", args, func(a *app, ctx context.Context, src, dst string) (*operation.Operation, error) {
		return a.coord.Rename(ctx, src, dst)
	})
}

func runExport(args []string) int {
	fs := newFlagSet("export")
	configPath := addConfigFlag(fs)
	format := fs.String("format", string(export.Requirements), "Descriptor format: "+formatNames())
	dir := fs.String("dir", ".", "Directory to write into")
	force := fs.Bool("force", false, "Overwrite existing files")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if len(positional) != 1 {
		return usageError("export")
	}
	absDir, err := filepath.Abs(*dir)
	if err != nil {
		return fail(err)
	}

	a, err := openApp(*configPath)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	op, err := a.execute(runOptions{quiet: true}, func(ctx context.Context) (*operation.Operation, error) {
		return a.coord.Export(ctx, positional[0], operation.ExportRequest{
			Format:    export.Format(*format),
			Dir:       absDir,
			Overwrite: *force,
		})
	})
	if op == nil && err != nil {
		return fail(err)
	}
	if err != nil {
		return exitCode(err)
	}
	for _, f := range op.Files() {
		fmt.Println(f)
	}
	return 0
}

func formatNames() string {
	var names []string
	for _, f := range export.Formats() {
		names = append(names, string(f))
	}
	return strings.Join(names, ", ")
}

func runActivate(args []string) int {
	fs := newFlagSet("activate")
	configPath := addConfigFlag(fs)
	shell := fs.String("shell", defaultShell(), "Target shell")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}
	if len(positional) != 1 {
		return usageError("activate")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(err)
	}
	reg := venv.New(cfg.BaseDir, cfg.ExtraPaths)
	reg.List()

	env, err := lookupEnv(reg, positional[0])
	if err != nil {
		return fail(err)
	}
	fmt.Println(venv.ActivateCommand(env.Path, *shell))
	return 0
}

// defaultShell guesses the user's shell from the environment.
func defaultShell() string {
	if runtime.GOOS == "windows" {
		if os.Getenv("PSModulePath") != "" {
			return "powershell"
		}
		return "cmd"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return filepath.Base(sh)
	}
	return "sh"
}

func runPythons(args []string) int {
	fs := newFlagSet("pythons")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 2
	}

	found := venv.FindPythons()
	if *jsonOut {
		if found == nil {
			found = []string{}
		}
		data, _ := json.MarshalIndent(found, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if len(found) == 0 {
		fmt.Fprintln(os.Stderr, "No Python interpreters found on PATH")
		return 1
	}
	for _, p := range found {
		fmt.Println(p)
	}
	return 0
}
