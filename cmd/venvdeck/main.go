package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]
	if canonical, ok := aliases[cmd]; ok {
		cmd = canonical
	}

	if cmd == "--version" {
		return runVersion(args)
	}

	if hasHelpFlag(args) {
		if help, ok := commandHelp[cmd]; ok {
			fmt.Println(help)
			return 0
		}
	}

	switch cmd {
	// --- ENVIRONMENTS ---
	case "list":
		return runList(args)
	case "show":
		return runShow(args)
	case "create":
		return runCreate(args)
	case "install":
		return runInstall(args)
	case "uninstall":
		return runUninstall(args)
	case "freeze":
		return runFreeze(args)
	case "outdated":
		return runOutdated(args)
	case "delete":
		return runDelete(args)
	case "clone":
		return runClone(args)
	case "rename":
		return runRename(args)
	case "export":
		return runExport(args)
	case "activate":
		return runActivate(args)
	case "pythons":
		return runPythons(args)

	// --- SYSTEM ---
	case "doctor":
		return runDoctor(args)
	case "history":
		return runHistory(args)
	case "config":
		return runConfigNoun(args)
	case "serve":
		return runServe(args)
	case "watch":
		return runWatch(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: venvdeck version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("venvdeck %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`venvdeck - Python virtual environment manager

Usage:
  venvdeck <command> [flags] [args]

Environment Commands:
  list                      List environments (alias: ls)
  show <name> [pkg]         Show one environment, or one installed package
  create <name>             Create an environment
  install <name> <pkg>...   Install packages (or -r FILE)
  uninstall <name> <pkg>... Uninstall packages
  freeze <name>             Refresh and print installed packages (alias: refresh)
  outdated <name>           List packages with newer releases
  delete <name> [-y]        Delete an environment (alias: rm)
  clone <src> <dst>         Copy an environment's package set into a new one
  rename <src> <dst>        Clone, then delete the source (alias: mv)
  export <name>             Write requirements/Dockerfile/compose/pyproject/conda files
  activate <name>           Print the shell activation command
  pythons                   List interpreters found on PATH

System Commands:
  doctor                    Check settings, directories and tooling
  history                   Show the operation journal
  config <action>           show, get, set, path, keys, token
  serve                     Run the local API server in the foreground
  watch                     Live dashboard for a running server

General:
  --version, version        Show version information
  help                      Show this help message

Most commands accept --config PATH (default $VENVDECK_CONFIG or the user config dir).
Use 'venvdeck <command> --help' for command flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

var aliases = map[string]string{
	"ls":      "list",
	"refresh": "freeze",
	"rm":      "delete",
	"mv":      "rename",
}

var commandHelp = map[string]string{
	"list":      "Usage: venvdeck list [--config PATH] [--json] [--size]\nList known environments in the base directory and extra paths.",
	"show":      "Usage: venvdeck show <name> [package] [--config PATH] [--json]\nShow one environment with its last package snapshot.\nWith a package name, show that package's metadata (pip show).",
	"create":    "Usage: venvdeck create <name> [--python PY] [--without-pip] [--system-site-packages] [--package SPEC]... [-q]\nCreate an environment, then install default_packages and any --package specs.",
	"install":   "Usage: venvdeck install <name> <package>... [-q]\n       venvdeck install <name> -r FILE [-q]\nInstall requirement specs such as requests==2.31.0, or everything in a requirements file.",
	"uninstall": "Usage: venvdeck uninstall <name> <package>... [-q]\nUninstall packages by name.",
	"freeze":    "Usage: venvdeck freeze <name> [--json]\nRefresh the package snapshot and print it in requirements format.",
	"outdated":  "Usage: venvdeck outdated <name> [--json]\nList installed packages that have a newer release on the index.",
	"delete":    "Usage: venvdeck delete <name> [-y]\nDelete an environment directory. Prompts unless -y is given.",
	"clone":     "Usage: venvdeck clone <src> <dst> [-q]\nCreate dst with src's interpreter and install src's frozen package set.\nA failed install leaves dst in place.",
	"rename":    "Usage: venvdeck rename <src> <dst> [-q]\nClone src into dst, then delete src. src is kept if the clone fails.",
	"export":    "Usage: venvdeck export <name> [--format requirements|dockerfile|compose|pyproject|conda] [--dir DIR] [--force]\nRender descriptor files for the environment's installed packages.",
	"activate":  "Usage: venvdeck activate <name> [--shell bash|zsh|fish|csh|powershell|cmd]\nPrint the command that activates the environment.",
	"pythons":   "Usage: venvdeck pythons [--json]\nList Python interpreters reachable on PATH.",
	"doctor":    "Usage: venvdeck doctor [--config PATH] [--json]\nValidate settings, directories and tooling.\n\nExit codes:\n  0  No errors (warnings allowed)\n  1  One or more errors",
	"history":   "Usage: venvdeck history [--env NAME] [--limit N] [--json] [--prune DURATION]\nShow finished operations from the journal.",
	"serve":     "Usage: venvdeck serve [--config PATH] [--listen ADDR]\nRun the local HTTP API (with SSE events) in the foreground.",
	"watch":     "Usage: venvdeck watch [--api-url URL] [--api-key KEY]\n\nLive dashboard: environments, running operations, output and events.\n\nKeybindings:\n  q, Ctrl+C        Quit\n  ↑/↓, k/j         Select environment\n  r                Refresh packages of the selected environment\n  c                Cancel its running operation\n  PgUp/PgDn        Scroll output",
	"version":   "Usage: venvdeck version [--json]",
}
