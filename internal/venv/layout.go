package venv

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	// MetadataFile is written into every environment venvdeck creates.
	MetadataFile = ".venvdeck.json"
	createdBy    = "venvdeck"
)

// Metadata is the sidecar file stored next to pyvenv.cfg.
type Metadata struct {
	Created     time.Time `json:"created"`
	PythonPath  string    `json:"python_path"`
	CreatedBy   string    `json:"created_by"`
	ClonedFrom  string    `json:"cloned_from,omitempty"`
	RenamedFrom string    `json:"renamed_from,omitempty"`
}

// InterpreterPath returns where a venv rooted at dir keeps its interpreter.
func InterpreterPath(dir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, "Scripts", "python.exe")
	}
	return filepath.Join(dir, "bin", "python")
}

// ActivateScript returns the activation script for the given shell.
func ActivateScript(dir, shell string) string {
	if runtime.GOOS == "windows" {
		switch shell {
		case "powershell", "pwsh":
			return filepath.Join(dir, "Scripts", "Activate.ps1")
		default:
			return filepath.Join(dir, "Scripts", "activate.bat")
		}
	}
	switch shell {
	case "fish":
		return filepath.Join(dir, "bin", "activate.fish")
	case "csh", "tcsh":
		return filepath.Join(dir, "bin", "activate.csh")
	default:
		return filepath.Join(dir, "bin", "activate")
	}
}

// ActivateCommand returns the line a user pastes into shell to enter the env.
func ActivateCommand(dir, shell string) string {
	script := ActivateScript(dir, shell)
	if runtime.GOOS == "windows" {
		if shell == "powershell" || shell == "pwsh" {
			return "& " + quote(script)
		}
		return quote(script)
	}
	return "source " + quote(script)
}

func quote(s string) string {
	if strings.ContainsAny(s, " \t'\"$") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// IsEnvironment reports whether dir has an interpreter at the expected
// relative location.
func IsEnvironment(dir string) bool {
	info, err := os.Stat(InterpreterPath(dir))
	return err == nil && !info.IsDir()
}

func readMetadata(dir string) (Metadata, bool) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return Metadata{}, false
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, false
	}
	return m, true
}

func writeMetadata(dir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, MetadataFile), append(data, '\n'), 0o644)
}

// pyvenvVersion reads the interpreter version recorded in pyvenv.cfg.
func pyvenvVersion(dir string) string {
	f, err := os.Open(filepath.Join(dir, "pyvenv.cfg"))
	if err != nil {
		return ""
	}
	defer f.Close()

	var version string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "version_info":
			return strings.TrimSpace(value)
		case "version":
			version = strings.TrimSpace(value)
		}
	}
	return version
}

// load builds an Environment for dir from what is on disk.
func load(dir string, external bool) Environment {
	env := Environment{
		Name:          filepath.Base(dir),
		Path:          dir,
		Interpreter:   InterpreterPath(dir),
		External:      external,
		PythonVersion: pyvenvVersion(dir),
	}
	if m, ok := readMetadata(dir); ok {
		env.CreatedAt = m.Created
		env.ClonedFrom = m.ClonedFrom
		env.RenamedFrom = m.RenamedFrom
		env.Managed = m.CreatedBy == createdBy
	}
	if env.CreatedAt.IsZero() {
		if info, err := os.Stat(dir); err == nil {
			env.CreatedAt = info.ModTime()
		}
	}
	return env
}

// DirSize sums the sizes of regular files below dir. Unreadable entries are
// skipped.
func DirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
