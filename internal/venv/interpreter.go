package venv

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// ResolveInterpreter turns a path or command name into an absolute path to
// an executable file. An empty python falls back to python3, then python.
func ResolveInterpreter(python string) (string, error) {
	if python == "" {
		for _, candidate := range []string{"python3", "python"} {
			if p, err := exec.LookPath(candidate); err == nil {
				return ResolveInterpreter(p)
			}
		}
		return "", fmt.Errorf("%w: no python3 or python on PATH", ErrInvalidInterpreter)
	}

	path := python
	if !strings.ContainsRune(python, filepath.Separator) && !strings.ContainsRune(python, '/') {
		p, err := exec.LookPath(python)
		if err != nil {
			return "", fmt.Errorf("%w: %s not found on PATH", ErrInvalidInterpreter, python)
		}
		path = p
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidInterpreter, python, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidInterpreter, abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrInvalidInterpreter, abs)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%w: %s is not executable", ErrInvalidInterpreter, abs)
	}
	return abs, nil
}

// pythonNames lists the interpreter names probed by FindPythons.
func pythonNames() []string {
	names := []string{"python3", "python"}
	for minor := 14; minor >= 6; minor-- {
		names = append(names, fmt.Sprintf("python3.%d", minor))
	}
	if runtime.GOOS == "windows" {
		names = append(names, "py")
	}
	return names
}

// FindPythons returns the distinct interpreters reachable on PATH, keyed by
// resolved location so symlinked aliases collapse into one entry.
func FindPythons() []string {
	seen := make(map[string]bool)
	var found []string
	for _, name := range pythonNames() {
		p, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			resolved = p
		}
		if seen[resolved] {
			continue
		}
		seen[resolved] = true
		found = append(found, p)
	}
	sort.Strings(found)
	return found
}
