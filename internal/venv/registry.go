// Package venv discovers Python virtual environments on disk and tracks
// their lifecycle in an in-memory index.
package venv

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/venvdeck/internal/log"
	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
	"github.com/mattjoyce/venvdeck/internal/runner"
)

var (
	ErrAlreadyExists      = errors.New("environment already exists")
	ErrNotFound           = errors.New("environment not found")
	ErrInvalidInterpreter = errors.New("invalid interpreter")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidName        = errors.New("invalid environment name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Environment is one virtual environment known to the registry.
type Environment struct {
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	Interpreter   string    `json:"interpreter"`
	PythonVersion string    `json:"python_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	External      bool      `json:"external"`
	Managed       bool      `json:"managed"`
	ClonedFrom    string    `json:"cloned_from,omitempty"`
	RenamedFrom   string    `json:"renamed_from,omitempty"`

	// Packages is the last installed-package snapshot; nil until refreshed.
	Packages            []pkgmgr.Package `json:"packages"`
	PackagesRefreshedAt time.Time        `json:"packages_refreshed_at,omitempty"`
}

func (e Environment) clone() Environment {
	if e.Packages != nil {
		e.Packages = append(make([]pkgmgr.Package, 0, len(e.Packages)), e.Packages...)
	}
	return e
}

// CreateOptions tune a new environment.
type CreateOptions struct {
	Python             string
	WithoutPip         bool
	SystemSitePackages bool
	ClonedFrom         string
	RenamedFrom        string
}

// CreatePlan is a validated create request: the venv command to run and the
// metadata to commit once it succeeds.
type CreatePlan struct {
	Name    string
	Path    string
	Python  string
	Command runner.Command
	opts    CreateOptions
}

// Registry discovers environments under a base directory plus explicitly
// added paths. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	baseDir string
	extra   []string
	index   map[string]*Environment
	logger  *slog.Logger
}

// New creates a registry rooted at baseDir.
func New(baseDir string, extra []string) *Registry {
	r := &Registry{
		index:  make(map[string]*Environment),
		logger: log.WithComponent("registry"),
	}
	r.Reconfigure(baseDir, extra)
	return r
}

// Reconfigure swaps the scan roots after a settings change. The index is
// rebuilt on the next List.
func (r *Registry) Reconfigure(baseDir string, extra []string) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		abs = baseDir
	}
	cleaned := make([]string, 0, len(extra))
	for _, p := range extra {
		if ap, err := filepath.Abs(p); err == nil {
			p = ap
		}
		cleaned = append(cleaned, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseDir = abs
	r.extra = cleaned
}

// BaseDir returns the directory new environments are created in.
func (r *Registry) BaseDir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.baseDir
}

// ExternalPaths returns the explicitly added environment paths.
func (r *Registry) ExternalPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.extra...)
}

// List rescans the disk and returns every environment ordered by name, then
// path. Unreadable directories are skipped. Package snapshots survive the
// rescan for environments that are still present.
func (r *Registry) List() []Environment {
	r.mu.RLock()
	baseDir, extra := r.baseDir, append([]string(nil), r.extra...)
	r.mu.RUnlock()

	found := make(map[string]Environment)
	entries, err := os.ReadDir(baseDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Debug("skipping unreadable base directory", "path", baseDir, "error", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && entry.Type()&fs.ModeSymlink == 0 {
			continue
		}
		dir := filepath.Join(baseDir, entry.Name())
		if IsEnvironment(dir) {
			found[dir] = load(dir, false)
		}
	}
	for _, dir := range extra {
		if _, ok := found[dir]; ok {
			continue
		}
		if IsEnvironment(dir) {
			found[dir] = load(dir, true)
		}
	}

	index := make(map[string]*Environment, len(found))
	r.mu.Lock()
	for path, env := range found {
		if prev, ok := r.index[path]; ok {
			env.Packages = prev.Packages
			env.PackagesRefreshedAt = prev.PackagesRefreshedAt
			if env.PythonVersion == "" {
				env.PythonVersion = prev.PythonVersion
			}
		}
		index[path] = &env
	}
	r.index = index
	r.mu.Unlock()

	return r.Environments()
}

// Environments returns the current index without touching the disk.
func (r *Registry) Environments() []Environment {
	r.mu.RLock()
	out := make([]Environment, 0, len(r.index))
	for _, env := range r.index {
		out = append(out, env.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Lookup finds an environment by name or path, rescanning once if the index
// does not know it. Environments in the base directory win name clashes.
func (r *Registry) Lookup(ref string) (Environment, error) {
	if env, ok := r.find(ref); ok {
		return env, nil
	}
	r.List()
	if env, ok := r.find(ref); ok {
		return env, nil
	}
	return Environment{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

func (r *Registry) find(ref string) (Environment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.ContainsRune(ref, filepath.Separator) || strings.ContainsRune(ref, '/') {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return Environment{}, false
		}
		env, ok := r.index[abs]
		if !ok {
			return Environment{}, false
		}
		return env.clone(), true
	}

	var match *Environment
	for _, env := range r.index {
		if env.Name != ref {
			continue
		}
		if match == nil || (match.External && !env.External) || (match.External == env.External && env.Path < match.Path) {
			match = env
		}
	}
	if match == nil {
		return Environment{}, false
	}
	return match.clone(), true
}

// Names returns the names of every indexed environment.
func (r *Registry) Names() []string {
	envs := r.Environments()
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		names = append(names, env.Name)
	}
	return names
}

// ValidateName checks that name is usable as a directory under the base dir.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || len(name) > 128 || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (use letters, digits, '.', '_' or '-')", ErrInvalidName, name)
	}
	return nil
}

// PlanCreate validates a create request without touching the disk. It fails
// with ErrAlreadyExists when base_dir/name exists and ErrInvalidInterpreter
// when the interpreter is not a runnable file.
func (r *Registry) PlanCreate(name string, opts CreateOptions) (*CreatePlan, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(r.BaseDir(), name)
	if _, err := os.Lstat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, classify(err, path)
	}

	python, err := ResolveInterpreter(opts.Python)
	if err != nil {
		return nil, err
	}

	args := []string{"-m", "venv"}
	if opts.WithoutPip {
		args = append(args, "--without-pip")
	}
	if opts.SystemSitePackages {
		args = append(args, "--system-site-packages")
	}
	args = append(args, path)

	return &CreatePlan{
		Name:    name,
		Path:    path,
		Python:  python,
		Command: runner.Command{Name: python, Args: args},
		opts:    opts,
	}, nil
}

// Prepare makes sure the base directory exists before the venv command runs.
func (r *Registry) Prepare(plan *CreatePlan) error {
	if err := os.MkdirAll(filepath.Dir(plan.Path), 0o755); err != nil {
		return classify(err, filepath.Dir(plan.Path))
	}
	return nil
}

// Commit verifies the structure the venv command produced, writes metadata
// and indexes the new environment.
func (r *Registry) Commit(plan *CreatePlan) (Environment, error) {
	if !IsEnvironment(plan.Path) {
		return Environment{}, fmt.Errorf("venv structure incomplete: %s is missing", InterpreterPath(plan.Path))
	}

	meta := Metadata{
		Created:     time.Now().UTC(),
		PythonPath:  plan.Python,
		CreatedBy:   createdBy,
		ClonedFrom:  plan.opts.ClonedFrom,
		RenamedFrom: plan.opts.RenamedFrom,
	}
	if err := writeMetadata(plan.Path, meta); err != nil {
		r.logger.Warn("failed to write environment metadata", "path", plan.Path, "error", err)
	}

	env := load(plan.Path, false)
	env.Packages = []pkgmgr.Package{}
	env.PackagesRefreshedAt = time.Now().UTC()

	r.mu.Lock()
	r.index[env.Path] = &env
	r.mu.Unlock()

	r.logger.Info("environment created", "env", env.Name, "path", env.Path)
	return env.clone(), nil
}

// Discard removes whatever a failed venv command left at the plan's target.
func (r *Registry) Discard(plan *CreatePlan) error {
	if err := os.RemoveAll(plan.Path); err != nil {
		return classify(err, plan.Path)
	}
	r.forget(plan.Path)
	return nil
}

// Delete removes the environment's directory. It returns ErrNotFound when
// the directory is already gone.
func (r *Registry) Delete(env Environment) error {
	info, err := os.Lstat(env.Path)
	if errors.Is(err, fs.ErrNotExist) {
		r.forget(env.Path)
		return fmt.Errorf("%w: %s", ErrNotFound, env.Path)
	}
	if err != nil {
		return classify(err, env.Path)
	}
	if !info.IsDir() || !IsEnvironment(env.Path) {
		return fmt.Errorf("refusing to delete %s: not a virtual environment", env.Path)
	}

	if err := os.RemoveAll(env.Path); err != nil {
		return classify(err, env.Path)
	}
	r.forget(env.Path)
	r.logger.Info("environment deleted", "env", env.Name, "path", env.Path)
	return nil
}

func (r *Registry) forget(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.index, path)
	for i, p := range r.extra {
		if p == path {
			r.extra = append(r.extra[:i:i], r.extra[i+1:]...)
			break
		}
	}
}

// AddExternal registers an environment living outside the base directory.
func (r *Registry) AddExternal(path string) (Environment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Environment{}, err
	}
	if !IsEnvironment(abs) {
		return Environment{}, fmt.Errorf("%w: no interpreter at %s", ErrNotFound, InterpreterPath(abs))
	}

	env := load(abs, filepath.Dir(abs) != r.BaseDir())

	r.mu.Lock()
	defer r.mu.Unlock()
	if env.External {
		known := false
		for _, p := range r.extra {
			if p == abs {
				known = true
				break
			}
		}
		if !known {
			r.extra = append(r.extra, abs)
		}
	}
	if prev, ok := r.index[abs]; ok {
		env.Packages = prev.Packages
		env.PackagesRefreshedAt = prev.PackagesRefreshedAt
	}
	r.index[abs] = &env
	return env.clone(), nil
}

// SetPackages replaces the installed-package snapshot wholesale.
func (r *Registry) SetPackages(path string, pkgs []pkgmgr.Package) error {
	return r.SetPackagesAt(path, pkgs, time.Now().UTC())
}

// SetPackagesAt is SetPackages with an explicit refresh time, used when a
// persisted snapshot is restored.
func (r *Registry) SetPackagesAt(path string, pkgs []pkgmgr.Package, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.index[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	env.Packages = append([]pkgmgr.Package{}, pkgs...)
	env.PackagesRefreshedAt = at
	return nil
}

// SetPythonVersion records the interpreter version reported by the env.
func (r *Registry) SetPythonVersion(path, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if env, ok := r.index[path]; ok {
		env.PythonVersion = version
	}
}

func classify(err error, path string) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, path, err)
	}
	return fmt.Errorf("%s: %w", path, err)
}
