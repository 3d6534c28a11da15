// Package doctor validates venvdeck settings and the host it runs on.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/venvdeck/internal/config"
	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
	"github.com/mattjoyce/venvdeck/internal/storage"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded config against the local machine.
type Doctor struct {
	cfg       *config.Config
	lookPath  func(string) (string, error)
	resolvePy func(string) (string, error)
	checkFS   func(string) error
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:       cfg,
		lookPath:  exec.LookPath,
		resolvePy: venv.ResolveInterpreter,
		checkFS:   storage.CheckLocalFilesystem,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateBaseDir(r)
	d.validateStatePath(r)
	d.validateInterpreter(r)
	d.validatePackageManager(r)
	d.validateDefaultPackages(r)
	d.warnExtraPaths(r)
	d.warnTimeouts(r)
	d.warnExposedAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateConfig(r *Result) {
	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
}

// validateBaseDir checks that environments can be created under base_dir.
func (d *Doctor) validateBaseDir(r *Result) {
	dir := d.cfg.BaseDir
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		d.addWarning(r, "base_dir", "base_dir", fmt.Sprintf("%s does not exist yet; it is created on first use", dir))
		return
	case err != nil:
		d.addError(r, "base_dir", "base_dir", err.Error())
		return
	case !info.IsDir():
		d.addError(r, "base_dir", "base_dir", fmt.Sprintf("%s is not a directory", dir))
		return
	}

	probe, err := os.CreateTemp(dir, ".venvdeck-doctor-*")
	if err != nil {
		d.addError(r, "base_dir", "base_dir", fmt.Sprintf("%s is not writable: %v", dir, err))
		return
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
}

// validateStatePath rejects network filesystems for the sqlite journal.
func (d *Doctor) validateStatePath(r *Result) {
	if d.cfg.State.Path == "" {
		return
	}
	if err := d.checkFS(filepath.Dir(d.cfg.State.Path)); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

func (d *Doctor) validateInterpreter(r *Result) {
	py, err := d.resolvePy(d.cfg.DefaultPython)
	if err != nil {
		field := "default_python"
		if d.cfg.DefaultPython == "" {
			field = ""
		}
		d.addError(r, "python", field, err.Error())
		return
	}
	if d.cfg.DefaultPython == "" {
		d.addWarning(r, "python", "default_python", fmt.Sprintf("not set; using %s", py))
	}
}

func (d *Doctor) validatePackageManager(r *Result) {
	if d.cfg.PackageManager != config.ManagerUV {
		return
	}
	if _, err := d.lookPath("uv"); err != nil {
		d.addError(r, "package_manager", "package_manager", "package_manager is uv but uv was not found on PATH")
	}
}

func (d *Doctor) validateDefaultPackages(r *Result) {
	for i, spec := range d.cfg.DefaultPackages {
		if _, err := pkgmgr.ParseRequirement(spec); err != nil {
			d.addError(r, "default_packages", fmt.Sprintf("default_packages[%d]", i), err.Error())
		}
	}
}

func (d *Doctor) warnExtraPaths(r *Result) {
	for i, p := range d.cfg.ExtraPaths {
		if !venv.IsEnvironment(p) {
			d.addWarning(r, "extra_paths", fmt.Sprintf("extra_paths[%d]", i),
				fmt.Sprintf("%s is not a virtual environment; it will be skipped", p))
		}
	}
}

func (d *Doctor) warnTimeouts(r *Result) {
	if d.cfg.CancelGrace == 0 {
		d.addWarning(r, "timeouts", "cancel_grace", "cancelled processes are force-killed immediately")
	}
	if t := d.cfg.Timeouts.Install; t > 0 && t < 30*time.Second {
		d.addWarning(r, "timeouts", "timeouts.install", fmt.Sprintf("%s is short for installs that build wheels", t))
	}
}

// warnExposedAPI flags a non-loopback listener without an API key.
func (d *Doctor) warnExposedAPI(r *Result) {
	if d.cfg.API.APIKey != "" || d.cfg.API.Listen == "" {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return
	}
	d.addWarning(r, "api", "api.api_key", fmt.Sprintf("API listens on %s without an api_key", d.cfg.API.Listen))
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
