package operation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/venvdeck/internal/export"
	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
	"github.com/mattjoyce/venvdeck/internal/runner"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

// requirementsFile is the temporary bulk-install list written into a clone
// target.
const requirementsFile = ".venvdeck-clone-requirements.txt"

// ExportRequest selects a descriptor format and where to write it.
type ExportRequest struct {
	Format    export.Format
	Dir       string
	Overwrite bool
}

// Export refreshes an environment's package set, probes its interpreter
// version and writes the rendered descriptor files.
func (c *Coordinator) Export(ctx context.Context, ref string, req ExportRequest) (*Operation, error) {
	format, err := export.ParseFormat(string(req.Format))
	if err != nil {
		return nil, &OpError{Op: KindExport, Step: "validate", Env: ref, Err: err}
	}
	req.Format = format
	dir := req.Dir
	if dir == "" {
		dir = "."
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, &OpError{Op: KindExport, Step: "validate", Env: ref, Err: err}
	}

	op, env, err := c.begin(KindExport, ref, string(req.Format))
	if err != nil {
		return nil, err
	}
	c.launch(ctx, op, func(ctx context.Context, op *Operation) error {
		pkgs, err := c.refresh(ctx, op, env)
		if err != nil {
			return c.fail(op, "freeze", err, false)
		}

		version := c.probeVersion(ctx, op, env)
		if err := ctx.Err(); err != nil {
			return err
		}

		op.setStep("render")
		files, err := export.Render(req.Format, export.Input{
			Name:          env.Name,
			PythonVersion: version,
			Packages:      pkgs,
			GeneratedAt:   time.Now().UTC(),
		})
		if err != nil {
			return c.fail(op, "render", err, false)
		}

		op.setStep("write")
		paths, err := export.Write(dir, files, req.Overwrite)
		op.setFiles(paths)
		if err != nil {
			return c.fail(op, "write", err, len(paths) > 0)
		}
		return nil
	})
	return op, nil
}

// probeVersion asks the interpreter for its version, falling back to what
// pyvenv.cfg recorded.
func (c *Coordinator) probeVersion(ctx context.Context, op *Operation, env venv.Environment) string {
	cfg, _ := c.settings()
	res, err := c.runStep(ctx, op, "python-version", runner.Command{Name: env.Interpreter, Args: []string{"--version"}}, cfg.Timeouts.Probe, nil)
	if err != nil {
		c.logger.Warn("interpreter version probe failed", "env", env.Name, "error", err)
		return env.PythonVersion
	}
	version := strings.TrimSpace(runner.LastLine(res.Output))
	if version == "" {
		return env.PythonVersion
	}
	c.reg.SetPythonVersion(env.Path, strings.TrimPrefix(version, "Python "))
	return version
}

func writeRequirements(dir string, pkgs []pkgmgr.Package) (string, error) {
	path := filepath.Join(dir, requirementsFile)
	if err := os.WriteFile(path, []byte(pkgmgr.FormatRequirements(pkgs)), 0o644); err != nil {
		return "", fmt.Errorf("write requirements: %w", err)
	}
	return path, nil
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}
