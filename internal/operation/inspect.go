package operation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
)

// InstallFile installs everything listed in a requirements file and
// refreshes the environment's snapshot.
func (c *Coordinator) InstallFile(ctx context.Context, ref, file string) (*Operation, error) {
	path, err := requirementsPath(file)
	if err != nil {
		return nil, &OpError{Op: KindInstall, Step: "validate", Env: ref, Err: err}
	}

	op, env, err := c.begin(KindInstall, ref, "-r "+path)
	if err != nil {
		return nil, err
	}
	c.launch(ctx, op, func(ctx context.Context, op *Operation) error {
		cfg, mgr := c.settings()
		if _, err := c.runStep(ctx, op, "install-requirements", mgr.InstallRequirements(env.Interpreter, path), cfg.Timeouts.Install, nil); err != nil {
			return c.fail(op, "install-requirements", err, false)
		}
		if _, err := c.refresh(ctx, op, env); err != nil {
			return c.fail(op, "freeze", err, false)
		}
		return nil
	})
	return op, nil
}

func requirementsPath(file string) (string, error) {
	if strings.TrimSpace(file) == "" {
		return "", fmt.Errorf("%w: no path given", ErrRequirementsFile)
	}
	path, err := filepath.Abs(file)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s not found", ErrRequirementsFile, path)
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrRequirementsFile, path)
	}
	return path, nil
}

// Outdated asks the package manager which installed packages have a newer
// release. The environment itself is not changed.
func (c *Coordinator) Outdated(ctx context.Context, ref string) (*Operation, error) {
	op, env, err := c.begin(KindOutdated, ref, "")
	if err != nil {
		return nil, err
	}
	c.launch(ctx, op, func(ctx context.Context, op *Operation) error {
		cfg, mgr := c.settings()
		var out strings.Builder
		// The index is consulted, so this gets the install budget.
		if _, err := c.runStep(ctx, op, "outdated", mgr.Outdated(env.Interpreter), cfg.Timeouts.Install, &out); err != nil {
			return c.fail(op, "outdated", err, false)
		}
		updates, err := pkgmgr.ParseOutdated([]byte(out.String()))
		if err != nil {
			return c.fail(op, "parse", err, false)
		}
		op.setUpdates(updates)
		return nil
	})
	return op, nil
}

// Info reads the metadata of one installed package.
func (c *Coordinator) Info(ctx context.Context, ref, name string) (*Operation, error) {
	pkg, err := pkgmgr.ParseRequirement(name)
	if err == nil && pkg.Constraint != "" {
		err = fmt.Errorf("%w: %q has a version constraint", pkgmgr.ErrInvalidRequirement, name)
	}
	if err != nil {
		return nil, &OpError{Op: KindInfo, Step: "validate", Env: ref, Err: err}
	}

	op, env, err := c.begin(KindInfo, ref, pkg.Name)
	if err != nil {
		return nil, err
	}
	c.launch(ctx, op, func(ctx context.Context, op *Operation) error {
		cfg, mgr := c.settings()
		var out strings.Builder
		if _, err := c.runStep(ctx, op, "show", mgr.Show(env.Interpreter, pkg.Name), cfg.Timeouts.Freeze, &out); err != nil {
			return c.fail(op, "show", err, false)
		}
		info, ok := pkgmgr.ParseShow(out.String())
		if !ok {
			return c.fail(op, "show", fmt.Errorf("%w: %s", ErrNotInstalled, pkg.Name), false)
		}
		op.setInfo(info)
		return nil
	})
	return op, nil
}
