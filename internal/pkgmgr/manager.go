package pkgmgr

import (
	"fmt"

	"github.com/mattjoyce/venvdeck/internal/runner"
)

// Manager builds the commands that drive a package installer for one
// environment interpreter.
type Manager interface {
	Name() string
	Install(python string, specs []string) runner.Command
	InstallRequirements(python, file string) runner.Command
	Uninstall(python string, names []string) runner.Command
	Freeze(python string) runner.Command
	// Outdated lists installed packages with a newer release, as JSON.
	Outdated(python string) runner.Command
	// Show prints the metadata of one installed package.
	Show(python, name string) runner.Command
	// UpgradeSelf returns the command that upgrades the installer inside
	// the environment, or false when the manager lives outside it.
	UpgradeSelf(python string) (runner.Command, bool)
}

// New returns the manager registered under name ("pip" or "uv").
func New(name string) (Manager, error) {
	switch name {
	case "", "pip":
		return Pip{}, nil
	case "uv":
		return UV{Binary: "uv"}, nil
	default:
		return nil, fmt.Errorf("unknown package manager %q", name)
	}
}

// Pip drives `python -m pip` inside the environment.
type Pip struct{}

func (Pip) Name() string { return "pip" }

func (Pip) Install(python string, specs []string) runner.Command {
	return pip(python, append([]string{"install"}, specs...)...)
}

func (Pip) InstallRequirements(python, file string) runner.Command {
	return pip(python, "install", "-r", file)
}

func (Pip) Uninstall(python string, names []string) runner.Command {
	return pip(python, append([]string{"uninstall", "-y"}, names...)...)
}

func (Pip) Freeze(python string) runner.Command {
	return pip(python, "freeze")
}

func (Pip) Outdated(python string) runner.Command {
	return pip(python, "list", "--outdated", "--format=json")
}

func (Pip) Show(python, name string) runner.Command {
	return pip(python, "show", name)
}

func (Pip) UpgradeSelf(python string) (runner.Command, bool) {
	return pip(python, "install", "--upgrade", "pip"), true
}

func pip(python string, args ...string) runner.Command {
	return runner.Command{
		Name: python,
		Args: append([]string{"-m", "pip"}, args...),
		Env:  []string{"PIP_DISABLE_PIP_VERSION_CHECK=1", "PYTHONUNBUFFERED=1"},
	}
}

// UV drives `uv pip`, targeting the environment through --python.
type UV struct {
	Binary string
}

func (u UV) Name() string { return "uv" }

func (u UV) Install(python string, specs []string) runner.Command {
	return u.pip(python, "install", specs...)
}

func (u UV) InstallRequirements(python, file string) runner.Command {
	return u.pip(python, "install", "-r", file)
}

func (u UV) Uninstall(python string, names []string) runner.Command {
	return u.pip(python, "uninstall", names...)
}

func (u UV) Freeze(python string) runner.Command {
	return u.pip(python, "freeze")
}

func (u UV) Outdated(python string) runner.Command {
	return u.pip(python, "list", "--outdated", "--format=json")
}

func (u UV) Show(python, name string) runner.Command {
	return u.pip(python, "show", name)
}

func (u UV) UpgradeSelf(string) (runner.Command, bool) {
	return runner.Command{}, false
}

func (u UV) pip(python, sub string, args ...string) runner.Command {
	bin := u.Binary
	if bin == "" {
		bin = "uv"
	}
	full := append([]string{"pip", sub, "--python", python}, args...)
	return runner.Command{Name: bin, Args: full}
}
