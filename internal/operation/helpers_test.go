package operation

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/venvdeck/internal/config"
	"github.com/mattjoyce/venvdeck/internal/events"
	"github.com/mattjoyce/venvdeck/internal/log"
	"github.com/mattjoyce/venvdeck/internal/runner"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text")
	os.Exit(m.Run())
}

// fakePython stands in for a real interpreter. It understands just enough
// of `-m venv` and `-m pip` to keep a packages.txt per environment.
const fakePython = `#!/bin/sh
here=$(cd "$(dirname "$0")" && pwd)
state="$here/../packages.txt"

drop() {
	if [ -f "$state" ]; then
		grep -v -i "^$1==" "$state" > "$state.tmp"
		mv "$state.tmp" "$state"
	fi
}

add() {
	case "$1" in
	*==*) line="$1" ;;
	*) line="$1==1.0.0" ;;
	esac
	name=${line%%==*}
	drop "$name"
	echo "$line" >> "$state"
	echo "Successfully installed $name"
}

if [ "$1" = "--version" ]; then
	echo "Python 3.12.1"
	exit 0
fi

if [ "$1" = "-m" ] && [ "$2" = "venv" ]; then
	shift 2
	for arg in "$@"; do target="$arg"; done
	mkdir -p "$target/bin" || exit 1
	if [ -n "$FAKE_VENV_FAIL" ]; then
		echo "Error: simulated venv failure" >&2
		exit 1
	fi
	cp "$0" "$target/bin/python" || exit 1
	chmod +x "$target/bin/python"
	printf 'home = /usr/bin\nversion = 3.12.1\n' > "$target/pyvenv.cfg"
	: > "$target/packages.txt"
	exit 0
fi

if [ "$1" = "-m" ] && [ "$2" = "pip" ]; then
	sub="$3"
	shift 3
	case "$sub" in
	install)
		if [ -n "$FAKE_PIP_FAIL" ]; then
			echo "ERROR: simulated install failure" >&2
			exit 1
		fi
		while [ $# -gt 0 ]; do
			case "$1" in
			-r)
				shift
				while read -r req; do
					case "$req" in
					""|\#*) ;;
					*) add "$req" ;;
					esac
				done < "$1"
				;;
			slow)
				echo "Collecting slow"
				exec sleep 30
				;;
			-*|pip) ;;
			*) add "$1" ;;
			esac
			shift
		done
		exit 0
		;;
	uninstall)
		for arg in "$@"; do
			case "$arg" in
			-*) ;;
			*)
				drop "$arg"
				echo "Successfully uninstalled $arg"
				;;
			esac
		done
		exit 0
		;;
	list)
		printf '['
		sep=""
		if [ -f "$state" ]; then
			while IFS= read -r line; do
				printf '%s{"name": "%s", "version": "%s", "latest_version": "9.9.9"}' "$sep" "${line%%==*}" "${line#*==}"
				sep=", "
			done < "$state"
		fi
		echo ']'
		exit 0
		;;
	show)
		line=$(grep -i "^$1==" "$state" 2>/dev/null)
		if [ -z "$line" ]; then
			echo "WARNING: Package(s) not found: $1" >&2
			exit 1
		fi
		echo "Name: ${line%%==*}"
		echo "Version: ${line#*==}"
		echo "Summary: fake package"
		echo "Requires:"
		echo "Required-by:"
		exit 0
		;;
	freeze)
		if [ -f "$state" ]; then
			sort "$state"
		fi
		exit 0
		;;
	esac
fi

echo "fake python: unsupported arguments: $*" >&2
exit 2
`

type harness struct {
	c      *Coordinator
	reg    *venv.Registry
	hub    *events.Hub
	cfg    *config.Config
	python string
}

func writeFakePython(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "python3")
	require.NoError(t, os.WriteFile(p, []byte(fakePython), 0o755))
	return p
}

// newHarness wires a coordinator with the real process runner and the fake
// interpreter. Tests using it are skipped on Windows.
func newHarness(t *testing.T) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter is a shell script")
	}

	python := writeFakePython(t)
	cfg := config.Defaults()
	cfg.BaseDir = filepath.Join(t.TempDir(), "envs")
	cfg.DefaultPython = python
	cfg.AutoUpgradePip = false
	cfg.CancelGrace = 2 * time.Second
	cfg.State.Path = filepath.Join(t.TempDir(), "state.db")

	reg := venv.New(cfg.BaseDir, nil)
	hub := events.NewHub(512)
	c, err := New(cfg, reg, runner.New(cfg.CancelGrace), hub, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return &harness{c: c, reg: reg, hub: hub, cfg: cfg, python: python}
}

func finish(t *testing.T, op *Operation) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap, _ := op.Wait(ctx)
	require.True(t, snap.State.Terminal(), "operation %s did not finish: %+v", op.ID(), snap)
	return snap
}

func (h *harness) mustCreate(t *testing.T, name string) *Operation {
	t.Helper()
	op, err := h.c.Create(context.Background(), CreateRequest{Name: name})
	require.NoError(t, err)
	snap := finish(t, op)
	require.Equal(t, StateSucceeded, snap.State, snap.Error)
	return op
}

func (h *harness) mustInstall(t *testing.T, name string, specs ...string) *Operation {
	t.Helper()
	op, err := h.c.Install(context.Background(), name, specs)
	require.NoError(t, err)
	snap := finish(t, op)
	require.Equal(t, StateSucceeded, snap.State, snap.Error)
	return op
}

func (h *harness) freeze(t *testing.T, name string) Snapshot {
	t.Helper()
	op, err := h.c.Refresh(context.Background(), name)
	require.NoError(t, err)
	snap := finish(t, op)
	require.Equal(t, StateSucceeded, snap.State, snap.Error)
	return snap
}
