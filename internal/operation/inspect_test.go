package operation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

func TestInstallFileAddsListedPackages(t *testing.T) {
	h := newHarness(t)
	h.mustCreate(t, "demo")

	req := filepath.Join(t.TempDir(), "requirements.txt")
	require.NoError(t, os.WriteFile(req, []byte("# pinned\nrequests==2.31.0\n\nrich\n"), 0o644))

	op, err := h.c.InstallFile(context.Background(), "demo", req)
	require.NoError(t, err)
	snap := finish(t, op)
	require.Equal(t, StateSucceeded, snap.State, snap.Error)
	assert.Equal(t, KindInstall, snap.Kind)
	assert.Equal(t, "-r "+req, snap.Target)
	assert.Equal(t, []pkgmgr.Package{
		{Name: "requests", Version: "2.31.0"},
		{Name: "rich", Version: "1.0.0"},
	}, snap.Packages)
}

func TestInstallFileRejectsMissingFile(t *testing.T) {
	h := newHarness(t)
	h.mustCreate(t, "demo")

	_, err := h.c.InstallFile(context.Background(), "demo", filepath.Join(t.TempDir(), "nope.txt"))
	assert.ErrorIs(t, err, ErrRequirementsFile)
	assert.ErrorContains(t, err, "not found")

	_, err = h.c.InstallFile(context.Background(), "demo", t.TempDir())
	assert.ErrorIs(t, err, ErrRequirementsFile)
	assert.ErrorContains(t, err, "not a regular file")

	_, busy := h.c.Busy(filepath.Join(h.cfg.BaseDir, "demo"))
	assert.False(t, busy)
}

func TestOutdatedReportsNewerReleases(t *testing.T) {
	h := newHarness(t)
	h.mustCreate(t, "demo")
	h.mustInstall(t, "demo", "requests==2.31.0", "idna==3.6")

	op, err := h.c.Outdated(context.Background(), "demo")
	require.NoError(t, err)
	snap := finish(t, op)
	require.Equal(t, StateSucceeded, snap.State, snap.Error)
	assert.Equal(t, []pkgmgr.Update{
		{Name: "idna", Version: "3.6", Latest: "9.9.9"},
		{Name: "requests", Version: "2.31.0", Latest: "9.9.9"},
	}, op.Updates())
	assert.Equal(t, op.Updates(), snap.Updates)

	env, err := h.reg.Lookup("demo")
	require.NoError(t, err)
	assert.Len(t, env.Packages, 2)
}

func TestInfoReadsPackageMetadata(t *testing.T) {
	h := newHarness(t)
	h.mustCreate(t, "demo")
	h.mustInstall(t, "demo", "requests==2.31.0")

	op, err := h.c.Info(context.Background(), "demo", "Requests")
	require.NoError(t, err)
	snap := finish(t, op)
	require.Equal(t, StateSucceeded, snap.State, snap.Error)

	info, ok := op.Info()
	require.True(t, ok)
	assert.Equal(t, "requests", info.Name)
	assert.Equal(t, "2.31.0", info.Version)
	assert.Equal(t, "fake package", info.Summary)
	require.NotNil(t, snap.Info)
	assert.Equal(t, info.Version, snap.Info.Version)
}

func TestInfoUnknownPackageFails(t *testing.T) {
	h := newHarness(t)
	h.mustCreate(t, "demo")

	op, err := h.c.Info(context.Background(), "demo", "ghost")
	require.NoError(t, err)
	snap := finish(t, op)
	assert.Equal(t, StateFailed, snap.State)
	assert.ErrorContains(t, op.Err(), "show: exit status 1: WARNING: Package(s) not found: ghost")

	_, err = h.c.Info(context.Background(), "demo", "ghost>=1")
	assert.ErrorIs(t, err, pkgmgr.ErrInvalidRequirement)

	_, err = h.c.Info(context.Background(), "nowhere", "ghost")
	assert.ErrorIs(t, err, venv.ErrNotFound)
}
