package venv

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveInterpreter(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses executable bits")
	}
	py := fakePython(t)

	got, err := ResolveInterpreter(py)
	require.NoError(t, err)
	assert.Equal(t, py, got)

	t.Setenv("PATH", filepath.Dir(py))
	got, err = ResolveInterpreter("python3")
	require.NoError(t, err)
	assert.Equal(t, py, got)

	got, err = ResolveInterpreter("")
	require.NoError(t, err, "empty falls back to python3 on PATH")
	assert.Equal(t, py, got)

	plain := filepath.Join(t.TempDir(), "notexec")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	for _, bad := range []string{plain, filepath.Dir(plain), "python9-missing", filepath.Join(t.TempDir(), "gone")} {
		_, err := ResolveInterpreter(bad)
		assert.True(t, errors.Is(err, ErrInvalidInterpreter), "%s: %v", bad, err)
	}
}

func TestFindPythonsCollapsesAliases(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses symlinks and executable bits")
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "python3.12")
	require.NoError(t, os.WriteFile(target, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "python3")))

	other := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(other, "python3.11"), []byte("#!/bin/sh\n"), 0o755))

	t.Setenv("PATH", dir+string(os.PathListSeparator)+other)

	found := FindPythons()
	assert.Len(t, found, 2, "python3 is a symlink to python3.12: %v", found)
	assert.Contains(t, found, filepath.Join(other, "python3.11"))
}
