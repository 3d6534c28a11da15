package pkgmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m, err := New("pip")
	require.NoError(t, err)
	assert.Equal(t, "pip", m.Name())

	m, err = New("")
	require.NoError(t, err)
	assert.Equal(t, "pip", m.Name())

	m, err = New("uv")
	require.NoError(t, err)
	assert.Equal(t, "uv", m.Name())

	_, err = New("poetry")
	assert.Error(t, err)
}

func TestPipCommands(t *testing.T) {
	const py = "/envs/demo/bin/python"
	p := Pip{}

	c := p.Install(py, []string{"requests", "flask==3.0.0"})
	assert.Equal(t, py, c.Name)
	assert.Equal(t, []string{"-m", "pip", "install", "requests", "flask==3.0.0"}, c.Args)
	assert.Contains(t, c.Env, "PIP_DISABLE_PIP_VERSION_CHECK=1")

	assert.Equal(t, []string{"-m", "pip", "install", "-r", "/tmp/req.txt"}, p.InstallRequirements(py, "/tmp/req.txt").Args)
	assert.Equal(t, []string{"-m", "pip", "uninstall", "-y", "requests"}, p.Uninstall(py, []string{"requests"}).Args)
	assert.Equal(t, []string{"-m", "pip", "freeze"}, p.Freeze(py).Args)
	assert.Equal(t, []string{"-m", "pip", "list", "--outdated", "--format=json"}, p.Outdated(py).Args)
	assert.Equal(t, []string{"-m", "pip", "show", "requests"}, p.Show(py, "requests").Args)

	up, ok := p.UpgradeSelf(py)
	require.True(t, ok)
	assert.Equal(t, []string{"-m", "pip", "install", "--upgrade", "pip"}, up.Args)
}

func TestPipInstallDoesNotAliasSpecs(t *testing.T) {
	specs := make([]string, 1, 4)
	specs[0] = "a"
	c := Pip{}.Install("py", specs)
	specs = append(specs, "b")
	assert.Equal(t, []string{"-m", "pip", "install", "a"}, c.Args)
	assert.Len(t, specs, 2)
}

func TestUVCommands(t *testing.T) {
	const py = "/envs/demo/bin/python"
	u := UV{Binary: "/usr/local/bin/uv"}

	c := u.Install(py, []string{"requests"})
	assert.Equal(t, "/usr/local/bin/uv", c.Name)
	assert.Equal(t, []string{"pip", "install", "--python", py, "requests"}, c.Args)
	assert.Equal(t, []string{"pip", "uninstall", "--python", py, "requests"}, u.Uninstall(py, []string{"requests"}).Args)
	assert.Equal(t, []string{"pip", "freeze", "--python", py}, u.Freeze(py).Args)
	assert.Equal(t, []string{"pip", "list", "--python", py, "--outdated", "--format=json"}, u.Outdated(py).Args)
	assert.Equal(t, []string{"pip", "show", "--python", py, "rich"}, u.Show(py, "rich").Args)
	assert.Equal(t, []string{"pip", "install", "--python", py, "-r", "/tmp/req.txt"}, u.InstallRequirements(py, "/tmp/req.txt").Args)

	_, ok := u.UpgradeSelf(py)
	assert.False(t, ok)

	assert.Equal(t, "uv", UV{}.Freeze(py).Name)
}
