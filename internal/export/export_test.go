package export

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
)

func sampleInput() Input {
	return Input{
		Name:          "demo",
		PythonVersion: "Python 3.12.1",
		Packages: []pkgmgr.Package{
			{Name: "requests", Version: "2.31.0"},
			{Name: "pip", Version: "24.0"},
			{Name: "Flask", Version: "3.0.2"},
		},
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func fileNames(files []File) []string {
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	return names
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" Conda ")
	require.NoError(t, err)
	assert.Equal(t, Conda, f)

	_, err = ParseFormat("pipfile")
	assert.True(t, errors.Is(err, ErrUnknownFormat))
}

func TestPythonMinor(t *testing.T) {
	assert.Equal(t, "3.12", PythonMinor("Python 3.12.1"))
	assert.Equal(t, "3.9", PythonMinor("3.9.18.final.0"))
	assert.Equal(t, "", PythonMinor(""))
	assert.Equal(t, "", PythonMinor("Python"))
}

func TestRenderFileSets(t *testing.T) {
	tests := []struct {
		format Format
		want   []string
	}{
		{Requirements, []string{"requirements.txt"}},
		{Dockerfile, []string{"Dockerfile", "requirements.txt"}},
		{Compose, []string{"docker-compose.yml", "Dockerfile", "requirements.txt"}},
		{Pyproject, []string{"pyproject.toml"}},
		{Conda, []string{"environment.yml"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			files, err := Render(tt.format, sampleInput())
			require.NoError(t, err)
			assert.Equal(t, tt.want, fileNames(files))
		})
	}

	_, err := Render(Format("nope"), sampleInput())
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestRenderRequirements(t *testing.T) {
	files, err := Render(Requirements, sampleInput())
	require.NoError(t, err)
	body := string(files[0].Content)

	assert.True(t, strings.HasPrefix(body, "# exported by venvdeck from demo (python 3.12)\n"))
	assert.Contains(t, body, "2026-03-01T12:00:00Z")
	assert.True(t, strings.HasSuffix(body, "Flask==3.0.2\nrequests==2.31.0\n"))
	assert.NotContains(t, body, "pip==")
}

func TestRenderDockerfileUsesPythonMinor(t *testing.T) {
	files, err := Render(Dockerfile, sampleInput())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(files[0].Content), "FROM python:3.12-slim\n"))
	assert.Contains(t, string(files[0].Content), "pip install --no-cache-dir -r requirements.txt")

	in := sampleInput()
	in.PythonVersion = ""
	files, err = Render(Dockerfile, in)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(files[0].Content), "FROM python:3-slim\n"))
}

func TestRenderCompose(t *testing.T) {
	in := sampleInput()
	in.Name = "My Env!"
	files, err := Render(Compose, in)
	require.NoError(t, err)

	var doc composeFile
	require.NoError(t, yaml.Unmarshal(files[0].Content, &doc))
	app, ok := doc.Services["app"]
	require.True(t, ok)
	assert.Equal(t, ".", app.Build)
	assert.Equal(t, "my-env", app.ContainerName)
	assert.Equal(t, []string{"8000:8000"}, app.Ports)
	assert.Contains(t, string(files[1].Content), "FROM python:3.12-slim")
}

func TestRenderPyproject(t *testing.T) {
	in := sampleInput()
	in.Name = "My_Project"
	files, err := Render(Pyproject, in)
	require.NoError(t, err)

	var doc pyproject
	_, err = toml.Decode(string(files[0].Content), &doc)
	require.NoError(t, err)
	assert.Equal(t, "my-project", doc.Project.Name)
	assert.Equal(t, ">=3.12", doc.Project.RequiresPython)
	assert.Equal(t, []string{"Flask==3.0.2", "requests==2.31.0"}, doc.Project.Dependencies)
	assert.Equal(t, "setuptools.build_meta", doc.BuildSystem.BuildBackend)
}

func TestRenderPyprojectWithoutVersion(t *testing.T) {
	in := sampleInput()
	in.PythonVersion = ""
	files, err := Render(Pyproject, in)
	require.NoError(t, err)
	assert.NotContains(t, string(files[0].Content), "requires-python")
}

func TestRenderConda(t *testing.T) {
	files, err := Render(Conda, sampleInput())
	require.NoError(t, err)

	var doc struct {
		Name         string   `yaml:"name"`
		Channels     []string `yaml:"channels"`
		Dependencies []any    `yaml:"dependencies"`
	}
	require.NoError(t, yaml.Unmarshal(files[0].Content, &doc))
	assert.Equal(t, "demo", doc.Name)
	assert.Equal(t, []string{"defaults", "conda-forge"}, doc.Channels)
	require.Len(t, doc.Dependencies, 3)
	assert.Equal(t, "python=3.12", doc.Dependencies[0])
	assert.Equal(t, "pip", doc.Dependencies[1])

	pipDeps, ok := doc.Dependencies[2].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"Flask==3.0.2", "requests==2.31.0"}, pipDeps["pip"])
}

func TestRenderCondaEmpty(t *testing.T) {
	in := sampleInput()
	in.Packages = nil
	files, err := Render(Conda, in)
	require.NoError(t, err)
	assert.NotContains(t, string(files[0].Content), "- pip:")
}

func TestFingerprint(t *testing.T) {
	a := []pkgmgr.Package{{Name: "Requests", Version: "2.31.0"}, {Name: "flask", Version: "3.0.2"}}
	b := []pkgmgr.Package{{Name: "Flask", Version: "3.0.2"}, {Name: "requests", Version: "2.31.0"}}
	c := []pkgmgr.Package{{Name: "flask", Version: "3.0.3"}, {Name: "requests", Version: "2.31.0"}}

	assert.Len(t, Fingerprint(a), 16)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	files, err := Render(Dockerfile, sampleInput())
	require.NoError(t, err)

	paths, err := Write(dir, files, false)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	data, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, files[1].Content, data)

	_, err = Write(dir, files, false)
	assert.ErrorIs(t, err, ErrExists)

	files[0].Content = []byte("FROM scratch\n")
	_, err = Write(dir, files, true)
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(dir, "Dockerfile"))
	require.NoError(t, err)
	assert.Equal(t, "FROM scratch\n", string(data))
}

func TestWriteRefusesBeforeWritingAnything(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("keep\n"), 0o644))

	files, err := Render(Dockerfile, sampleInput())
	require.NoError(t, err)
	_, err = Write(dir, files, false)
	require.ErrorIs(t, err, ErrExists)

	_, statErr := os.Stat(filepath.Join(dir, "Dockerfile"))
	assert.True(t, os.IsNotExist(statErr))
}
