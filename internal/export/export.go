// Package export renders environment descriptors (requirements.txt,
// Dockerfile, docker-compose.yml, pyproject.toml, environment.yml) from an
// installed package set.
package export

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
)

// Format names one export target.
type Format string

const (
	Requirements Format = "requirements"
	Dockerfile   Format = "dockerfile"
	Compose      Format = "compose"
	Pyproject    Format = "pyproject"
	Conda        Format = "conda"
)

var (
	// ErrUnknownFormat is returned by ParseFormat.
	ErrUnknownFormat = errors.New("unknown export format")
	// ErrExists is returned by Write when a target file is present and
	// overwrite was not requested.
	ErrExists = errors.New("file already exists")
)

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)`)

// Formats lists every supported format in display order.
func Formats() []Format {
	return []Format{Requirements, Dockerfile, Compose, Pyproject, Conda}
}

// ParseFormat accepts a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	want := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, f := range Formats() {
		if f == want {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Input is what every template is filled from.
type Input struct {
	Name          string
	PythonVersion string
	Packages      []pkgmgr.Package
	GeneratedAt   time.Time
}

// File is one rendered output, named relative to the export directory.
type File struct {
	Name    string
	Content []byte
}

// Render fills the templates for f. Packaging tools are left out of every
// dependency list.
func Render(f Format, in Input) ([]File, error) {
	pkgs := pkgmgr.WithoutTooling(in.Packages)
	pkgmgr.Sort(pkgs)
	minor := PythonMinor(in.PythonVersion)

	requirements := File{Name: "requirements.txt", Content: renderRequirements(in, pkgs, minor)}

	switch f {
	case Requirements:
		return []File{requirements}, nil
	case Dockerfile:
		return []File{{Name: "Dockerfile", Content: renderDockerfile(minor, true)}, requirements}, nil
	case Compose:
		compose, err := renderCompose(in.Name)
		if err != nil {
			return nil, err
		}
		return []File{
			{Name: "docker-compose.yml", Content: compose},
			{Name: "Dockerfile", Content: renderDockerfile(minor, false)},
			requirements,
		}, nil
	case Pyproject:
		data, err := renderPyproject(in.Name, minor, pkgs)
		if err != nil {
			return nil, err
		}
		return []File{{Name: "pyproject.toml", Content: data}}, nil
	case Conda:
		data, err := renderConda(in.Name, minor, pkgs)
		if err != nil {
			return nil, err
		}
		return []File{{Name: "environment.yml", Content: data}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// Fingerprint identifies a package set independent of order and name
// spelling.
func Fingerprint(pkgs []pkgmgr.Package) string {
	lines := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		q := p
		q.Name = pkgmgr.Normalize(p.Name)
		lines = append(lines, q.Requirement())
	}
	sort.Strings(lines)
	sum := blake3.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:8])
}

// PythonMinor extracts "3.12" from strings such as "Python 3.12.1" or
// "3.12.1.final.0". It returns "" when no version is present.
func PythonMinor(version string) string {
	m := versionPattern.FindStringSubmatch(version)
	if m == nil {
		return ""
	}
	return m[1] + "." + m[2]
}

func renderRequirements(in Input, pkgs []pkgmgr.Package, minor string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# exported by venvdeck from %s", in.Name)
	if minor != "" {
		fmt.Fprintf(&b, " (python %s)", minor)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "# fingerprint %s", Fingerprint(pkgs))
	if !in.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, ", %s", in.GeneratedAt.UTC().Format(time.RFC3339))
	}
	b.WriteByte('\n')
	b.WriteString(pkgmgr.FormatRequirements(pkgs))
	return []byte(b.String())
}

func baseImage(minor string) string {
	if minor == "" {
		return "python:3-slim"
	}
	return "python:" + minor + "-slim"
}

func renderDockerfile(minor string, buildTools bool) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n\nWORKDIR /app\n\n", baseImage(minor))
	if buildTools {
		b.WriteString("RUN apt-get update && apt-get install -y --no-install-recommends \\\n")
		b.WriteString("    gcc \\\n")
		b.WriteString("    && rm -rf /var/lib/apt/lists/*\n\n")
	}
	b.WriteString("COPY requirements.txt .\n")
	b.WriteString("RUN pip install --no-cache-dir -r requirements.txt\n\n")
	b.WriteString("COPY . .\n")
	if buildTools {
		b.WriteString("\n# CMD [\"python\", \"main.py\"]\n")
	}
	return []byte(b.String())
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Build         string   `yaml:"build"`
	ContainerName string   `yaml:"container_name"`
	Ports         []string `yaml:"ports"`
	Volumes       []string `yaml:"volumes"`
	Environment   []string `yaml:"environment"`
}

func renderCompose(name string) ([]byte, error) {
	doc := composeFile{Services: map[string]composeService{
		"app": {
			Build:         ".",
			ContainerName: containerName(name),
			Ports:         []string{"8000:8000"},
			Volumes:       []string{".:/app"},
			Environment:   []string{"PYTHONUNBUFFERED=1"},
		},
	}}
	return encodeYAML(doc)
}

// containerName maps an environment name onto Docker's allowed charset.
func containerName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-._")
	if out == "" {
		return "app"
	}
	return out
}

type condaEnv struct {
	Name         string   `yaml:"name"`
	Channels     []string `yaml:"channels"`
	Dependencies []any    `yaml:"dependencies"`
}

func renderConda(name, minor string, pkgs []pkgmgr.Package) ([]byte, error) {
	python := "python"
	if minor != "" {
		python += "=" + minor
	}
	deps := []any{python, "pip"}
	if len(pkgs) > 0 {
		reqs := make([]string, 0, len(pkgs))
		for _, p := range pkgs {
			reqs = append(reqs, p.Requirement())
		}
		deps = append(deps, map[string][]string{"pip": reqs})
	}
	return encodeYAML(condaEnv{
		Name:         name,
		Channels:     []string{"defaults", "conda-forge"},
		Dependencies: deps,
	})
}

func encodeYAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

type pyproject struct {
	BuildSystem buildSystem    `toml:"build-system"`
	Project     pyprojectTable `toml:"project"`
}

type buildSystem struct {
	Requires     []string `toml:"requires"`
	BuildBackend string   `toml:"build-backend"`
}

type pyprojectTable struct {
	Name           string   `toml:"name"`
	Version        string   `toml:"version"`
	RequiresPython string   `toml:"requires-python,omitempty"`
	Dependencies   []string `toml:"dependencies"`
}

func renderPyproject(name, minor string, pkgs []pkgmgr.Package) ([]byte, error) {
	deps := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		deps = append(deps, p.Requirement())
	}
	doc := pyproject{
		BuildSystem: buildSystem{
			Requires:     []string{"setuptools>=68.0", "wheel"},
			BuildBackend: "setuptools.build_meta",
		},
		Project: pyprojectTable{
			Name:         pkgmgr.Normalize(name),
			Version:      "0.1.0",
			Dependencies: deps,
		},
	}
	if minor != "" {
		doc.Project.RequiresPython = ">=" + minor
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode toml: %w", err)
	}
	return buf.Bytes(), nil
}

// Write stores files under dir and returns their paths. Unless overwrite is
// set, nothing is written when any target already exists.
func Write(dir string, files []File, overwrite bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		p := filepath.Join(dir, f.Name)
		if !overwrite {
			if _, err := os.Stat(p); err == nil {
				return nil, fmt.Errorf("%w: %s", ErrExists, p)
			}
		}
		paths = append(paths, p)
	}

	for i, f := range files {
		if err := writeAtomic(paths[i], f.Content); err != nil {
			return paths[:i], err
		}
	}
	return paths, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
