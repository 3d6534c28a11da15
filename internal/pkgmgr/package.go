package pkgmgr

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidRequirement is returned for package specs that cannot be parsed.
var ErrInvalidRequirement = errors.New("invalid requirement")

var (
	namePattern      = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)
	normalizePattern = regexp.MustCompile(`[-_.]+`)
)

// Package is one installed or requested distribution.
type Package struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint,omitempty"`
	Version    string `json:"version,omitempty"`
}

// Requirement renders the package as a pip requirement line, pinning the
// installed version when known.
func (p Package) Requirement() string {
	switch {
	case strings.HasPrefix(p.Constraint, "@"):
		return p.Name + " " + p.Constraint
	case p.Version != "":
		return p.Name + "==" + p.Version
	case p.Constraint != "":
		return p.Name + p.Constraint
	default:
		return p.Name
	}
}

// Normalize returns the PEP 503 normalized form of a distribution name.
func Normalize(name string) string {
	return strings.ToLower(normalizePattern.ReplaceAllString(name, "-"))
}

// ParseRequirement splits a spec such as "requests>=2.31" or "black==24.1.0"
// into name and constraint.
func ParseRequirement(spec string) (Package, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Package{}, fmt.Errorf("%w: empty", ErrInvalidRequirement)
	}
	if strings.HasPrefix(spec, "-") {
		return Package{}, fmt.Errorf("%w: %q looks like an option", ErrInvalidRequirement, spec)
	}

	cut := strings.IndexAny(spec, "=<>!~@[; ")
	name, rest := spec, ""
	if cut >= 0 {
		name, rest = spec[:cut], strings.TrimSpace(spec[cut:])
	}
	if !namePattern.MatchString(name) {
		return Package{}, fmt.Errorf("%w: bad name %q", ErrInvalidRequirement, name)
	}

	pkg := Package{Name: name, Constraint: rest}
	if strings.HasPrefix(rest, "==") && !strings.ContainsAny(rest[2:], ",;*") {
		pkg.Version = strings.TrimSpace(rest[2:])
	}
	return pkg, nil
}

// ParseRequirements parses every spec, failing on the first invalid one.
func ParseRequirements(specs []string) ([]Package, error) {
	out := make([]Package, 0, len(specs))
	for _, s := range specs {
		p, err := ParseRequirement(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ParseFreeze reads `pip freeze` output. Comments, blank lines, options and
// editable installs are skipped.
func ParseFreeze(text string) []Package {
	var pkgs []Package
	scanner := bufio.NewScanner(strings.NewReader(text))
	// Direct URL references with long hashes can outgrow the default token.
	scanner.Buffer(make([]byte, 0, 64*1024), len(text)+1)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if name, ref, ok := strings.Cut(line, " @ "); ok {
			pkgs = append(pkgs, Package{Name: strings.TrimSpace(name), Constraint: "@ " + strings.TrimSpace(ref)})
			continue
		}
		name, version, ok := strings.Cut(line, "==")
		if !ok {
			continue
		}
		pkgs = append(pkgs, Package{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)})
	}
	Sort(pkgs)
	return pkgs
}

// Update is an installed package with a newer release on the index.
type Update struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Latest  string `json:"latest_version"`
}

// ParseOutdated reads `pip list --outdated --format=json` output.
func ParseOutdated(data []byte) ([]Update, error) {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return []Update{}, nil
	}
	var raw []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Latest  string `json:"latest_version"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode outdated list: %w", err)
	}
	out := make([]Update, 0, len(raw))
	for _, r := range raw {
		out = append(out, Update{Name: r.Name, Version: r.Version, Latest: r.Latest})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Normalize(out[i].Name) < Normalize(out[j].Name)
	})
	return out, nil
}

// Info is the metadata `pip show` reports for one package. Fields keeps
// every "Key: value" line, including the ones lifted into named fields.
type Info struct {
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	Summary    string            `json:"summary,omitempty"`
	Location   string            `json:"location,omitempty"`
	Requires   []string          `json:"requires"`
	RequiredBy []string          `json:"required_by"`
	Fields     map[string]string `json:"fields"`
}

// ParseShow reads `pip show` output for a single package. It returns false
// when the output names no package.
func ParseShow(text string) (Info, bool) {
	info := Info{Fields: make(map[string]string)}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			// pip prints "Requires:" with no trailing space when empty.
			if key, ok = strings.CutSuffix(strings.TrimSpace(line), ":"); !ok {
				continue
			}
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if _, seen := info.Fields[key]; seen {
			// A second package block; only the first is kept.
			break
		}
		info.Fields[key] = value
		switch key {
		case "Name":
			info.Name = value
		case "Version":
			info.Version = value
		case "Summary":
			info.Summary = value
		case "Location":
			info.Location = value
		case "Requires":
			info.Requires = splitNames(value)
		case "Required-by":
			info.RequiredBy = splitNames(value)
		}
	}
	if info.Requires == nil {
		info.Requires = []string{}
	}
	if info.RequiredBy == nil {
		info.RequiredBy = []string{}
	}
	return info, info.Name != ""
}

func splitNames(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Sort orders packages by normalized name.
func Sort(pkgs []Package) {
	sort.SliceStable(pkgs, func(i, j int) bool {
		return Normalize(pkgs[i].Name) < Normalize(pkgs[j].Name)
	})
}

// WithoutTooling drops the packaging tools every venv ships with, leaving
// what the user installed.
func WithoutTooling(pkgs []Package) []Package {
	out := make([]Package, 0, len(pkgs))
	for _, p := range pkgs {
		switch Normalize(p.Name) {
		case "pip", "setuptools", "wheel":
			continue
		}
		out = append(out, p)
	}
	return out
}

// Find returns the package with the given name, compared normalized.
func Find(pkgs []Package, name string) (Package, bool) {
	want := Normalize(name)
	for _, p := range pkgs {
		if Normalize(p.Name) == want {
			return p, true
		}
	}
	return Package{}, false
}

// FormatRequirements renders pkgs as a requirements.txt body.
func FormatRequirements(pkgs []Package) string {
	var b strings.Builder
	for _, p := range pkgs {
		b.WriteString(p.Requirement())
		b.WriteByte('\n')
	}
	return b.String()
}
