package venv

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Suggest returns known environment names close to name, best match first.
func (r *Registry) Suggest(name string) []string {
	return closest(name, r.Names())
}

func closest(name string, candidates []string) []string {
	type scored struct {
		name string
		dist int
	}
	limit := max(2, len(name)/3)
	lower := strings.ToLower(name)

	seen := make(map[string]bool)
	var matches []scored
	for _, c := range candidates {
		if seen[c] || c == name {
			continue
		}
		seen[c] = true
		d := levenshtein.ComputeDistance(lower, strings.ToLower(c))
		if d <= limit || strings.HasPrefix(strings.ToLower(c), lower) {
			matches = append(matches, scored{name: c, dist: d})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].dist != matches[j].dist {
			return matches[i].dist < matches[j].dist
		}
		return matches[i].name < matches[j].name
	})

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.name)
	}
	return out
}
