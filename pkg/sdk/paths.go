package sdk

import (
	"sort"
	"strings"
)

// CompactPaths drops every path that lies under another path in the same set,
// so "a" and "a.b" collapse to "a". The surviving paths keep their values and
// are returned in lexical order.
func CompactPaths(sets map[string]any) ([]string, map[string]any) {
	paths := make([]string, 0, len(sets))
	for p := range sets {
		paths = append(paths, p)
	}
	// Shorter paths first so parents are seen before their children.
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) < len(paths[j])
		}
		return paths[i] < paths[j]
	})

	kept := make([]string, 0, len(paths))
	out := make(map[string]any, len(paths))
	for _, p := range paths {
		covered := false
		for _, parent := range kept {
			if strings.HasPrefix(p, parent+".") {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		kept = append(kept, p)
		out[p] = sets[p]
	}
	sort.Strings(kept)
	return kept, out
}

// SplitPath splits a dotted attribute path into its segments.
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}
