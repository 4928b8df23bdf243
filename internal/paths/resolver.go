// Package paths resolves the file paths named in a config file.
//
// A path may start with a named prefix ("config:", "data:") that maps
// to a directory, or with ~ for the user's home directory. Any other
// relative path is taken relative to the resolver's base directory,
// normally the directory holding the config file.
package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps named prefixes to directories. It is nil-safe: a nil
// *Resolver only expands ~.
type Resolver struct {
	base     string
	prefixes map[string]string // "data:" -> "/srv/asesor/data"
	sorted   []string          // prefixes sorted by descending length
}

// New creates a Resolver. Keys are prefix names with or without the
// trailing colon. Directories are themselves home-expanded.
func New(base string, prefixes map[string]string) *Resolver {
	m := make(map[string]string, len(prefixes))
	sorted := make([]string, 0, len(prefixes))
	for name, dir := range prefixes {
		key := name
		if !strings.HasSuffix(key, ":") {
			key += ":"
		}
		m[key] = ExpandHome(dir)
		sorted = append(sorted, key)
	}
	// Longest first so "data:" never shadows "database:".
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i]) > len(sorted[j])
	})
	return &Resolver{base: ExpandHome(base), prefixes: m, sorted: sorted}
}

// With returns a copy of r with one more prefix.
func (r *Resolver) With(name, dir string) *Resolver {
	if r == nil {
		return New("", map[string]string{name: dir})
	}
	prefixes := make(map[string]string, len(r.prefixes)+1)
	for k, v := range r.prefixes {
		prefixes[k] = v
	}
	prefixes[name] = dir
	return New(r.base, prefixes)
}

// Resolve expands path. The empty string stays empty.
func (r *Resolver) Resolve(path string) string {
	if path == "" {
		return ""
	}
	if r == nil {
		return ExpandHome(path)
	}
	for _, prefix := range r.sorted {
		if rel, ok := strings.CutPrefix(path, prefix); ok {
			if rel == "" {
				return r.prefixes[prefix]
			}
			return filepath.Join(r.prefixes[prefix], rel)
		}
	}
	path = ExpandHome(path)
	if filepath.IsAbs(path) || r.base == "" {
		return path
	}
	return filepath.Join(r.base, path)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
