package contentsource

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Glob returns file sources for every regular file matching the patterns. Patterns can contain
// "doublestar" wildcards (such as `**/*.apk`); relative patterns are evaluated in root.
// An empty root is the working directory. The result is sorted by path and free of duplicates.
func Glob(root string, patterns ...string) ([]*File, error) {
	if root == "" {
		root = "."
	}
	found := map[string]bool{}

	for _, pattern := range patterns {
		base, relPattern := root, pattern
		if filepath.IsAbs(pattern) {
			base, relPattern = doublestar.SplitPattern(filepath.ToSlash(pattern))
		}

		if !strings.ContainsAny(relPattern, "*?[{") {
			path := pattern
			if !filepath.IsAbs(path) {
				path = filepath.Join(root, pattern)
			}
			if isRegularFile(path) {
				found[path] = true
				continue
			}
			return nil, fmt.Errorf("%s is not a regular file", path)
		}

		matches, err := doublestar.Glob(os.DirFS(base), relPattern)
		if err != nil {
			return nil, fmt.Errorf("evaluate pattern %s: %w", pattern, err)
		}
		for _, match := range matches {
			path := filepath.Join(base, filepath.FromSlash(match))
			if isRegularFile(path) {
				found[path] = true
			}
		}
	}

	paths := make([]string, 0, len(found))
	for path := range found {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	files := make([]*File, 0, len(paths))
	for _, path := range paths {
		files = append(files, NewFile(path))
	}
	return files, nil
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
