package stream

import (
	"os"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// FindFiles expands glob patterns into a sorted list of regular files. A file
// matched by several patterns is listed once; directories and symlinks are
// skipped.
func FindFiles(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			if seen[name] {
				continue
			}
			info, err := os.Lstat(name)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[name] = true
			files = append(files, name)
		}
	}
	slices.Sort(files)
	return files, nil
}
