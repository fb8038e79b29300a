// Package file holds small filesystem path helpers shared across the
// persistence layer.
package file

import (
	"os"
	"path/filepath"
	"strings"
)

// EnsureParentDir creates the directory containing path, if needed.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// ExpandHome substitutes a leading "~" with the user's home directory.
// Paths without the prefix come back unchanged, as do paths when the home
// directory cannot be determined.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
