// Package utils provides utility functions and types shared across the
// anysyncd daemon and its remote helper.
package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath expands a leading `~`, makes the path absolute and cleans it.
// Configured paths go through this once at load time, so the daemon, the
// pipeline and the stamp files all agree on one spelling of each directory.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", path, err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	return filepath.Abs(path)
}

func EnsureParent(file string) error {
	dir := filepath.Dir(file)
	return os.MkdirAll(dir, 0755)
}

func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
