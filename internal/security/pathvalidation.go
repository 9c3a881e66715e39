// Package security guards file paths taken from configuration.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a path escapes its base directory.
var ErrPathTraversal = errors.New("path escapes base directory")

// escapes reports whether a relative path climbs out of its base.
func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel)
}

// JoinWithinDirectory joins a relative path onto dir and rejects results
// that leave dir. The check is lexical, so it works for in-memory
// filesystems too. Absolute paths are rejected.
func JoinWithinDirectory(dir, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathTraversal, rel)
	}
	joined := filepath.Join(dir, rel)
	r, err := filepath.Rel(filepath.Clean(dir), joined)
	if err != nil || escapes(r) {
		return "", fmt.Errorf("%w: %s leaves %s", ErrPathTraversal, rel, dir)
	}
	return joined, nil
}

// canonical resolves symlinks in the longest existing prefix of path.
func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	for check := path; ; {
		parent := filepath.Dir(check)
		if parent == check {
			return path
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, _ := filepath.Rel(parent, path)
			return filepath.Join(resolved, rest)
		}
		check = parent
	}
}

// ValidatePathWithinDirectory checks that filePath, after resolving
// symlinks on disk, lies inside safeDir.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory path: %w", err)
	}
	dir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(dir, canonical(absPath))
	if err != nil || escapes(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathTraversal, filePath, safeDir)
	}
	return nil
}
