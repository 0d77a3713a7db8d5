package pathutil

import (
	"os"
	"path/filepath"
)

// RenameSanitized sanitizes the base name of path and, if it differs from
// the original, renames the file in place and returns the new path. If the
// rename fails, the original path is returned (best-effort) along with the
// rename error so the caller can log a warning; the deterministic ID must
// still be computed from whichever path is ultimately used.
func RenameSanitized(path string) (string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	sanitized := Sanitize(base)
	if sanitized == base {
		return path, nil
	}

	newPath := filepath.Join(dir, sanitized)
	if err := os.Rename(path, newPath); err != nil {
		return path, err
	}
	return newPath, nil
}

// RelativeTo mirrors a source path's position relative to root, so the same
// subdirectory structure can be reproduced under completed/failed/output
// trees.
func RelativeTo(root, path string) (string, error) {
	return filepath.Rel(root, path)
}
