// Package pathsafe decides whether a user-supplied relative path stays
// inside the workspace root. The check resolves symlinks on the deepest
// existing ancestor, so a symlink pointing outside the root cannot be
// used to escape even when the final path component does not exist yet.
package pathsafe

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/reqd-dev/reqd/pkg/errdefs"
)

// IsPathSafe reports whether candidate, joined under root, resolves
// strictly inside root. Absolute candidates, embedded NUL bytes and
// `..` traversal are rejected before any filesystem access.
func IsPathSafe(root, candidate string) bool {
	return Resolve(root, candidate) == nil
}

// Resolve validates candidate under root and returns a coded error when
// the path must be refused. A nil return means root/candidate is safe
// to open or create.
func Resolve(root, candidate string) error {
	if strings.ContainsRune(candidate, 0) {
		return errdefs.New(errdefs.CodePathOutsideRoot, "path contains NUL byte")
	}
	if candidate == "" {
		return errdefs.New(errdefs.CodeValidation, "path is empty")
	}
	if filepath.IsAbs(candidate) {
		return errdefs.Newf(errdefs.CodePathOutsideRoot, "absolute path %q not allowed", candidate)
	}

	cleaned := filepath.Clean(candidate)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return errdefs.Newf(errdefs.CodePathOutsideRoot, "path %q escapes workspace", candidate)
	}

	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return errdefs.Wrap(errdefs.CodePathOutsideRoot, "workspace root not resolvable", err)
	}

	// Walk up from the joined path to the deepest ancestor that exists,
	// then require its real path to be contained in the real root.
	ancestor := filepath.Join(rootReal, cleaned)
	for {
		if _, serr := os.Lstat(ancestor); serr == nil {
			break
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			break
		}
		ancestor = parent
	}

	ancestorReal, err := filepath.EvalSymlinks(ancestor)
	if err != nil {
		return errdefs.Wrap(errdefs.CodePathOutsideRoot, "path not resolvable", err)
	}

	if !contains(rootReal, ancestorReal) {
		return errdefs.Newf(errdefs.CodePathOutsideRoot, "path %q escapes workspace", candidate)
	}
	return nil
}

// Join validates candidate under root and returns the absolute path to
// operate on.
func Join(root, candidate string) (string, error) {
	if err := Resolve(root, candidate); err != nil {
		return "", err
	}
	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", errdefs.Wrap(errdefs.CodePathOutsideRoot, "workspace root not resolvable", err)
	}
	return filepath.Join(rootReal, filepath.Clean(candidate)), nil
}

func contains(root, path string) bool {
	if root == path {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
