// Package pathsafe provides the single path-containment check shared by
// the evidence subsystem and the microVM state-directory accessor: every
// computed path is verified to still resolve inside its declared root
// before it is opened.
package pathsafe

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrEscapesRoot is returned when a candidate path resolves outside root.
var ErrEscapesRoot = errors.New("pathsafe: path escapes root")

// Within resolves rel against root and returns the absolute path, failing
// if rel is absolute, contains a ".." segment, or — after resolving
// symlinks — no longer lives under root.
func Within(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is absolute", ErrEscapesRoot, rel)
	}
	cleanRel := filepath.Clean(rel)
	for _, seg := range strings.Split(cleanRel, string(filepath.Separator)) {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q traverses upward", ErrEscapesRoot, rel)
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("pathsafe: resolving root: %w", err)
	}
	candidate := filepath.Join(absRoot, cleanRel)

	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		// Root may not exist yet (e.g. about to be created) — fall back
		// to the unresolved absolute root for the containment check.
		resolvedRoot = absRoot
	}

	resolvedCandidate := candidate
	if existing, err := filepath.EvalSymlinks(candidate); err == nil {
		resolvedCandidate = existing
	}

	if resolvedCandidate != resolvedRoot &&
		!strings.HasPrefix(resolvedCandidate, resolvedRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves outside %q", ErrEscapesRoot, rel, root)
	}
	return candidate, nil
}
