package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace resolves tool file paths into the per-session scratch
// directory and the per-user uploads directory and rejects anything that
// escapes them. Scratch is keyed by session because runs must not see
// each other's intermediate files; uploads are keyed by user because the
// HTTP layer stores attachments per user.
type Workspace struct {
	ScratchRoot string
	UploadsRoot string
}

// ScratchDir returns (and creates) the scratch directory for a session.
func (w Workspace) ScratchDir(sessionID string) (string, error) {
	dir := filepath.Join(w.ScratchRoot, safeSegment(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// UploadsDir returns the uploads directory for a user. It is not created
// here; uploads come in through the HTTP layer.
func (w Workspace) UploadsDir(username string) string {
	return filepath.Join(w.UploadsRoot, safeSegment(username))
}

// Roots returns the directories a run may read from.
func (w Workspace) Roots(sessionID, username string) []string {
	return []string{
		filepath.Join(w.ScratchRoot, safeSegment(sessionID)),
		w.UploadsDir(username),
	}
}

// ResolveRead resolves a read path. Relative paths are tried against
// scratch first, then uploads. Absolute paths must already be inside one
// of the roots.
func (w Workspace) ResolveRead(sessionID, username, path string) (string, error) {
	roots := w.Roots(sessionID, username)

	if filepath.IsAbs(path) {
		resolved, err := resolveWithin(path, roots)
		if err != nil {
			return "", err
		}
		return resolved, nil
	}

	for _, root := range roots {
		candidate := filepath.Join(root, path)
		resolved, err := resolveWithin(candidate, []string{root})
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(resolved); statErr == nil {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("file not found: %s", path)
}

// ResolveWrite resolves a write path inside the session scratch directory.
func (w Workspace) ResolveWrite(sessionID, path string) (string, error) {
	scratch, err := w.ScratchDir(sessionID)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(path) {
		return resolveWithin(path, []string{scratch})
	}
	return resolveWithin(filepath.Join(scratch, path), []string{scratch})
}

// resolveWithin cleans path and verifies it stays under one of the roots.
// Symlinked parents are resolved so a link cannot smuggle a path outside.
func resolveWithin(path string, roots []string) (string, error) {
	cleaned, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	// Resolve the deepest existing ancestor so symlinks are accounted for
	// even when the leaf does not exist yet.
	resolved := cleaned
	probe := cleaned
	for {
		if real, err := filepath.EvalSymlinks(probe); err == nil {
			rel, relErr := filepath.Rel(probe, cleaned)
			if relErr != nil {
				return "", relErr
			}
			resolved = filepath.Join(real, rel)
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if realRoot, err := filepath.EvalSymlinks(rootAbs); err == nil {
			rootAbs = realRoot
		}
		if resolved == rootAbs || strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path escapes workspace: %s", path)
}

// safeSegment strips path separators from an ID before it is used as a
// directory name.
func safeSegment(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "\\", "_")
	id = strings.ReplaceAll(id, "..", "_")
	if id == "" {
		return "_"
	}
	return id
}
