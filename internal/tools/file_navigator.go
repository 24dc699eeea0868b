package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileNavigator explores the session workspace: directory listings, glob
// search and a recursive tree view.
type FileNavigator struct {
	ws Workspace
}

// NewFileNavigator creates the file_navigator tool.
func NewFileNavigator(ws Workspace) *FileNavigator {
	return &FileNavigator{ws: ws}
}

func (t *FileNavigator) Name() string { return "file_navigator" }

func (t *FileNavigator) Description() string {
	return "List directory contents, search for files with a glob pattern, or print a directory tree " +
		"in the user's uploads and scratch workspace. Use this to explore available files before reading them."
}

func (t *FileNavigator) Schema() json.RawMessage {
	return json.RawMessage(`{
		"name": "file_navigator",
		"description": "Explore the session workspace.",
		"parameters": {
			"type": "object",
			"properties": {
				"operation": {"type": "string", "description": "Operation: 'list' to list a directory, 'search' to match a glob pattern, 'tree' for a recursive view", "enum": ["list", "search", "tree"]},
				"path": {"type": "string", "description": "Directory path for 'list' and 'tree'. Omit to see workspace roots."},
				"pattern": {"type": "string", "description": "Glob pattern for 'search' (e.g. '*.csv', '**/*.py')"},
				"session_id": {"type": "string", "description": "Session ID for workspace resolution (injected by agent)"}
			},
			"required": ["operation", "session_id"]
		}
	}`)
}

func (t *FileNavigator) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in struct {
		Operation string `json:"operation"`
		Path      string `json:"path"`
		Pattern   string `json:"pattern"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return Errf("file_navigator: bad arguments: %v", err), nil
	}

	username := UsernameFromContext(ctx)
	switch in.Operation {
	case "list":
		return t.list(in.SessionID, username, in.Path)
	case "search":
		if in.Pattern == "" {
			return Errf("file_navigator: 'search' requires a pattern"), nil
		}
		return t.search(in.SessionID, username, in.Pattern)
	case "tree":
		return t.tree(in.SessionID, username, in.Path)
	default:
		return Errf("file_navigator: unknown operation %q", in.Operation), nil
	}
}

func (t *FileNavigator) list(sessionID, username, path string) (*Result, error) {
	if path == "" {
		roots := make([]map[string]any, 0, 2)
		for _, root := range t.ws.Roots(sessionID, username) {
			label := "scratch"
			if strings.HasPrefix(root, t.ws.UploadsRoot) {
				label = "uploads"
			}
			count := 0
			if entries, err := os.ReadDir(root); err == nil {
				count = len(entries)
			}
			roots = append(roots, map[string]any{"name": label, "entries": count})
		}
		return Ok(map[string]any{"operation": "list", "roots": roots}), nil
	}

	resolved, err := t.ws.ResolveRead(sessionID, username, path)
	if err != nil {
		return Errf("file_navigator: %v", err), nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return Errf("file_navigator: %v", err), nil
	}

	listing := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		entry := map[string]any{"name": e.Name(), "type": "file"}
		if e.IsDir() {
			entry["type"] = "directory"
		} else if info, err := e.Info(); err == nil {
			entry["size"] = info.Size()
		}
		listing = append(listing, entry)
	}
	return Ok(map[string]any{
		"operation": "list",
		"path":      path,
		"entries":   listing,
		"count":     len(listing),
	}), nil
}

func (t *FileNavigator) search(sessionID, username, pattern string) (*Result, error) {
	matches := []string{}
	for _, root := range t.ws.Roots(sessionID, username) {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			if matchGlob(pattern, rel) {
				matches = append(matches, rel)
			}
			return nil
		})
	}
	sort.Strings(matches)

	return Ok(map[string]any{
		"operation": "search",
		"pattern":   pattern,
		"matches":   matches,
		"count":     len(matches),
	}), nil
}

func (t *FileNavigator) tree(sessionID, username, path string) (*Result, error) {
	roots := t.ws.Roots(sessionID, username)
	if path != "" {
		resolved, err := t.ws.ResolveRead(sessionID, username, path)
		if err != nil {
			return Errf("file_navigator: %v", err), nil
		}
		roots = []string{resolved}
	}

	var b strings.Builder
	for _, root := range roots {
		fmt.Fprintf(&b, "%s\n", filepath.Base(root))
		filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil || p == root {
				return nil
			}
			rel, relErr := filepath.Rel(root, p)
			if relErr != nil {
				return nil
			}
			depth := strings.Count(rel, string(filepath.Separator))
			indent := strings.Repeat("  ", depth+1)
			if d.IsDir() {
				fmt.Fprintf(&b, "%s%s/\n", indent, d.Name())
			} else {
				fmt.Fprintf(&b, "%s%s\n", indent, d.Name())
			}
			return nil
		})
	}
	return Ok(map[string]any{"operation": "tree", "tree": b.String()}), nil
}

// matchGlob matches rel against pattern; a '**/' prefix also matches files
// at the top level, mirroring common glob expectations.
func matchGlob(pattern, rel string) bool {
	if ok, _ := filepath.Match(pattern, rel); ok {
		return true
	}
	// Match against the basename so '*.csv' finds nested files too.
	if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok && !strings.Contains(pattern, "/") {
		return true
	}
	if after, found := strings.CutPrefix(pattern, "**/"); found {
		if ok, _ := filepath.Match(after, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}
