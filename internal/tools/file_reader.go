package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// textExtensions is the allowlist for file_reader. Binary formats go
// through python_coder instead.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".tsv": true, ".json": true,
	".yaml": true, ".yml": true, ".toml": true, ".ini": true, ".cfg": true,
	".py": true, ".go": true, ".js": true, ".ts": true, ".sh": true,
	".html": true, ".css": true, ".xml": true, ".sql": true, ".log": true,
	".env": true, ".conf": true, ".rst": true,
}

const maxReadBytes = 10 << 20 // refuse files larger than 10MB

// FileReader reads text files from the session workspace.
type FileReader struct {
	ws Workspace
}

// NewFileReader creates the file_reader tool.
func NewFileReader(ws Workspace) *FileReader {
	return &FileReader{ws: ws}
}

func (t *FileReader) Name() string { return "file_reader" }

func (t *FileReader) Description() string {
	return "Read the contents of a file from the user's uploads or scratch workspace. " +
		"Use this for viewing text files, code, CSV data, logs, configs, etc. " +
		"Prefer this over python_coder for simple file reading. Supports offset and limit for large files."
}

func (t *FileReader) Schema() json.RawMessage {
	return json.RawMessage(`{
		"name": "file_reader",
		"description": "Read a file from the session workspace.",
		"parameters": {
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path - relative to workspace (e.g. 'data.csv') or absolute within allowed directories"},
				"offset": {"type": "integer", "description": "Start reading from this line number (1-based). Optional."},
				"limit": {"type": "integer", "description": "Maximum number of lines to return. Optional."},
				"session_id": {"type": "string", "description": "Session ID for workspace resolution (injected by agent)"}
			},
			"required": ["path", "session_id"]
		}
	}`)
}

func (t *FileReader) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in struct {
		Path      string `json:"path"`
		Offset    int    `json:"offset"`
		Limit     int    `json:"limit"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return Errf("file_reader: bad arguments: %v", err), nil
	}

	ext := strings.ToLower(filepath.Ext(in.Path))
	if !textExtensions[ext] {
		return Errf("file_reader: unsupported file type %q (text files only)", ext), nil
	}

	resolved, err := t.ws.ResolveRead(in.SessionID, UsernameFromContext(ctx), in.Path)
	if err != nil {
		return Errf("file_reader: %v", err), nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return Errf("file_reader: %v", err), nil
	}
	if info.Size() > maxReadBytes {
		return Errf("file_reader: file too large (%d bytes)", info.Size()), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Errf("file_reader: %v", err), nil
	}

	content := string(data)
	totalLines := countLines(content)
	truncated := false
	if in.Offset > 0 || in.Limit > 0 {
		content = sliceLines(content, in.Offset, in.Limit)
		truncated = countLines(content) < totalLines
	}

	return Ok(map[string]any{
		"path":        in.Path,
		"content":     content,
		"size_bytes":  info.Size(),
		"total_lines": totalLines,
		"truncated":   truncated,
	}), nil
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	return strings.Count(content, "\n") + 1
}

// sliceLines returns lines [offset, offset+limit) using 1-based offsets.
func sliceLines(content string, offset, limit int) string {
	lines := strings.Split(content, "\n")
	if offset < 1 {
		offset = 1
	}
	if offset > len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && offset-1+limit < end {
		end = offset - 1 + limit
	}
	return strings.Join(lines[offset-1:end], "\n")
}
