package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// FileWriter writes text files into the session scratch workspace.
type FileWriter struct {
	ws Workspace
}

// NewFileWriter creates the file_writer tool.
func NewFileWriter(ws Workspace) *FileWriter {
	return &FileWriter{ws: ws}
}

func (t *FileWriter) Name() string { return "file_writer" }

func (t *FileWriter) Description() string {
	return "Write or append text content to a file in the scratch workspace. " +
		"Use this for creating text files, saving results, writing code files, etc. " +
		"Prefer this over python_coder for simple file creation."
}

func (t *FileWriter) Schema() json.RawMessage {
	return json.RawMessage(`{
		"name": "file_writer",
		"description": "Write a file into the session scratch workspace.",
		"parameters": {
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to scratch workspace (e.g. 'output.txt', 'scripts/run.py')"},
				"content": {"type": "string", "description": "The text content to write to the file"},
				"mode": {"type": "string", "description": "Write mode: 'write' to overwrite (default), 'append' to add to end", "enum": ["write", "append"]},
				"session_id": {"type": "string", "description": "Session ID for workspace resolution (injected by agent)"}
			},
			"required": ["path", "content", "session_id"]
		}
	}`)
}

func (t *FileWriter) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in struct {
		Path      string `json:"path"`
		Content   string `json:"content"`
		Mode      string `json:"mode"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return Errf("file_writer: bad arguments: %v", err), nil
	}

	resolved, err := t.ws.ResolveWrite(in.SessionID, in.Path)
	if err != nil {
		return Errf("file_writer: %v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Errf("file_writer: %v", err), nil
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if in.Mode == "append" {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return Errf("file_writer: %v", err), nil
	}
	n, err := f.WriteString(in.Content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Errf("file_writer: %v", err), nil
	}

	mode := in.Mode
	if mode == "" {
		mode = "write"
	}
	return Ok(map[string]any{
		"path":          in.Path,
		"bytes_written": n,
		"mode":          mode,
	}), nil
}
