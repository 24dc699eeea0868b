// Package tools implements the fixed tool surface the agent can call:
// websearch, python_coder, rag, file_reader, file_writer, file_navigator,
// shell_exec and memory. Tools are registered in a canonical order so the
// schema block sent to the backend is byte-stable across calls, which keeps
// the backend's prompt-prefix KV cache warm.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is a single executable capability exposed to the model.
//
// Schema returns the full parameter schema including runtime-injected
// properties (session_id); the registry strips those before the schema is
// sent to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is the outcome of a tool execution. Every result reaches the
// model as one JSON object carrying a success boolean, an error string on
// failure, and whatever tool-specific fields the tool adds. Failures the
// model should see are returned as failure Results, not as Go errors;
// errors are reserved for infrastructure problems.
type Result struct {
	Success bool
	Error   string
	Fields  map[string]any
}

// Ok builds a success envelope with tool-specific fields.
func Ok(fields map[string]any) *Result {
	return &Result{Success: true, Fields: fields}
}

// Errf builds a failure envelope for the model.
func Errf(format string, args ...any) *Result {
	return &Result{Error: fmt.Sprintf(format, args...)}
}

// JSON serializes the envelope for the transcript. Tool-specific fields
// never shadow success or error.
func (r *Result) JSON() string {
	obj := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		obj[k] = v
	}
	obj["success"] = r.Success
	if r.Error != "" {
		obj["error"] = r.Error
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return `{"success":false,"error":"unserializable tool result"}`
	}
	return string(data)
}

type usernameKey struct{}

// WithUsername attaches the calling user to the context. The memory tool
// scopes its store by username.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey{}, username)
}

// UsernameFromContext returns the calling user, or "guest".
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey{}).(string); ok && v != "" {
		return v
	}
	return "guest"
}
