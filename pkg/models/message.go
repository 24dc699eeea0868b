package models

import "encoding/json"

// Role values used in conversation messages. The wire format matches the
// OpenAI chat completions schema so conversation documents can be replayed
// against the backend without translation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single conversation turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is an assistant request to execute a tool, in OpenAI wire format.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Args decodes the call arguments. A model can emit arguments that never
// become valid JSON; in that case the raw text is preserved under "_raw" so
// the tool still sees what the model produced.
func (c ToolCall) Args() map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil || args == nil {
		return map[string]any{"_raw": c.Function.Arguments}
	}
	return args
}

// WithArgs returns a copy of the call with re-encoded arguments.
func (c ToolCall) WithArgs(args map[string]any) ToolCall {
	data, err := json.Marshal(args)
	if err != nil {
		return c
	}
	c.Function.Arguments = string(data)
	return c
}

// ToolEvent records one tool execution for job transcripts and streaming
// consumers.
type ToolEvent struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments,omitempty"`
	Stage      string `json:"stage"` // started, completed, failed
	Content    string `json:"content,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Tool event stages.
const (
	ToolStageStarted   = "started"
	ToolStageCompleted = "completed"
	ToolStageFailed    = "failed"
)
