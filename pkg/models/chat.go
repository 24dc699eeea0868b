package models

// ChatRequest is the body of POST /v1/chat/completions. It mirrors the
// OpenAI request schema plus the runtime extensions (session_id, background,
// enabled_tools).
type ChatRequest struct {
	Model        string    `json:"model"`
	Messages     []Message `json:"messages"`
	Temperature  *float32  `json:"temperature,omitempty"`
	Stream       bool      `json:"stream,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Background   bool      `json:"background,omitempty"`
	EnabledTools []string  `json:"enabled_tools,omitempty"`
}

// ChatResponse is the non-streaming completion response.
type ChatResponse struct {
	ID         string       `json:"id"`
	Object     string       `json:"object"`
	Created    int64        `json:"created"`
	Model      string       `json:"model"`
	Choices    []ChatChoice `json:"choices"`
	Usage      Usage        `json:"usage"`
	XSessionID string       `json:"x_session_id,omitempty"`
}

// ChatChoice is one completion alternative. The runtime always returns
// exactly one.
type ChatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatChunk is one SSE frame of a streaming completion.
type ChatChunk struct {
	ID         string        `json:"id"`
	Object     string        `json:"object"`
	Created    int64         `json:"created"`
	Model      string        `json:"model"`
	Choices    []ChunkChoice `json:"choices"`
	XSessionID string        `json:"x_session_id,omitempty"`
}

// ChunkChoice carries the delta of a streaming frame.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental payload of a streaming frame. ToolStatus is a
// runtime extension used to surface tool progress to interactive clients.
type Delta struct {
	Role       string      `json:"role,omitempty"`
	Content    string      `json:"content,omitempty"`
	ToolStatus *ToolStatus `json:"tool_status,omitempty"`
}

// ToolStatus describes tool progress inside a streaming response.
type ToolStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"` // running, done, error
}

// Usage reports estimated token counts for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelInfo is one entry of GET /v1/models.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}
