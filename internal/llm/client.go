// Package llm talks to the OpenAI-compatible inference backend (llama.cpp
// or anything speaking the same protocol) and reconstructs tool calls from
// streamed deltas.
package llm

import (
	"context"
	"encoding/json"

	"github.com/quillhq/quill/pkg/models"
)

// Request is a single model call.
type Request struct {
	Model       string
	Temperature float32
	Messages    []models.Message
	Tools       []ToolSchema

	// SessionID and AgentTag are carried for logging only; they are never
	// sent to the backend.
	SessionID string
	AgentTag  string
}

// ToolSchema is a tool definition in the shape the backend expects.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Response is a completed (non-streaming) model reply.
type Response struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason string
}

// Chunk is one event of a streaming model reply. Text chunks arrive as the
// model generates; reconstructed tool calls are delivered once the stream
// ends, in ascending delta-index order.
type Chunk struct {
	Text         string
	ToolCall     *models.ToolCall
	FinishReason string
	Done         bool
	Err          error
}

// Client is the backend interface the rest of the runtime depends on.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Chat performs a blocking completion.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// ChatStream performs a streaming completion. The returned channel is
	// closed after the final chunk (Done or Err set).
	ChatStream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// ListModels returns the model IDs the backend serves.
	ListModels(ctx context.Context) ([]string, error)

	// IsAvailable probes the backend.
	IsAvailable(ctx context.Context) bool
}
