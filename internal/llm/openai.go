package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quillhq/quill/pkg/models"
)

// Backend implements Client against an OpenAI-compatible HTTP server.
//
// llama.cpp's server exposes /v1/chat/completions, /v1/models and /health;
// the api key is accepted but ignored, so any placeholder works.
type Backend struct {
	client *openai.Client
	host   string
}

// NewBackend creates a backend client for the given host
// (e.g. "http://localhost:5905").
func NewBackend(host, apiKey string, requestTimeout time.Duration) *Backend {
	if apiKey == "" {
		apiKey = "not-needed"
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(host, "/") + "/v1"
	cfg.HTTPClient = &http.Client{Timeout: requestTimeout}
	return &Backend{
		client: openai.NewClientWithConfig(cfg),
		host:   host,
	}
}

// Host returns the backend base URL.
func (b *Backend) Host() string {
	return b.host
}

// Chat performs a blocking completion.
func (b *Backend) Chat(ctx context.Context, req *Request) (*Response, error) {
	resp, err := b.client.CreateChatCompletion(ctx, b.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &Response{FinishReason: "stop"}, nil
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out, nil
}

// ChatStream performs a streaming completion.
func (b *Backend) ChatStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	stream, err := b.client.CreateChatCompletionStream(ctx, b.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion stream: %w", err)
	}

	// Cap 1 so a terminal chunk can be deposited even when the consumer
	// has already walked away after cancellation.
	chunks := make(chan *Chunk, 1)
	go b.processStream(ctx, stream, chunks)
	return chunks, nil
}

// pendingCall accumulates one tool call across stream deltas. The backend
// sends the id and name in the first delta for an index and streams the
// arguments as JSON fragments after that.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (b *Backend) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*pendingCall)
	finishReason := ""

	// Every send races against cancellation; a consumer that stopped
	// reading must not strand this goroutine.
	send := func(c *Chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flush := func() bool {
		indices := make([]int, 0, len(pending))
		for idx := range pending {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			pc := pending[idx]
			if pc.id == "" || pc.name == "" {
				continue
			}
			ok := send(&Chunk{ToolCall: &models.ToolCall{
				ID:   pc.id,
				Type: "function",
				Function: models.FunctionCall{
					Name:      pc.name,
					Arguments: pc.args.String(),
				},
			}})
			if !ok {
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			// Best effort: the channel has room for one terminal chunk.
			select {
			case chunks <- &Chunk{Err: ctx.Err(), Done: true}:
			default:
			}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				if flush() {
					send(&Chunk{Done: true, FinishReason: finishReason})
				}
				return
			}
			send(&Chunk{Err: err, Done: true})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			// The backend may send several finish reasons over the life of
			// the stream; the most recent one wins.
			finishReason = string(choice.FinishReason)
		}

		if choice.Delta.Content != "" {
			if !send(&Chunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pc := pending[index]
			if pc == nil {
				pc = &pendingCall{}
				pending[index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
			}
		}
	}
}

// ListModels returns the backend's model IDs.
func (b *Backend) ListModels(ctx context.Context) ([]string, error) {
	list, err := b.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("llm: list models: %w", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// IsAvailable probes the backend with a short deadline.
func (b *Backend) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := b.client.ListModels(probeCtx)
	return err == nil
}

func (b *Backend) buildRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Stream:      stream,
		Messages:    convertMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		out.Tools = convertTools(req.Tools)
	}
	return out
}

func convertMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		m := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			m.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				m.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}
		}
		if msg.Role == models.RoleTool {
			m.ToolCallID = msg.ToolCallID
		}
		result = append(result, m)
	}
	return result
}

func convertTools(tools []ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var params map[string]any
		if err := json.Unmarshal(t.Parameters, &params); err != nil {
			// A bad schema should not break the other tools.
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}
