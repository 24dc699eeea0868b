// Package agent drives the tool-calling loop: alternate model calls and
// parallel tool batches until the model answers in plain text or the
// iteration cap forces a tool-less final call.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/internal/stopsignal"
	"github.com/quillhq/quill/internal/tools"
	"github.com/quillhq/quill/pkg/models"
)

// ErrStopped is returned when the process-wide stop flag interrupts a run.
var ErrStopped = errors.New("agent: run stopped")

// Attachment describes a file supplied with the request. The metadata is
// rendered into the system prompt so the model knows what is on disk.
type Attachment struct {
	Name    string
	Type    string
	Size    int64
	Details string
}

// RunInput binds one run to a session, user, and conversation state.
// Messages is the prior history plus the current user turn; the system
// prompt is assembled by the loop and must not be included.
type RunInput struct {
	SessionID   string
	Username    string
	Model       string
	Temperature float32
	Messages    []models.Message
	Attachments []Attachment

	// EnabledTools restricts the run to a subset of registered tools.
	// Empty means every registered tool is available.
	EnabledTools []string
}

// RunOutput is the result of a completed run. Messages holds everything
// the run appended after the input (assistant turns, tool messages, and
// the final reply), ready to be persisted.
type RunOutput struct {
	Content    string
	Messages   []models.Message
	Iterations int
	Stopped    bool
}

// LoopConfig bounds a run.
type LoopConfig struct {
	// MaxIterations caps tool-calling iterations. Once reached, one more
	// model call is made without tools to force a text answer.
	MaxIterations int

	// HotTailIterations is how many trailing iterations keep their tool
	// results full-size. Older iterations are summarized in place.
	HotTailIterations int
}

// DefaultLoopConfig returns the default loop bounds: only the current
// iteration keeps full-size tool results.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{MaxIterations: 8, HotTailIterations: 1}
}

// CollectionSource supplies the RAG collection names visible to a user.
// The rag tool implements it by asking the retrieval service per user;
// CollectionList adapts a fixed slice for setups without a backend.
type CollectionSource interface {
	UserCollections(ctx context.Context, username string) []string
}

// CollectionList is a static CollectionSource.
type CollectionList []string

func (c CollectionList) UserCollections(context.Context, string) []string { return c }

// Loop runs agent conversations against one backend and tool registry.
// Safe for concurrent use; all per-run state lives on the stack.
type Loop struct {
	client      llm.Client
	registry    *tools.Registry
	executor    *Executor
	compactor   *Compactor
	prompts     *PromptCache
	stop        *stopsignal.Signal
	collections CollectionSource
	config      *LoopConfig
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewLoop wires a loop. stop, collections and metrics may be nil.
// collections supplies the RAG collection names calls are validated
// against before dispatch; it is consulted once per run.
func NewLoop(client llm.Client, registry *tools.Registry, executor *Executor, compactor *Compactor, prompts *PromptCache, stop *stopsignal.Signal, collections CollectionSource, config *LoopConfig, logger *observability.Logger, metrics *observability.Metrics) *Loop {
	if config == nil {
		config = DefaultLoopConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Loop{
		client:      client,
		registry:    registry,
		executor:    executor,
		compactor:   compactor,
		prompts:     prompts,
		stop:        stop,
		collections: collections,
		config:      config,
		logger:      logger,
		metrics:     metrics,
	}
}

// Run executes the loop to completion and returns the final text. On stop
// or backend failure the partial output is returned alongside the error.
func (l *Loop) Run(ctx context.Context, input *RunInput) (*RunOutput, error) {
	collections := l.userCollections(ctx, input.Username)
	msgs := l.seed(input, collections)
	base := len(msgs)
	out := &RunOutput{}
	var boundaries []int

	finish := func(content string) *RunOutput {
		if strings.TrimSpace(content) == "" {
			content = "No response generated."
		}
		msgs = append(msgs, models.Message{Role: models.RoleAssistant, Content: content})
		out.Content = content
		out.Messages = msgs[base:]
		if l.metrics != nil {
			l.metrics.AgentIterations.Observe(float64(out.Iterations))
		}
		return out
	}

	for iter := 0; iter < l.config.MaxIterations; iter++ {
		if err := l.checkStop(); err != nil {
			out.Stopped = true
			out.Messages = msgs[base:]
			return out, err
		}

		resp, err := l.client.Chat(ctx, l.request(input, msgs, true, "agent"))
		if err != nil {
			out.Messages = msgs[base:]
			return out, err
		}

		if len(resp.ToolCalls) == 0 {
			return finish(resp.Content), nil
		}

		boundaries = append(boundaries, len(msgs))
		msgs = append(msgs, models.Message{Role: models.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		if err := l.checkStop(); err != nil {
			out.Stopped = true
			out.Messages = msgs[base:]
			return out, err
		}

		results := l.dispatch(ctx, input, collections, resp.ToolCalls, nil)
		msgs = append(msgs, l.resultMessages(input.SessionID, results)...)
		l.compress(msgs, boundaries)
		out.Iterations = iter + 1
	}

	// Iteration cap reached: one forced tool-less call terminates the run.
	if err := l.checkStop(); err != nil {
		out.Stopped = true
		out.Messages = msgs[base:]
		return out, err
	}
	resp, err := l.client.Chat(ctx, l.request(input, msgs, false, "agent:final"))
	if err != nil {
		out.Messages = msgs[base:]
		return out, err
	}
	return finish(resp.Content), nil
}

// RunStream executes the loop, emitting text deltas and tool lifecycle
// events as they happen. The channel is closed after an Output or Err
// event; the caller must drain it until then.
func (l *Loop) RunStream(ctx context.Context, input *RunInput) <-chan *Event {
	events := make(chan *Event, 16)
	go func() {
		defer close(events)
		l.runStream(ctx, input, events)
	}()
	return events
}

func (l *Loop) runStream(ctx context.Context, input *RunInput, events chan<- *Event) {
	collections := l.userCollections(ctx, input.Username)
	msgs := l.seed(input, collections)
	base := len(msgs)
	out := &RunOutput{}
	var boundaries []int

	emit := func(ev *Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Terminal events are plain sends: the consumer drains until close, and
	// emit's cancellation select could drop the final event when the run is
	// being cancelled, which is exactly when it matters most.
	fail := func(err error) {
		out.Messages = msgs[base:]
		events <- &Event{Err: err}
	}

	finish := func(content string) {
		if strings.TrimSpace(content) == "" {
			content = "No response generated."
			emit(&Event{Text: content})
		}
		msgs = append(msgs, models.Message{Role: models.RoleAssistant, Content: content})
		out.Content = content
		out.Messages = msgs[base:]
		if l.metrics != nil {
			l.metrics.AgentIterations.Observe(float64(out.Iterations))
		}
		events <- &Event{Output: out}
	}

	for iter := 0; iter < l.config.MaxIterations; iter++ {
		if err := l.checkStop(); err != nil {
			out.Stopped = true
			fail(err)
			return
		}

		content, calls, err := l.streamCall(ctx, l.request(input, msgs, true, "agent:stream"), emit)
		if err != nil {
			fail(err)
			return
		}

		if len(calls) == 0 {
			finish(content)
			return
		}

		boundaries = append(boundaries, len(msgs))
		msgs = append(msgs, models.Message{Role: models.RoleAssistant, Content: content, ToolCalls: calls})

		for _, call := range calls {
			emit(&Event{Tool: &models.ToolEvent{
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Arguments:  call.Function.Arguments,
				Stage:      models.ToolStageStarted,
			}})
		}

		if err := l.checkStop(); err != nil {
			out.Stopped = true
			fail(err)
			return
		}

		results := l.dispatch(ctx, input, collections, calls, func(ev models.ToolEvent) {
			emit(&Event{Tool: &ev})
		})
		msgs = append(msgs, l.resultMessages(input.SessionID, results)...)
		l.compress(msgs, boundaries)
		out.Iterations = iter + 1
	}

	if err := l.checkStop(); err != nil {
		out.Stopped = true
		fail(err)
		return
	}
	content, _, err := l.streamCall(ctx, l.request(input, msgs, false, "agent:stream:final"), emit)
	if err != nil {
		fail(err)
		return
	}
	finish(content)
}

// streamCall runs one streaming model call, re-emitting text deltas and
// collecting reconstructed tool calls.
func (l *Loop) streamCall(ctx context.Context, req *llm.Request, emit func(*Event) bool) (string, []models.ToolCall, error) {
	stream, err := l.client.ChatStream(ctx, req)
	if err != nil {
		return "", nil, err
	}
	var content strings.Builder
	var calls []models.ToolCall
	for chunk := range stream {
		if chunk.Err != nil {
			return content.String(), calls, chunk.Err
		}
		if chunk.Text != "" {
			content.WriteString(chunk.Text)
			if !emit(&Event{Text: chunk.Text}) {
				return content.String(), calls, ctx.Err()
			}
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
	}
	return content.String(), calls, nil
}

func (l *Loop) seed(input *RunInput, collections []string) []models.Message {
	msgs := make([]models.Message, 0, len(input.Messages)+1)
	msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: l.buildSystemPrompt(input, collections)})
	msgs = append(msgs, input.Messages...)
	return msgs
}

// userCollections resolves the RAG collections for this run's user. The
// lookup happens once per run so every iteration validates against the
// same set.
func (l *Loop) userCollections(ctx context.Context, username string) []string {
	if l.collections == nil {
		return nil
	}
	return l.collections.UserCollections(ctx, username)
}

// buildSystemPrompt assembles the cached base prompt with the RAG and
// attachment sections. The sections are rendered in a fixed order with
// deterministic formatting so the prompt bytes stay identical across turns
// and the backend can reuse its attention cache.
func (l *Loop) buildSystemPrompt(input *RunInput, collections []string) string {
	var b strings.Builder
	b.WriteString(l.prompts.System())

	if _, ok := l.registry.Get("rag"); ok {
		b.WriteString("\n\n## RAG COLLECTIONS\n")
		if len(collections) == 0 {
			b.WriteString("(none available)\n")
		} else {
			for _, c := range collections {
				b.WriteString("- " + c + "\n")
			}
		}
	}

	if len(input.Attachments) > 0 {
		b.WriteString("\n## ATTACHED FILES\n")
		for _, a := range input.Attachments {
			fmt.Fprintf(&b, "- %s (%s, %d bytes)", a.Name, a.Type, a.Size)
			if a.Details != "" {
				b.WriteString(": " + a.Details)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (l *Loop) request(input *RunInput, msgs []models.Message, withTools bool, tag string) *llm.Request {
	req := &llm.Request{
		Model:       input.Model,
		Temperature: input.Temperature,
		Messages:    msgs,
		SessionID:   input.SessionID,
		AgentTag:    tag,
	}
	if withTools {
		req.Tools = l.prompts.SchemasFor(input.EnabledTools)
	}
	return req
}

// dispatch runs one tool batch. results[i] always corresponds to calls[i];
// onDone, if set, is called from the worker goroutines as calls complete,
// in completion order.
func (l *Loop) dispatch(ctx context.Context, input *RunInput, collections []string, calls []models.ToolCall, onDone func(models.ToolEvent)) []*ExecutionResult {
	ctx = tools.WithUsername(ctx, input.Username)
	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		if rejected := l.precheck(call, input.EnabledTools, collections); rejected != nil {
			results[i] = &ExecutionResult{
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
				Result:     rejected,
			}
			if onDone != nil {
				onDone(models.ToolEvent{
					ToolCallID: call.ID,
					Name:       call.Function.Name,
					Stage:      models.ToolStageFailed,
					Content:    rejected.Error,
				})
			}
			continue
		}

		prepared := call
		if input.SessionID != "" {
			args := call.Args()
			args["session_id"] = input.SessionID
			prepared = call.WithArgs(args)
		}

		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			res := l.executor.Execute(ctx, tc)
			results[idx] = res
			if onDone != nil {
				ev := models.ToolEvent{
					ToolCallID: tc.ID,
					Name:       tc.Function.Name,
					Stage:      models.ToolStageCompleted,
					DurationMS: res.Duration.Milliseconds(),
				}
				if res.Error != nil || (res.Result != nil && !res.Result.Success) {
					ev.Stage = models.ToolStageFailed
				}
				onDone(ev)
			}
		}(i, prepared)
	}
	wg.Wait()
	return results
}

// precheck rejects calls to tools outside the request's enabled subset
// and rag calls naming an unknown collection, so the model gets the
// valid options back instead of burning an execution on a sure failure.
func (l *Loop) precheck(call models.ToolCall, enabled []string, collections []string) *tools.Result {
	name := call.Function.Name
	if len(enabled) > 0 {
		found := false
		for _, n := range enabled {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			return &tools.Result{
				Error:  fmt.Sprintf("tool %q is not enabled for this request", name),
				Fields: map[string]any{"enabled_tools": enabled},
			}
		}
	}

	if name != "rag" {
		return nil
	}
	collection, _ := call.Args()["collection_name"].(string)
	for _, c := range collections {
		if c == collection {
			return nil
		}
	}
	available := collections
	if available == nil {
		available = []string{}
	}
	return &tools.Result{
		Error:  fmt.Sprintf("unknown collection %q", collection),
		Fields: map[string]any{"available_collections": available},
	}
}

func (l *Loop) resultMessages(sessionID string, results []*ExecutionResult) []models.Message {
	msgs := ResultsToMessages(results)
	for i := range msgs {
		msgs[i].Content = l.compactor.Budget(sessionID, msgs[i].Name, msgs[i].Content)
	}
	return msgs
}

// compress summarizes tool results from iterations older than the hot
// tail. boundaries[k] is the message index where iteration k started.
func (l *Loop) compress(msgs []models.Message, boundaries []int) {
	cut := len(boundaries) - l.config.HotTailIterations
	if cut < 0 {
		return
	}
	CompressHotTail(msgs, boundaries[cut])
}

func (l *Loop) checkStop() error {
	if l.stop != nil && l.stop.IsSet() {
		return ErrStopped
	}
	return nil
}
