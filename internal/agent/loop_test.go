package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/stopsignal"
	"github.com/quillhq/quill/internal/tools"
	"github.com/quillhq/quill/pkg/models"
)

// fakeClient replays scripted responses and records every request.
type fakeClient struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []*llm.Request
}

func (f *fakeClient) next(req *llm.Request) *llm.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return &llm.Response{Content: "fallback", FinishReason: "stop"}
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp
}

func (f *fakeClient) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return f.next(req), nil
}

func (f *fakeClient) ChatStream(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	resp := f.next(req)
	ch := make(chan *llm.Chunk, len(resp.ToolCalls)+2)
	if resp.Content != "" {
		ch <- &llm.Chunk{Text: resp.Content}
	}
	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		ch <- &llm.Chunk{ToolCall: &tc}
	}
	ch <- &llm.Chunk{Done: true, FinishReason: resp.FinishReason}
	close(ch)
	return ch, nil
}

func (f *fakeClient) ListModels(ctx context.Context) ([]string, error) { return []string{"test"}, nil }
func (f *fakeClient) IsAvailable(ctx context.Context) bool             { return true }

func (f *fakeClient) recorded() []*llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*llm.Request{}, f.requests...)
}

func newTestLoop(t *testing.T, client llm.Client, cfg *LoopConfig, collections []string) (*Loop, *capturingTool) {
	t.Helper()
	captured := &capturingTool{name: "echo"}
	reg := testRegistry(t, captured)
	compactor := NewCompactor(map[string]int{"default": 5000}, NewOverflowStore(filepath.Join(t.TempDir(), "overflow")))
	prompts := NewPromptCache("", reg)
	loop := NewLoop(client, reg, NewExecutor(reg, nil, nil), compactor, prompts, nil, CollectionList(collections), cfg, nil, nil)
	return loop, captured
}

// capturingTool records the arguments it was executed with.
type capturingTool struct {
	mu   sync.Mutex
	name string
	args []map[string]any
}

func (c *capturingTool) Name() string        { return c.name }
func (c *capturingTool) Description() string { return "echoes its input" }

func (c *capturingTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"name": "echo",
		"description": "echoes its input",
		"parameters": {
			"type": "object",
			"properties": {
				"text": {"type": "string"},
				"session_id": {"type": "string"}
			},
			"required": []
		}
	}`)
}

func (c *capturingTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var args map[string]any
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.args = append(c.args, args)
	c.mu.Unlock()
	text, _ := args["text"].(string)
	return tools.Ok(map[string]any{"echo": "echo: " + text}), nil
}

func (c *capturingTool) seen() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any{}, c.args...)
}

func toolMessage(out *RunOutput, toolCallID string) (string, bool) {
	for _, m := range out.Messages {
		if m.Role == models.RoleTool && m.ToolCallID == toolCallID {
			return m.Content, true
		}
	}
	return "", false
}

func TestRunPlainAnswer(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		{Content: "the answer is 4", FinishReason: "stop"},
	}}
	loop, _ := newTestLoop(t, client, nil, nil)

	out, err := loop.Run(context.Background(), &RunInput{
		SessionID: "sess-1",
		Username:  "alice",
		Model:     "test",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "what is 2+2?"}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Content != "the answer is 4" {
		t.Fatalf("Content = %q", out.Content)
	}
	if out.Iterations != 0 {
		t.Fatalf("Iterations = %d, want 0", out.Iterations)
	}

	reqs := client.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(reqs))
	}
	if len(reqs[0].Tools) == 0 {
		t.Fatal("first call should offer tools")
	}
	if reqs[0].Messages[0].Role != models.RoleSystem {
		t.Fatal("first message must be the system prompt")
	}
}

func TestRunToolCallThenAnswer(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		{ToolCalls: []models.ToolCall{call("c1", "echo", `{"text":"hi"}`)}, FinishReason: "tool_calls"},
		{Content: "echoed", FinishReason: "stop"},
	}}
	loop, captured := newTestLoop(t, client, nil, nil)

	out, err := loop.Run(context.Background(), &RunInput{
		SessionID: "sess-7",
		Username:  "alice",
		Model:     "test",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "echo hi"}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Content != "echoed" || out.Iterations != 1 {
		t.Fatalf("out = %+v, want echoed after 1 iteration", out)
	}

	args := captured.seen()
	if len(args) != 1 {
		t.Fatalf("tool executed %d times, want 1", len(args))
	}
	if args[0]["session_id"] != "sess-7" {
		t.Fatalf("session_id not injected: %v", args[0])
	}

	toolMsg, ok := toolMessage(out, "c1")
	if !ok {
		t.Fatal("tool message missing from run output")
	}
	var env map[string]any
	if err := json.Unmarshal([]byte(toolMsg), &env); err != nil {
		t.Fatalf("tool message is not a JSON envelope: %v\n%s", err, toolMsg)
	}
	if env["success"] != true || env["echo"] != "echo: hi" {
		t.Fatalf("envelope = %v", env)
	}
}

func TestRunIterationCapForcesFinalCall(t *testing.T) {
	// The model never stops calling tools; the loop must cut it off.
	loopCalls := func() []models.ToolCall { return []models.ToolCall{call("c1", "echo", `{"text":"again"}`)} }
	client := &fakeClient{responses: []*llm.Response{
		{ToolCalls: loopCalls()},
		{ToolCalls: loopCalls()},
		{ToolCalls: loopCalls()},
		{Content: "forced summary", FinishReason: "stop"},
	}}
	loop, _ := newTestLoop(t, client, &LoopConfig{MaxIterations: 3, HotTailIterations: 1}, nil)

	out, err := loop.Run(context.Background(), &RunInput{
		SessionID: "sess-cap",
		Username:  "alice",
		Model:     "test",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "loop forever"}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Content != "forced summary" {
		t.Fatalf("Content = %q", out.Content)
	}
	if out.Iterations != 3 {
		t.Fatalf("Iterations = %d, want 3", out.Iterations)
	}

	reqs := client.recorded()
	if len(reqs) != 4 {
		t.Fatalf("model calls = %d, want 4", len(reqs))
	}
	final := reqs[len(reqs)-1]
	if len(final.Tools) != 0 {
		t.Fatal("final call must not offer tools")
	}
	if final.AgentTag != "agent:final" {
		t.Fatalf("final AgentTag = %q", final.AgentTag)
	}
}

func TestRunKeepsOnlyCurrentIterationFullSize(t *testing.T) {
	long := strings.Repeat("x", 300)
	client := &fakeClient{responses: []*llm.Response{
		{ToolCalls: []models.ToolCall{call("c1", "echo", `{"text":"`+long+`"}`)}},
		{ToolCalls: []models.ToolCall{call("c2", "echo", `{"text":"`+long+`"}`)}},
		{Content: "summed up", FinishReason: "stop"},
	}}
	loop, _ := newTestLoop(t, client, nil, nil)

	out, err := loop.Run(context.Background(), &RunInput{
		SessionID: "sess-tail",
		Username:  "alice",
		Model:     "test",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "dig twice"}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	first, ok := toolMessage(out, "c1")
	if !ok {
		t.Fatal("first tool message missing")
	}
	if !strings.HasPrefix(first, "[echo result —") {
		t.Fatalf("previous iteration not summarized: %q", first)
	}

	second, ok := toolMessage(out, "c2")
	if !ok {
		t.Fatal("second tool message missing")
	}
	var env map[string]any
	if err := json.Unmarshal([]byte(second), &env); err != nil {
		t.Fatalf("current iteration should keep the full envelope: %v\n%s", err, second)
	}
	if env["success"] != true {
		t.Fatalf("envelope = %v", env)
	}
}

func TestRunEnabledToolsRestrictsDispatch(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		{ToolCalls: []models.ToolCall{call("c1", "echo", `{"text":"hi"}`)}},
		{Content: "done", FinishReason: "stop"},
	}}
	loop, captured := newTestLoop(t, client, nil, nil)

	out, err := loop.Run(context.Background(), &RunInput{
		SessionID:    "sess-subset",
		Username:     "alice",
		Model:        "test",
		Messages:     []models.Message{{Role: models.RoleUser, Content: "echo hi"}},
		EnabledTools: []string{"memory"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(captured.seen()) != 0 {
		t.Fatal("a tool outside the enabled subset must not execute")
	}

	toolMsg, ok := toolMessage(out, "c1")
	if !ok {
		t.Fatal("rejection message missing")
	}
	var env map[string]any
	if err := json.Unmarshal([]byte(toolMsg), &env); err != nil {
		t.Fatalf("rejection is not a JSON envelope: %v", err)
	}
	errText, _ := env["error"].(string)
	if env["success"] != false || !strings.Contains(errText, "not enabled") {
		t.Fatalf("envelope = %v", env)
	}

	// The request's tool schemas are filtered to the enabled subset too.
	reqs := client.recorded()
	for _, schema := range reqs[0].Tools {
		if schema.Name == "echo" {
			t.Fatal("disabled tool offered to the model")
		}
	}
}

func TestRunStopSignal(t *testing.T) {
	stop := stopsignal.New(filepath.Join(t.TempDir(), "STOP"))
	if err := stop.Set(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	client := &fakeClient{}
	loop, _ := newTestLoop(t, client, nil, nil)
	loop.stop = stop

	out, err := loop.Run(context.Background(), &RunInput{
		SessionID: "sess-stop",
		Username:  "alice",
		Model:     "test",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	if err != ErrStopped {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}
	if !out.Stopped {
		t.Fatal("Stopped flag not set")
	}
	if len(client.recorded()) != 0 {
		t.Fatal("no model call should happen when stopped")
	}
}

func TestRagPrecheckRejectsUnknownCollection(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		{ToolCalls: []models.ToolCall{call("c1", "rag", `{"collection_name":"nope","query":"q"}`)}},
		{Content: "done", FinishReason: "stop"},
	}}
	loop, _ := newTestLoop(t, client, nil, []string{"docs", "wiki"})

	out, err := loop.Run(context.Background(), &RunInput{
		SessionID: "sess-rag",
		Username:  "alice",
		Model:     "test",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "look it up"}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	toolMsg, ok := toolMessage(out, "c1")
	if !ok {
		t.Fatal("rejection message missing")
	}
	var env struct {
		Success              bool     `json:"success"`
		Error                string   `json:"error"`
		AvailableCollections []string `json:"available_collections"`
	}
	if err := json.Unmarshal([]byte(toolMsg), &env); err != nil {
		t.Fatalf("rejection is not a JSON envelope: %v\n%s", err, toolMsg)
	}
	if env.Success {
		t.Fatal("unknown collection must fail")
	}
	if !strings.Contains(env.Error, `"nope"`) {
		t.Fatalf("error = %q, want the bad collection named", env.Error)
	}
	if len(env.AvailableCollections) != 2 || env.AvailableCollections[0] != "docs" || env.AvailableCollections[1] != "wiki" {
		t.Fatalf("available_collections = %v", env.AvailableCollections)
	}
}

func TestRunStreamEmitsEventsInOrder(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		{Content: "thinking", ToolCalls: []models.ToolCall{call("c1", "echo", `{"text":"x"}`)}},
		{Content: "final words", FinishReason: "stop"},
	}}
	loop, _ := newTestLoop(t, client, nil, nil)

	var texts []string
	var stages []string
	var output *RunOutput
	for ev := range loop.RunStream(context.Background(), &RunInput{
		SessionID: "sess-stream",
		Username:  "alice",
		Model:     "test",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "go"}},
	}) {
		switch {
		case ev.Err != nil:
			t.Fatalf("stream error: %v", ev.Err)
		case ev.Output != nil:
			output = ev.Output
		case ev.Tool != nil:
			stages = append(stages, ev.Tool.Stage)
		case ev.Text != "":
			texts = append(texts, ev.Text)
		}
	}

	if output == nil {
		t.Fatal("no output event")
	}
	if output.Content != "final words" {
		t.Fatalf("output content = %q", output.Content)
	}
	if strings.Join(texts, "|") != "thinking|final words" {
		t.Fatalf("texts = %v", texts)
	}
	if len(stages) != 2 || stages[0] != models.ToolStageStarted || stages[1] != models.ToolStageCompleted {
		t.Fatalf("stages = %v, want started then completed", stages)
	}

	reqs := client.recorded()
	if reqs[0].AgentTag != "agent:stream" {
		t.Fatalf("first stream AgentTag = %q", reqs[0].AgentTag)
	}
}

// staticSource records which username the loop asked collections for.
type staticSource struct {
	mu    sync.Mutex
	users []string
	list  []string
}

func (s *staticSource) UserCollections(_ context.Context, username string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, username)
	return s.list
}

func TestRunFetchesCollectionsPerUser(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		{ToolCalls: []models.ToolCall{call("c1", "rag", `{"collection_name":"private","query":"q"}`)}},
		{Content: "done", FinishReason: "stop"},
	}}
	loop, _ := newTestLoop(t, client, nil, nil)
	source := &staticSource{list: []string{"private"}}
	loop.collections = source

	out, err := loop.Run(context.Background(), &RunInput{
		SessionID: "sess-user",
		Username:  "bob",
		Model:     "test",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "search"}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	source.mu.Lock()
	users := append([]string{}, source.users...)
	source.mu.Unlock()
	if len(users) != 1 || users[0] != "bob" {
		t.Fatalf("collection lookups = %v, want one lookup for bob", users)
	}

	// "private" is in bob's collections, so the call reaches dispatch and
	// fails on the unreachable registry tool rather than the precheck.
	toolMsg, ok := toolMessage(out, "c1")
	if !ok {
		t.Fatal("tool message missing")
	}
	if strings.Contains(toolMsg, "unknown collection") {
		t.Fatalf("call rejected despite the collection being visible: %q", toolMsg)
	}
}

func TestBuildSystemPromptSections(t *testing.T) {
	client := &fakeClient{}
	loop, _ := newTestLoop(t, client, nil, []string{"docs"})

	prompt := loop.buildSystemPrompt(&RunInput{
		Attachments: []Attachment{
			{Name: "sales.csv", Type: "tabular", Size: 1024, Details: "12 rows, 4 columns"},
		},
	}, []string{"docs"})

	if strings.Contains(prompt, "## RAG COLLECTIONS") {
		t.Fatal("RAG section rendered without a registered rag tool")
	}
	if !strings.Contains(prompt, "## ATTACHED FILES") {
		t.Fatal("attachment section missing")
	}
	if !strings.Contains(prompt, "sales.csv (tabular, 1024 bytes): 12 rows, 4 columns") {
		t.Fatalf("attachment line malformed:\n%s", prompt)
	}
}
