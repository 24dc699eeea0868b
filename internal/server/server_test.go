package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quillhq/quill/internal/agent"
	"github.com/quillhq/quill/internal/auth"
	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/jobs"
	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/sessions"
	"github.com/quillhq/quill/internal/stopsignal"
	"github.com/quillhq/quill/internal/tools"
	"github.com/quillhq/quill/pkg/models"
)

// fakeBackend replays scripted responses for both the blocking and the
// streaming paths.
type fakeBackend struct {
	mu        sync.Mutex
	responses []*llm.Response

	// block, when set, holds every Chat call until closed or the request
	// context is cancelled.
	block chan struct{}
}

func (f *fakeBackend) next() *llm.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return &llm.Response{Content: "fallback answer", FinishReason: "stop"}
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp
}

func (f *fakeBackend) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.next(), nil
}

func (f *fakeBackend) ChatStream(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	resp := f.next()
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

func (f *fakeBackend) ListModels(ctx context.Context) ([]string, error) {
	return []string{"local-model"}, nil
}

func (f *fakeBackend) IsAvailable(ctx context.Context) bool { return true }

type fixture struct {
	handler  http.Handler
	srv      *Server
	cfg      *config.Config
	backend  *fakeBackend
	sessions *sessions.Store
	jobStore *jobs.Store
	auth     *auth.Service
	stop     *stopsignal.Signal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Data.Dir = t.TempDir()
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	db, err := sessions.OpenDB(cfg.DatabasePath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	docs, err := sessions.NewDocStore(cfg.SessionsDir())
	if err != nil {
		t.Fatal(err)
	}
	sessionStore := sessions.NewStore(db, docs, cfg.Agent.MaxConversationHistory)

	jobStore, err := jobs.NewStore(cfg.JobsDir())
	if err != nil {
		t.Fatal(err)
	}

	registry, err := tools.DefaultRegistry(cfg)
	if err != nil {
		t.Fatal(err)
	}

	backend := &fakeBackend{}
	stop := stopsignal.New(cfg.StopFilePath())
	compactor := agent.NewCompactor(cfg.Tools.ResultBudgets, agent.NewOverflowStore(cfg.ToolResultsDir()))
	prompts := agent.NewPromptCache("", registry)
	loop := agent.NewLoop(backend, registry, agent.NewExecutor(registry, nil, nil), compactor,
		prompts, stop, agent.CollectionList(cfg.Tools.RAGCollections), nil, nil, nil)

	authSvc := auth.NewService(auth.NewJWTService(cfg.Auth.JWTSecret, cfg.JWTExpiry()), db, nil)
	runner := jobs.NewRunner(jobStore, sessionStore, loop, nil, nil)

	srv := New(Options{
		Config:   cfg,
		Backend:  backend,
		Registry: registry,
		Loop:     loop,
		Prompts:  prompts,
		Sessions: sessionStore,
		Jobs:     jobStore,
		Runner:   runner,
		Auth:     authSvc,
		Stop:     stop,
	})

	return &fixture{
		handler:  srv.routes(),
		srv:      srv,
		cfg:      cfg,
		backend:  backend,
		sessions: sessionStore,
		jobStore: jobStore,
		auth:     authSvc,
		stop:     stop,
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, reader)
	r.Header.Set("Content-Type", "application/json")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	if err := f.auth.EnsureAdmin(context.Background(), "admin", "changeme"); err != nil {
		t.Fatal(err)
	}
	_, token, err := f.auth.Login(context.Background(), "admin", "changeme")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestChatCompletions(t *testing.T) {
	f := newFixture(t)
	f.backend.responses = []*llm.Response{{Content: "hello back", FinishReason: "stop"}}

	rec := f.do(t, http.MethodPost, "/v1/chat/completions", "", models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "say hello"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp models.ChatResponse
	decodeBody(t, rec, &resp)
	if resp.Object != "chat.completion" || len(resp.Choices) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Choices[0].Message.Content != "hello back" {
		t.Fatalf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.XSessionID == "" {
		t.Fatal("x_session_id missing")
	}
	if resp.Usage.TotalTokens == 0 {
		t.Fatal("usage estimate missing")
	}

	// The turn is persisted and titled after the first user message.
	history, err := f.sessions.History(context.Background(), resp.XSessionID)
	if err != nil || len(history) != 2 {
		t.Fatalf("history = %+v, %v", history, err)
	}
	meta, err := f.sessions.DB.GetSession(context.Background(), resp.XSessionID)
	if err != nil || meta.Title != "say hello" {
		t.Fatalf("meta = %+v, %v", meta, err)
	}
}

func TestChatCompletionsContinuesSession(t *testing.T) {
	f := newFixture(t)
	f.backend.responses = []*llm.Response{
		{Content: "first answer", FinishReason: "stop"},
		{Content: "second answer", FinishReason: "stop"},
	}

	rec := f.do(t, http.MethodPost, "/v1/chat/completions", "", models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "one"}},
	})
	var resp models.ChatResponse
	decodeBody(t, rec, &resp)

	rec = f.do(t, http.MethodPost, "/v1/chat/completions", "", models.ChatRequest{
		SessionID: resp.XSessionID,
		Messages:  []models.Message{{Role: models.RoleUser, Content: "two"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	history, _ := f.sessions.History(context.Background(), resp.XSessionID)
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[2].Content != "two" || history[3].Content != "second answer" {
		t.Fatalf("history = %+v", history)
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/chat/completions", "", models.ChatRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error.Type != errTypeValidation {
		t.Fatalf("error type = %q", envelope.Error.Type)
	}
}

func TestChatCompletionsStream(t *testing.T) {
	f := newFixture(t)
	f.backend.responses = []*llm.Response{{Content: "streamed reply", FinishReason: "stop"}}

	rec := f.do(t, http.MethodPost, "/v1/chat/completions", "", models.ChatRequest{
		Stream:   true,
		Messages: []models.Message{{Role: models.RoleUser, Content: "go"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("missing DONE terminator:\n%s", body)
	}

	var sawRole, sawContent, sawFinish bool
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		var chunk models.ChatChunk
		if err := json.Unmarshal([]byte(line[len("data: "):]), &chunk); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		if len(chunk.Choices) != 1 {
			t.Fatalf("frame choices = %+v", chunk.Choices)
		}
		choice := chunk.Choices[0]
		if choice.Delta.Role == models.RoleAssistant {
			sawRole = true
		}
		if strings.Contains(choice.Delta.Content, "streamed reply") {
			sawContent = true
		}
		if choice.FinishReason != nil && *choice.FinishReason == "stop" {
			sawFinish = true
		}
	}
	if !sawRole || !sawContent || !sawFinish {
		t.Fatalf("role=%v content=%v finish=%v:\n%s", sawRole, sawContent, sawFinish, body)
	}
}

func TestChatCompletionsMultipartUpload(t *testing.T) {
	f := newFixture(t)
	f.backend.responses = []*llm.Response{{Content: "got the file", FinishReason: "stop"}}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("messages", `[{"role":"user","content":"summarize the data"}]`)
	part, err := mw.CreateFormFile("files", "sales.csv")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(part, "region,amount\nnorth,100\nsouth,200\n")
	mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletionsBackground(t *testing.T) {
	f := newFixture(t)
	f.backend.responses = []*llm.Response{{Content: "done in background", FinishReason: "stop"}}

	rec := f.do(t, http.MethodPost, "/v1/chat/completions", "", models.ChatRequest{
		Background: true,
		Messages:   []models.Message{{Role: models.RoleUser, Content: "long task"}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		JobID     string `json:"job_id"`
		SessionID string `json:"session_id"`
	}
	decodeBody(t, rec, &accepted)
	if accepted.JobID == "" || accepted.SessionID == "" {
		t.Fatalf("accepted = %+v", accepted)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec := f.do(t, http.MethodGet, "/api/jobs/"+accepted.JobID, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("job get status = %d", rec.Code)
		}
		var job models.Job
		decodeBody(t, rec, &job)
		if job.Status.Terminal() {
			if job.Status != models.JobCompleted {
				t.Fatalf("job = %+v", job)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopSentinelRejectsInference(t *testing.T) {
	f := newFixture(t)
	if err := f.stop.Set(); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodPost, "/v1/chat/completions", "", models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "stopped by administrator") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestAdminStopEndpoints(t *testing.T) {
	f := newFixture(t)

	// Guests are rejected outright.
	rec := f.do(t, http.MethodPost, "/api/admin/stop-inference", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("guest status = %d", rec.Code)
	}

	token := f.adminToken(t)

	var status struct {
		Stopped bool `json:"stopped"`
	}
	rec = f.do(t, http.MethodGet, "/api/admin/stop-inference", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status read = %d, body = %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &status)
	if status.Stopped {
		t.Fatal("fresh server reports stopped")
	}

	rec = f.do(t, http.MethodPost, "/api/admin/stop-inference", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !f.stop.IsSet() {
		t.Fatal("stop flag not raised")
	}
	rec = f.do(t, http.MethodGet, "/api/admin/stop-inference", token, nil)
	decodeBody(t, rec, &status)
	if !status.Stopped {
		t.Fatal("status read should report stopped")
	}

	rec = f.do(t, http.MethodDelete, "/api/admin/stop-inference", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	if f.stop.IsSet() {
		t.Fatal("stop flag not cleared")
	}
	rec = f.do(t, http.MethodGet, "/api/admin/stop-inference", token, nil)
	decodeBody(t, rec, &status)
	if status.Stopped {
		t.Fatal("status read should report cleared")
	}
}

func TestAuthEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "password": "hunter22",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var reg struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &reg)
	if reg.Token == "" {
		t.Fatal("register returned no token")
	}

	rec = f.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "password": "other",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "hunter22",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/auth/me", reg.Token, nil)
	var me struct {
		Username string `json:"username"`
		Guest    bool   `json:"guest"`
	}
	decodeBody(t, rec, &me)
	if me.Username != "alice" || me.Guest {
		t.Fatalf("me = %+v", me)
	}

	rec = f.do(t, http.MethodGet, "/api/auth/me", "", nil)
	decodeBody(t, rec, &me)
	if me.Username != models.GuestUsername || !me.Guest {
		t.Fatalf("guest me = %+v", me)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)
	f.backend.responses = []*llm.Response{{Content: "reply", FinishReason: "stop"}}

	rec := f.do(t, http.MethodPost, "/v1/chat/completions", "", models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "the quarterly numbers"}},
	})
	var resp models.ChatResponse
	decodeBody(t, rec, &resp)
	id := resp.XSessionID

	rec = f.do(t, http.MethodGet, "/api/chat/sessions", "", nil)
	var list struct {
		Sessions []models.SessionMeta `json:"sessions"`
	}
	decodeBody(t, rec, &list)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != id {
		t.Fatalf("sessions = %+v", list.Sessions)
	}

	rec = f.do(t, http.MethodGet, "/api/chat/sessions?q=quarterly", "", nil)
	decodeBody(t, rec, &list)
	if len(list.Sessions) != 1 {
		t.Fatalf("search = %+v", list.Sessions)
	}
	rec = f.do(t, http.MethodGet, "/api/chat/sessions?q=nomatch", "", nil)
	decodeBody(t, rec, &list)
	if len(list.Sessions) != 0 {
		t.Fatalf("search should be empty: %+v", list.Sessions)
	}

	rec = f.do(t, http.MethodPatch, "/api/chat/sessions/"+id, "", map[string]string{"title": "renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var meta models.SessionMeta
	decodeBody(t, rec, &meta)
	if meta.Title != "renamed" {
		t.Fatalf("meta = %+v", meta)
	}

	rec = f.do(t, http.MethodGet, "/api/chat/history/"+id, "", nil)
	var history struct {
		SessionID string           `json:"session_id"`
		Messages  []models.Message `json:"messages"`
	}
	decodeBody(t, rec, &history)
	if history.SessionID != id || len(history.Messages) != 2 {
		t.Fatalf("history = %+v", history)
	}

	rec = f.do(t, http.MethodDelete, "/api/chat/sessions/"+id, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/chat/history/"+id, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("history after delete status = %d", rec.Code)
	}
}

func TestSessionOwnership(t *testing.T) {
	f := newFixture(t)
	f.backend.responses = []*llm.Response{{Content: "reply", FinishReason: "stop"}}

	// Guest creates a session; a registered user must not see it.
	rec := f.do(t, http.MethodPost, "/v1/chat/completions", "", models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "guest chat"}},
	})
	var resp models.ChatResponse
	decodeBody(t, rec, &resp)

	regRec := f.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "mallory", "password": "hunter22",
	})
	var reg struct {
		Token string `json:"token"`
	}
	decodeBody(t, regRec, &reg)

	rec = f.do(t, http.MethodGet, "/api/chat/history/"+resp.XSessionID, reg.Token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user history status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, "/api/chat/sessions/"+resp.XSessionID, reg.Token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user delete status = %d", rec.Code)
	}
}

func TestJobEndpoints(t *testing.T) {
	f := newFixture(t)
	f.backend.responses = []*llm.Response{{Content: "job output", FinishReason: "stop"}}

	rec := f.do(t, http.MethodPost, "/api/jobs", "", models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "crunch"}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, rec, &accepted)

	deadline := time.Now().Add(3 * time.Second)
	for {
		job, err := f.jobStore.Get(accepted.JobID)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = f.do(t, http.MethodGet, "/api/jobs", "", nil)
	var list struct {
		Jobs []models.JobSummary `json:"jobs"`
	}
	decodeBody(t, rec, &list)
	if len(list.Jobs) != 1 || list.Jobs[0].JobID != accepted.JobID {
		t.Fatalf("jobs = %+v", list.Jobs)
	}

	// Cancelling a finished job is a no-op reporting where it ended up.
	rec = f.do(t, http.MethodPost, "/api/jobs/"+accepted.JobID+"/cancel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var cancelled struct {
		JobID  string           `json:"job_id"`
		Status models.JobStatus `json:"status"`
	}
	decodeBody(t, rec, &cancelled)
	if cancelled.JobID != accepted.JobID || cancelled.Status != models.JobCompleted {
		t.Fatalf("cancel reply = %+v", cancelled)
	}

	rec = f.do(t, http.MethodDelete, "/api/jobs/"+accepted.JobID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/jobs/"+accepted.JobID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
}

func TestJobDeleteCancelsRunningJob(t *testing.T) {
	f := newFixture(t)
	f.backend.block = make(chan struct{})
	f.backend.responses = []*llm.Response{{Content: "never seen", FinishReason: "stop"}}

	rec := f.do(t, http.MethodPost, "/api/jobs", "", models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "slow work"}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d", rec.Code)
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, rec, &accepted)

	deadline := time.Now().Add(3 * time.Second)
	for {
		job, err := f.jobStore.Get(accepted.JobID)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status == models.JobRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never started running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Deleting an in-flight job cancels it and keeps the record.
	rec = f.do(t, http.MethodDelete, "/api/jobs/"+accepted.JobID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var reply struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &reply)
	if reply.Status != "cancelling" {
		t.Fatalf("status = %q, want cancelling", reply.Status)
	}

	for {
		job, err := f.jobStore.Get(accepted.JobID)
		if err != nil {
			t.Fatalf("record should survive the delete: %v", err)
		}
		if job.Status.Terminal() {
			if job.Status != models.JobCancelled {
				t.Fatalf("status = %s, want cancelled", job.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached cancelled")
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec = f.do(t, http.MethodGet, "/api/jobs/"+accepted.JobID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get after cancelling delete status = %d", rec.Code)
	}
}

func TestJobAccessByOtherUserForbidden(t *testing.T) {
	f := newFixture(t)
	f.backend.responses = []*llm.Response{{Content: "guest job", FinishReason: "stop"}}

	rec := f.do(t, http.MethodPost, "/api/jobs", "", models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "mine"}},
	})
	var accepted struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, rec, &accepted)

	regRec := f.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "mallory", "password": "hunter22",
	})
	var reg struct {
		Token string `json:"token"`
	}
	decodeBody(t, regRec, &reg)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/jobs/" + accepted.JobID},
		{http.MethodPost, "/api/jobs/" + accepted.JobID + "/cancel"},
		{http.MethodDelete, "/api/jobs/" + accepted.JobID},
	} {
		rec := f.do(t, tc.method, tc.path, reg.Token, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s status = %d, want 403", tc.method, tc.path, rec.Code)
		}
	}
}

func TestJobCarriesEnabledTools(t *testing.T) {
	f := newFixture(t)
	f.backend.responses = []*llm.Response{{Content: "done", FinishReason: "stop"}}

	rec := f.do(t, http.MethodPost, "/api/jobs", "", models.ChatRequest{
		Messages:     []models.Message{{Role: models.RoleUser, Content: "remember this"}},
		EnabledTools: []string{"memory", "file_reader"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d", rec.Code)
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, rec, &accepted)

	job, err := f.jobStore.Get(accepted.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if len(job.EnabledTools) != 2 || job.EnabledTools[0] != "memory" || job.EnabledTools[1] != "file_reader" {
		t.Fatalf("enabled tools = %v", job.EnabledTools)
	}
}

func TestModelsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list models.ModelList
	decodeBody(t, rec, &list)
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != "local-model" {
		t.Fatalf("models = %+v", list)
	}
}

func TestToolsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/tools", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Tools) != 8 {
		t.Fatalf("tool count = %d, want 8", len(resp.Tools))
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var health struct {
		Status  string `json:"status"`
		Backend struct {
			Available bool `json:"available"`
		} `json:"backend"`
		StopActive bool `json:"stop_active"`
	}
	decodeBody(t, rec, &health)
	if health.Status != "ok" || !health.Backend.Available || health.StopActive {
		t.Fatalf("health = %+v", health)
	}
}

func TestRootEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "endpoints") {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/definitely-not-a-route", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	r.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
