package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillhq/quill/internal/agent"
	"github.com/quillhq/quill/internal/auth"
	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/pkg/models"
)

const maxUploadBytes = 50 << 20

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, attachments, err := s.parseChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeValidation, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, errTypeValidation, "messages must not be empty")
		return
	}

	identity := auth.IdentityFromContext(r.Context())
	ctx := observability.WithUsername(r.Context(), identity.Username)

	sessionID, err := s.sessions.Ensure(ctx, req.SessionID, identity.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "session setup failed")
		return
	}
	ctx = observability.WithSessionID(ctx, sessionID)

	input, err := s.buildRunInput(ctx, sessionID, identity.Username, req, attachments)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "history load failed")
		return
	}

	if req.Background {
		job, err := s.jobs.Create(identity.Username, sessionID, input.Model, input.Temperature, input.Messages, input.EnabledTools)
		if err != nil {
			writeError(w, http.StatusInternalServerError, errTypeInternal, "job creation failed")
			return
		}
		s.runner.Start(context.WithoutCancel(ctx), job.JobID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":     job.JobID,
			"session_id": sessionID,
			"status":     job.Status,
		})
		return
	}

	if req.Stream {
		s.streamCompletion(ctx, w, input)
		return
	}

	output, err := s.loop.Run(ctx, input)
	if err != nil {
		if errors.Is(err, agent.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, errTypeUnavailable, "inference stopped by administrator")
			return
		}
		s.logger.Error(ctx, "agent run failed", "error", err.Error())
		writeError(w, http.StatusServiceUnavailable, errTypeUnavailable, "inference backend error")
		return
	}

	s.persistRun(ctx, sessionID, input, output)

	writeJSON(w, http.StatusOK, models.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   input.Model,
		Choices: []models.ChatChoice{{
			Message:      models.Message{Role: models.RoleAssistant, Content: output.Content},
			FinishReason: "stop",
		}},
		Usage:      estimateUsage(input.Messages, output.Content),
		XSessionID: sessionID,
	})
}

func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, input *agent.RunInput) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	chunkID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	send := func(choice models.ChunkChoice) {
		data, err := json.Marshal(models.ChatChunk{
			ID:         chunkID,
			Object:     "chat.completion.chunk",
			Created:    created,
			Model:      input.Model,
			Choices:    []models.ChunkChoice{choice},
			XSessionID: input.SessionID,
		})
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	send(models.ChunkChoice{Delta: models.Delta{Role: models.RoleAssistant}})

	var output *agent.RunOutput
	for ev := range s.loop.RunStream(ctx, input) {
		switch {
		case ev.Err != nil:
			msg := "inference backend error"
			if errors.Is(ev.Err, agent.ErrStopped) {
				msg = "inference stopped by administrator"
			}
			send(models.ChunkChoice{Delta: models.Delta{Content: "\n[" + msg + "]"}})
		case ev.Output != nil:
			output = ev.Output
		case ev.Tool != nil:
			status := "running"
			switch ev.Tool.Stage {
			case models.ToolStageCompleted:
				status = "done"
			case models.ToolStageFailed:
				status = "error"
			}
			send(models.ChunkChoice{Delta: models.Delta{
				ToolStatus: &models.ToolStatus{Name: ev.Tool.Name, Status: status},
			}})
		case ev.Text != "":
			send(models.ChunkChoice{Delta: models.Delta{Content: ev.Text}})
		}
	}

	if output != nil {
		s.persistRun(ctx, input.SessionID, input, output)
	}

	finish := "stop"
	send(models.ChunkChoice{Delta: models.Delta{}, FinishReason: &finish})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// buildRunInput merges stored history with the incoming turn. A fresh
// session uses the supplied messages as-is; an existing session keeps its
// stored history and takes only the trailing user turn from the request.
func (s *Server) buildRunInput(ctx context.Context, sessionID, username string, req *models.ChatRequest, attachments []agent.Attachment) (*agent.RunInput, error) {
	history, err := s.sessions.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs := req.Messages
	if len(history) > 0 {
		msgs = append(history, trailingUserTurn(req.Messages)...)
	}

	model := req.Model
	if model == "" {
		model = s.config.Backend.DefaultModel
	}
	temperature := s.config.Backend.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	return &agent.RunInput{
		SessionID:    sessionID,
		Username:     username,
		Model:        model,
		Temperature:  temperature,
		Messages:     msgs,
		Attachments:  attachments,
		EnabledTools: req.EnabledTools,
	}, nil
}

func (s *Server) persistRun(ctx context.Context, sessionID string, input *agent.RunInput, output *agent.RunOutput) {
	history := append(input.Messages, output.Messages...)
	if err := s.sessions.Save(ctx, sessionID, history); err != nil {
		s.logger.Warn(ctx, "history save failed", "session_id", sessionID, "error", err.Error())
	}
	if first := firstUserContent(input.Messages); first != "" {
		if err := s.sessions.AutoTitle(ctx, sessionID, first); err != nil {
			s.logger.Warn(ctx, "auto title failed", "session_id", sessionID, "error", err.Error())
		}
	}
}

// parseChatRequest accepts either a JSON body or a multipart form whose
// "messages" field is a JSON message array and whose "files" parts become
// uploads.
func (s *Server) parseChatRequest(r *http.Request) (*models.ChatRequest, []agent.Attachment, error) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		var req models.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, nil, fmt.Errorf("invalid request body: %w", err)
		}
		return &req, nil, nil
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, nil, fmt.Errorf("invalid multipart form: %w", err)
	}
	var req models.ChatRequest
	if raw := r.FormValue("messages"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Messages); err != nil {
			return nil, nil, fmt.Errorf("invalid messages field: %w", err)
		}
	}
	req.Model = r.FormValue("model")
	req.SessionID = r.FormValue("session_id")
	req.Stream = r.FormValue("stream") == "true"
	req.Background = r.FormValue("background") == "true"
	if raw := r.FormValue("enabled_tools"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.EnabledTools); err != nil {
			return nil, nil, fmt.Errorf("invalid enabled_tools field: %w", err)
		}
	}
	if raw := r.FormValue("temperature"); raw != "" {
		if t, err := strconv.ParseFloat(raw, 32); err == nil {
			temp := float32(t)
			req.Temperature = &temp
		}
	}

	identity := auth.IdentityFromContext(r.Context())
	attachments := s.saveUploads(r, identity.Username)
	return &req, attachments, nil
}

func trailingUserTurn(msgs []models.Message) []models.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i:]
		}
	}
	return nil
}

func firstUserContent(msgs []models.Message) string {
	for _, m := range msgs {
		if m.Role == models.RoleUser && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return ""
}

// estimateUsage mirrors the word-based token estimate used in the prompt
// log; the backend does not report usage for tool-calling conversations.
func estimateUsage(prompt []models.Message, completion string) models.Usage {
	promptWords := 0
	for _, m := range prompt {
		promptWords += len(strings.Fields(m.Content))
	}
	completionTokens := int(float64(len(strings.Fields(completion))) * 1.3)
	promptTokens := int(float64(promptWords) * 1.3)
	return models.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}
