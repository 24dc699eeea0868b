package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/quillhq/quill/internal/auth"
	"github.com/quillhq/quill/internal/jobs"
	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/pkg/models"
)

const jobStreamPollInterval = 200 * time.Millisecond

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeValidation, "invalid request body")
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

	input, err := s.buildRunInput(ctx, sessionID, identity.Username, &req, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "history load failed")
		return
	}

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
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	list, err := s.jobs.List(identity.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "job listing failed")
		return
	}
	if list == nil {
		list = []models.JobSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// ownedJob loads a job and enforces that the caller owns it. Admins can
// see every job.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) *models.Job {
	job, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, errTypeNotFound, "job not found")
		} else {
			writeError(w, http.StatusInternalServerError, errTypeInternal, "job load failed")
		}
		return nil
	}
	identity := auth.IdentityFromContext(r.Context())
	if job.Username != identity.Username && !identity.IsAdmin() {
		writeError(w, http.StatusForbidden, errTypeForbidden, "access denied")
		return nil
	}
	return job
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job := s.ownedJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobStream tails a job over SSE, polling the document and emitting
// output chunks and tool events as they appear. The stream closes once the
// job reaches a terminal state.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	job := s.ownedJob(w, r)
	if job == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	chunksSent, eventsSent := 0, 0
	ticker := time.NewTicker(jobStreamPollInterval)
	defer ticker.Stop()

	for {
		for ; chunksSent < len(job.OutputChunks); chunksSent++ {
			send(map[string]any{"type": "output", "content": job.OutputChunks[chunksSent]})
		}
		for ; eventsSent < len(job.ToolEvents); eventsSent++ {
			send(map[string]any{"type": "tool_event", "event": job.ToolEvents[eventsSent]})
		}
		if job.Status.Terminal() {
			send(map[string]any{"type": "status", "status": job.Status, "error": job.Error})
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		fresh, err := s.jobs.Get(job.JobID)
		if err != nil {
			return
		}
		job = fresh
	}
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job := s.ownedJob(w, r)
	if job == nil {
		return
	}
	// Cancelling a finished job is a no-op that reports where it ended up.
	if job.Status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]any{"job_id": job.JobID, "status": job.Status})
		return
	}
	if err := s.runner.Cancel(job.JobID); err != nil {
		if errors.Is(err, jobs.ErrNotCancellable) {
			// Finished between the load and the cancel.
			if fresh, err := s.jobs.Get(job.JobID); err == nil {
				writeJSON(w, http.StatusOK, map[string]any{"job_id": fresh.JobID, "status": fresh.Status})
				return
			}
		}
		writeError(w, http.StatusInternalServerError, errTypeInternal, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.JobID, "status": "cancelling"})
}

// handleJobDelete removes a finished job. A job still in flight is
// cancelled instead; its record stays for inspection.
func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	job := s.ownedJob(w, r)
	if job == nil {
		return
	}
	if !job.Status.Terminal() {
		if err := s.runner.Cancel(job.JobID); err != nil && !errors.Is(err, jobs.ErrNotCancellable) {
			writeError(w, http.StatusInternalServerError, errTypeInternal, "cancel failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": job.JobID, "status": "cancelling"})
		return
	}
	if err := s.jobs.Delete(job.JobID); err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
