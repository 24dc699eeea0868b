package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quillhq/quill/internal/agent"
	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/internal/sessions"
	"github.com/quillhq/quill/pkg/models"
)

// ErrNotCancellable is returned when a cancel hits a terminal job.
var ErrNotCancellable = errors.New("jobs: job is not cancellable")

// Runner executes pending jobs in background goroutines, streaming loop
// events into the job document as they arrive so pollers see progress
// without waiting for completion.
type Runner struct {
	store    *Store
	sessions *sessions.Store
	loop     *agent.Loop
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRunner creates a runner. sessions may be nil when job output should
// not be written back to conversation history.
func NewRunner(store *Store, sessionStore *sessions.Store, loop *agent.Loop, logger *observability.Logger, metrics *observability.Metrics) *Runner {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Runner{
		store:    store,
		sessions: sessionStore,
		loop:     loop,
		logger:   logger,
		metrics:  metrics,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start launches the job in a goroutine. The passed context scopes the
// whole run; cancellation via Cancel is layered on top of it.
func (r *Runner) Start(ctx context.Context, jobID string) {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[jobID] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.cancels, jobID)
			r.mu.Unlock()
		}()
		r.run(runCtx, jobID)
	}()
}

// Cancel stops a job. Pending jobs go straight to cancelled; running jobs
// get their context cancelled and finish as cancelled shortly after.
func (r *Runner) Cancel(jobID string) error {
	job, err := r.store.Get(jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.JobPending:
		_, err := r.store.Update(jobID, func(j *models.Job) error {
			if j.Status.Terminal() {
				return ErrNotCancellable
			}
			j.Status = models.JobCancelled
			j.CompletedAt = time.Now().Format(time.RFC3339)
			return nil
		})
		return err
	case models.JobRunning:
		r.mu.Lock()
		cancel, ok := r.cancels[jobID]
		r.mu.Unlock()
		if !ok {
			// Running on disk but not in this process: a crash left it
			// behind. Mark it cancelled directly.
			_, err := r.store.Update(jobID, func(j *models.Job) error {
				j.Status = models.JobCancelled
				j.CompletedAt = time.Now().Format(time.RFC3339)
				return nil
			})
			return err
		}
		cancel()
		return nil
	default:
		return ErrNotCancellable
	}
}

func (r *Runner) run(ctx context.Context, jobID string) {
	job, err := r.store.Update(jobID, func(j *models.Job) error {
		if j.Status != models.JobPending {
			return fmt.Errorf("jobs: job %s is %s, not pending", j.JobID, j.Status)
		}
		j.Status = models.JobRunning
		j.StartedAt = time.Now().Format(time.RFC3339)
		return nil
	})
	if err != nil {
		r.logger.Warn(ctx, "job start skipped", "job_id", jobID, "error", err.Error())
		return
	}
	if r.metrics != nil {
		r.metrics.JobsActive.Inc()
		defer r.metrics.JobsActive.Dec()
	}
	ctx = observability.WithSessionID(ctx, job.SessionID)
	r.logger.Info(ctx, "job started", "job_id", jobID, "session_id", job.SessionID, "username", job.Username)

	input := &agent.RunInput{
		SessionID:    job.SessionID,
		Username:     job.Username,
		Model:        job.Model,
		Temperature:  job.Temperature,
		Messages:     job.Messages,
		EnabledTools: job.EnabledTools,
	}

	var output *agent.RunOutput
	var runErr error
	for ev := range r.loop.RunStream(ctx, input) {
		switch {
		case ev.Err != nil:
			runErr = ev.Err
		case ev.Output != nil:
			output = ev.Output
		case ev.Tool != nil:
			tool := *ev.Tool
			r.store.Update(jobID, func(j *models.Job) error {
				j.ToolEvents = append(j.ToolEvents, tool)
				return nil
			})
		case ev.Text != "":
			text := ev.Text
			r.store.Update(jobID, func(j *models.Job) error {
				j.OutputChunks = append(j.OutputChunks, text)
				return nil
			})
		}
	}

	now := time.Now().Format(time.RFC3339)
	switch {
	case runErr != nil && (errors.Is(runErr, agent.ErrStopped) || errors.Is(runErr, context.Canceled)):
		r.store.Update(jobID, func(j *models.Job) error {
			j.Status = models.JobCancelled
			j.CompletedAt = now
			return nil
		})
		r.logger.Info(ctx, "job cancelled", "job_id", jobID)
	case runErr != nil:
		r.store.Update(jobID, func(j *models.Job) error {
			j.Status = models.JobFailed
			j.Error = runErr.Error()
			j.CompletedAt = now
			return nil
		})
		r.logger.Warn(ctx, "job failed", "job_id", jobID, "error", runErr.Error())
	default:
		r.store.Update(jobID, func(j *models.Job) error {
			j.Status = models.JobCompleted
			j.CompletedAt = now
			return nil
		})
		if r.sessions != nil && output != nil && job.SessionID != "" {
			if err := r.persistHistory(ctx, job, output); err != nil {
				r.logger.Warn(ctx, "job history write failed", "job_id", jobID, "error", err.Error())
			}
		}
		r.logger.Info(ctx, "job completed", "job_id", jobID, "iterations", fmt.Sprint(outputIterations(output)))
	}
}

func (r *Runner) persistHistory(ctx context.Context, job *models.Job, output *agent.RunOutput) error {
	history, err := r.sessions.History(ctx, job.SessionID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		history = job.Messages
	} else {
		history = append(history, lastUserMessage(job.Messages)...)
	}
	history = append(history, output.Messages...)
	return r.sessions.Save(ctx, job.SessionID, history)
}

// lastUserMessage returns the trailing user turn of the job input, which
// is the only part not already in the stored history.
func lastUserMessage(msgs []models.Message) []models.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i:]
		}
	}
	return nil
}

func outputIterations(output *agent.RunOutput) int {
	if output == nil {
		return 0
	}
	return output.Iterations
}
