package models

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is a background agent run persisted as a JSON document.
type Job struct {
	JobID        string      `json:"job_id"`
	Username     string      `json:"username"`
	SessionID    string      `json:"session_id"`
	Status       JobStatus   `json:"status"`
	CreatedAt    string      `json:"created_at"`
	StartedAt    string      `json:"started_at,omitempty"`
	CompletedAt  string      `json:"completed_at,omitempty"`
	Model        string      `json:"model"`
	Temperature  float32     `json:"temperature"`
	EnabledTools []string    `json:"enabled_tools,omitempty"`
	Messages     []Message   `json:"messages"`
	OutputChunks []string    `json:"output_chunks"`
	ToolEvents   []ToolEvent `json:"tool_events"`
	Error        string      `json:"error,omitempty"`
}

// JobSummary is the listing form of a job: the accumulated output is
// replaced by its length to keep list responses small.
type JobSummary struct {
	JobID        string      `json:"job_id"`
	Username     string      `json:"username"`
	SessionID    string      `json:"session_id"`
	Status       JobStatus   `json:"status"`
	CreatedAt    string      `json:"created_at"`
	StartedAt    string      `json:"started_at,omitempty"`
	CompletedAt  string      `json:"completed_at,omitempty"`
	Model        string      `json:"model"`
	Temperature  float32     `json:"temperature"`
	ToolEvents   []ToolEvent `json:"tool_events"`
	Error        string      `json:"error,omitempty"`
	OutputLength int         `json:"output_length"`
}

// Summary converts a job to its listing form.
func (j *Job) Summary() JobSummary {
	total := 0
	for _, c := range j.OutputChunks {
		total += len(c)
	}
	return JobSummary{
		JobID:        j.JobID,
		Username:     j.Username,
		SessionID:    j.SessionID,
		Status:       j.Status,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		Model:        j.Model,
		Temperature:  j.Temperature,
		ToolEvents:   j.ToolEvents,
		Error:        j.Error,
		OutputLength: total,
	}
}
