// Package jobs runs agent requests in the background. Each job is one
// JSON document on disk, updated incrementally as the run progresses, so
// a restart loses no completed work and operators can inspect jobs with
// nothing but cat.
package jobs

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quillhq/quill/internal/lockfile"
	"github.com/quillhq/quill/pkg/models"
)

var (
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("jobs: not found")
)

const jobLockTimeout = 10 * time.Second

// Store persists job documents under one directory.
type Store struct {
	dir string
}

// NewStore creates a job store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) jobPath(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

// Create persists a new pending job and returns it.
func (s *Store) Create(username, sessionID, model string, temperature float32, messages []models.Message, enabledTools []string) (*models.Job, error) {
	job := &models.Job{
		JobID:        uuid.NewString(),
		Username:     username,
		SessionID:    sessionID,
		Status:       models.JobPending,
		CreatedAt:    time.Now().Format(time.RFC3339),
		Model:        model,
		Temperature:  temperature,
		Messages:     messages,
		EnabledTools: enabledTools,
		OutputChunks: []string{},
		ToolEvents:   []models.ToolEvent{},
	}
	if err := s.write(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get loads a job document.
func (s *Store) Get(jobID string) (*models.Job, error) {
	path := s.jobPath(jobID)
	var job models.Job
	err := lockfile.WithLock(path+".lock", jobLockTimeout, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// Update applies fn to the job document under its lock and persists the
// result. fn sees the freshest on-disk state.
func (s *Store) Update(jobID string, fn func(*models.Job) error) (*models.Job, error) {
	path := s.jobPath(jobID)
	var job models.Job
	err := lockfile.WithLock(path+".lock", jobLockTimeout, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if err := fn(&job); err != nil {
			return err
		}
		return s.writeLocked(&job)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// List returns job summaries for a user, newest first.
func (s *Store) List(username string) ([]models.JobSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []models.JobSummary
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		job, err := s.Get(e.Name()[:len(e.Name())-len(".json")])
		if err != nil {
			continue
		}
		if job.Username != username {
			continue
		}
		out = append(out, job.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// Delete removes a job document and its lock file.
func (s *Store) Delete(jobID string) error {
	err := os.Remove(s.jobPath(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	os.Remove(s.jobPath(jobID) + ".lock")
	return err
}

// CleanupOlderThan removes job documents created before the cutoff.
// Returns the number removed.
func (s *Store) CleanupOlderThan(cutoff time.Time) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		created, err := time.Parse(time.RFC3339, job.CreatedAt)
		if err != nil {
			continue
		}
		if created.Before(cutoff) {
			if os.Remove(path) == nil {
				os.Remove(path[:len(path)-len(".json")] + ".json.lock")
				removed++
			}
		}
	}
	return removed
}

func (s *Store) write(job *models.Job) error {
	path := s.jobPath(job.JobID)
	return lockfile.WithLock(path+".lock", jobLockTimeout, func() error {
		return s.writeLocked(job)
	})
}

// writeLocked persists the job; caller must hold the job lock.
func (s *Store) writeLocked(job *models.Job) error {
	path := s.jobPath(job.JobID)
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
