package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func TestStoreCreateAndGet(t *testing.T) {
	store := newTestStore(t)

	msgs := []models.Message{{Role: models.RoleUser, Content: "analyze this"}}
	job, err := store.Create("alice", "sess-1", "local-model", 0.7, msgs, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if job.JobID == "" || job.Status != models.JobPending {
		t.Fatalf("created job = %+v", job)
	}

	got, err := store.Get(job.JobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Username != "alice" || got.SessionID != "sess-1" || len(got.Messages) != 1 {
		t.Fatalf("loaded job = %+v", got)
	}
	if got.OutputChunks == nil || got.ToolEvents == nil {
		t.Fatal("chunk and event slices should round-trip as empty, not null")
	}
}

func TestStoreGetUnknown(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get("missing"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStoreUpdateAppliesUnderLock(t *testing.T) {
	store := newTestStore(t)
	job, _ := store.Create("alice", "sess-1", "m", 0, nil, nil)

	updated, err := store.Update(job.JobID, func(j *models.Job) error {
		j.Status = models.JobRunning
		j.OutputChunks = append(j.OutputChunks, "partial")
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Status != models.JobRunning {
		t.Fatalf("status = %s", updated.Status)
	}

	got, _ := store.Get(job.JobID)
	if len(got.OutputChunks) != 1 || got.OutputChunks[0] != "partial" {
		t.Fatalf("chunks = %v", got.OutputChunks)
	}
}

func TestStoreListPerUserNewestFirst(t *testing.T) {
	store := newTestStore(t)

	first, _ := store.Create("alice", "s1", "m", 0, nil, nil)
	// CreatedAt has second resolution; force distinct timestamps.
	store.Update(first.JobID, func(j *models.Job) error {
		j.CreatedAt = time.Now().Add(-time.Minute).Format(time.RFC3339)
		return nil
	})
	second, _ := store.Create("alice", "s2", "m", 0, nil, nil)
	store.Create("bob", "s3", "m", 0, nil, nil)

	list, err := store.List("alice")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	if list[0].JobID != second.JobID || list[1].JobID != first.JobID {
		t.Fatalf("order = [%s %s], want newest first", list[0].JobID, list[1].JobID)
	}
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	job, _ := store.Create("alice", "s1", "m", 0, nil, nil)

	if err := store.Delete(job.JobID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(job.JobID); err != ErrNotFound {
		t.Fatalf("Get() after delete error = %v", err)
	}
	if err := store.Delete(job.JobID); err != ErrNotFound {
		t.Fatalf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestStoreCleanupOlderThan(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)

	stale, _ := store.Create("alice", "s1", "m", 0, nil, nil)
	store.Update(stale.JobID, func(j *models.Job) error {
		j.CreatedAt = time.Now().AddDate(0, 0, -10).Format(time.RFC3339)
		return nil
	})
	fresh, _ := store.Create("alice", "s2", "m", 0, nil, nil)

	// Garbage files are skipped, never deleted.
	broken := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(broken, []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed := store.CleanupOlderThan(time.Now().AddDate(0, 0, -7))
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.Get(stale.JobID); err != ErrNotFound {
		t.Fatal("stale job should be gone")
	}
	if _, err := store.Get(fresh.JobID); err != nil {
		t.Fatalf("fresh job should survive: %v", err)
	}
	if _, err := os.Stat(broken); err != nil {
		t.Fatalf("broken file should survive: %v", err)
	}
}

func TestJobSummaryOutputLength(t *testing.T) {
	job := &models.Job{
		JobID:        "j1",
		OutputChunks: []string{"abc", "defgh"},
	}
	data, _ := json.Marshal(job.Summary())
	var sum models.JobSummary
	json.Unmarshal(data, &sum)
	if sum.OutputLength != 8 {
		t.Fatalf("OutputLength = %d, want 8", sum.OutputLength)
	}
}
