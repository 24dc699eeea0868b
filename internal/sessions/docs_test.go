package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

func TestDocStoreRoundTrip(t *testing.T) {
	docs, err := NewDocStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDocStore() error = %v", err)
	}

	in := []models.Message{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi there"},
	}
	if err := docs.Save("s1", in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	out, err := docs.Load("s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(out) != 2 || out[0].Content != "hello" || out[1].Role != models.RoleAssistant {
		t.Fatalf("loaded = %+v", out)
	}
}

func TestDocStoreLoadMissing(t *testing.T) {
	docs, _ := NewDocStore(t.TempDir())
	if _, err := docs.Load("nope"); err != ErrNotFound {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestDocStoreDeleteMissingIsFine(t *testing.T) {
	docs, _ := NewDocStore(t.TempDir())
	if err := docs.Delete("nope"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func TestDocStoreDocumentIsReadableJSON(t *testing.T) {
	dir := t.TempDir()
	docs, _ := NewDocStore(dir)
	docs.Save("s1", []models.Message{{Role: models.RoleUser, Content: "x"}})

	data, err := os.ReadFile(filepath.Join(dir, "s1.json"))
	if err != nil {
		t.Fatalf("reading doc: %v", err)
	}
	var doc struct {
		SessionID string `json:"session_id"`
		UpdatedAt string `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal doc: %v", err)
	}
	if doc.SessionID != "s1" {
		t.Fatalf("session_id = %q", doc.SessionID)
	}
	if _, err := time.Parse(time.RFC3339, doc.UpdatedAt); err != nil {
		t.Fatalf("updated_at %q not RFC3339: %v", doc.UpdatedAt, err)
	}
}

func TestDocStoreCleanupOlderThan(t *testing.T) {
	dir := t.TempDir()
	docs, _ := NewDocStore(dir)

	docs.Save("fresh", []models.Message{{Role: models.RoleUser, Content: "x"}})
	docs.Save("stale", []models.Message{{Role: models.RoleUser, Content: "y"}})

	// Age the stale document by rewriting its timestamp.
	stalePath := filepath.Join(dir, "stale.json")
	data, _ := os.ReadFile(stalePath)
	var doc map[string]any
	json.Unmarshal(data, &doc)
	doc["updated_at"] = time.Now().AddDate(0, 0, -60).Format(time.RFC3339)
	aged, _ := json.MarshalIndent(doc, "", "  ")
	if err := os.WriteFile(stalePath, aged, 0o644); err != nil {
		t.Fatal(err)
	}

	// A document with garbage in it must be left alone.
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed := docs.CleanupOlderThan(time.Now().AddDate(0, 0, -30))
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("removed = %v, want [stale]", removed)
	}
	if _, err := docs.Load("stale"); err != ErrNotFound {
		t.Fatal("stale doc should be gone")
	}
	if _, err := docs.Load("fresh"); err != nil {
		t.Fatalf("fresh doc should survive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "broken.json")); err != nil {
		t.Fatalf("broken doc should survive: %v", err)
	}
}
