package sessions

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quillhq/quill/internal/lockfile"
	"github.com/quillhq/quill/pkg/models"
)

const docLockTimeout = 10 * time.Second

// DocStore keeps conversations as pretty-printed JSON documents, one file
// per session. The format is deliberately human-readable; operators grep
// and hand-edit these files.
type DocStore struct {
	dir string
}

// conversationDoc is the on-disk shape of a conversation.
type conversationDoc struct {
	SessionID string           `json:"session_id"`
	UpdatedAt string           `json:"updated_at"`
	Messages  []models.Message `json:"messages"`
}

// NewDocStore creates a store rooted at dir.
func NewDocStore(dir string) (*DocStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DocStore{dir: dir}, nil
}

func (s *DocStore) docPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Save writes the full conversation for a session.
func (s *DocStore) Save(sessionID string, messages []models.Message) error {
	path := s.docPath(sessionID)
	doc := conversationDoc{
		SessionID: sessionID,
		UpdatedAt: time.Now().Format(time.RFC3339),
		Messages:  messages,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	return lockfile.WithLock(path+".lock", docLockTimeout, func() error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	})
}

// Load returns the conversation for a session, or ErrNotFound.
func (s *DocStore) Load(sessionID string) ([]models.Message, error) {
	path := s.docPath(sessionID)

	var messages []models.Message
	err := lockfile.WithLock(path+".lock", docLockTimeout, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var doc conversationDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		messages = doc.Messages
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return messages, nil
}

// Delete removes the conversation document. Missing documents are fine.
func (s *DocStore) Delete(sessionID string) error {
	err := os.Remove(s.docPath(sessionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	os.Remove(s.docPath(sessionID) + ".lock")
	return nil
}

// CleanupOlderThan removes conversation documents whose updated_at is
// before the cutoff. Unparseable documents are left alone. Returns the
// session IDs removed so callers can drop the matching metadata rows.
func (s *DocStore) CleanupOlderThan(cutoff time.Time) []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var removed []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var doc conversationDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		updated, err := time.Parse(time.RFC3339, doc.UpdatedAt)
		if err != nil {
			continue
		}
		if updated.Before(cutoff) {
			if os.Remove(path) == nil {
				os.Remove(path + ".lock")
				id := doc.SessionID
				if id == "" {
					id = strings.TrimSuffix(e.Name(), ".json")
				}
				removed = append(removed, id)
			}
		}
	}
	return removed
}
