package sessions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillhq/quill/pkg/models"
)

// autoTitleLen caps titles derived from the first user message.
const autoTitleLen = 60

// Store combines the metadata database and the conversation documents
// behind one API and maintains the invariant that the cached
// message_count always matches the document length.
type Store struct {
	DB         *DB
	Docs       *DocStore
	maxHistory int
}

// NewStore creates the combined store. maxHistory bounds how many
// messages are retained per conversation (oldest dropped first, the
// system prompt never stored).
func NewStore(db *DB, docs *DocStore, maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = 50
	}
	return &Store{DB: db, Docs: docs, maxHistory: maxHistory}
}

// Ensure returns the session ID, creating the session record if needed.
// An empty ID allocates a new session.
func (s *Store) Ensure(ctx context.Context, sessionID, username string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	err := s.DB.CreateSession(ctx, sessionID, username)
	if err != nil && !errors.Is(err, ErrExists) {
		return "", err
	}
	return sessionID, nil
}

// History loads the stored conversation. A missing document is an empty
// history, not an error: sessions exist before their first turn.
func (s *Store) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	msgs, err := s.Docs.Load(sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return msgs, err
}

// Save persists the conversation and synchronizes the metadata count.
// Histories longer than the retention bound are trimmed from the front.
func (s *Store) Save(ctx context.Context, sessionID string, messages []models.Message) error {
	if len(messages) > s.maxHistory {
		messages = trimHistory(messages, s.maxHistory)
	}
	if err := s.Docs.Save(sessionID, messages); err != nil {
		return err
	}
	return s.DB.UpdateMessageCount(ctx, sessionID, len(messages))
}

// AutoTitle sets the session title from the first user message if no
// title exists yet.
func (s *Store) AutoTitle(ctx context.Context, sessionID, firstUserMessage string) error {
	meta, err := s.DB.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if meta.Title != "" {
		return nil
	}
	title := strings.TrimSpace(firstUserMessage)
	if title == "" {
		return nil
	}
	if len(title) > autoTitleLen {
		title = title[:autoTitleLen]
	}
	return s.DB.UpdateTitle(ctx, sessionID, title)
}

// Delete removes both the metadata record and the conversation document.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.Docs.Delete(sessionID); err != nil {
		return err
	}
	return s.DB.DeleteSession(ctx, sessionID)
}

// Cleanup removes conversations idle longer than ttlDays and their
// metadata rows. Returns the number of sessions removed.
func (s *Store) Cleanup(ctx context.Context, ttlDays int) int {
	if ttlDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -ttlDays)
	removed := s.Docs.CleanupOlderThan(cutoff)
	for _, id := range removed {
		// The document is already gone; a leftover row just means the
		// next cleanup tries again.
		_ = s.DB.DeleteSession(ctx, id)
	}
	return len(removed)
}

// trimHistory drops the oldest messages beyond the bound, taking care not
// to orphan tool messages: a tool result whose assistant tool_call was
// trimmed would make the backend reject the transcript.
func trimHistory(messages []models.Message, max int) []models.Message {
	start := len(messages) - max
	for start < len(messages) && messages[start].Role == models.RoleTool {
		start++
	}
	return messages[start:]
}
