package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/quillhq/quill/pkg/models"
)

const (
	// hotTailThreshold is the content length above which a prior
	// iteration's tool message gets summarized.
	hotTailThreshold = 200

	// summaryPreview is how many characters of the original result the
	// summary line keeps.
	summaryPreview = 100
)

// OverflowStore keeps the full text of truncated tool results on disk,
// one file per result under the session's directory, so a later tool call
// can fetch what the context no longer carries.
type OverflowStore struct {
	dir string
}

// NewOverflowStore creates a store rooted at dir.
func NewOverflowStore(dir string) *OverflowStore {
	return &OverflowStore{dir: dir}
}

type overflowDoc struct {
	ID      string `json:"id"`
	Tool    string `json:"tool"`
	Content string `json:"content"`
}

// Write stores the full content under a short random id and returns it.
func (o *OverflowStore) Write(sessionID, toolName, content string) (string, error) {
	id := uuid.NewString()[:8]
	dir := filepath.Join(o.dir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(overflowDoc{ID: id, Tool: toolName, Content: content}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644); err != nil {
		return "", err
	}
	return id, nil
}

// Read returns the stored content for an overflow id.
func (o *OverflowStore) Read(sessionID, id string) (string, error) {
	data, err := os.ReadFile(filepath.Join(o.dir, sessionID, id+".json"))
	if err != nil {
		return "", err
	}
	var doc overflowDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	return doc.Content, nil
}

// Compactor applies per-tool result budgets. Oversized results are cut to
// the budget with a trailing marker; when a session id is known the full
// text is spilled to the overflow store first.
type Compactor struct {
	budgets  map[string]int
	overflow *OverflowStore
}

// NewCompactor creates a compactor. overflow may be nil, in which case
// oversized results are truncated without being spilled.
func NewCompactor(budgets map[string]int, overflow *OverflowStore) *Compactor {
	return &Compactor{budgets: budgets, overflow: overflow}
}

func (c *Compactor) budget(tool string) int {
	if b, ok := c.budgets[tool]; ok {
		return b
	}
	if b, ok := c.budgets["default"]; ok {
		return b
	}
	return 0
}

// Budget returns content cut to the tool's budget. The overflow write is
// best effort: a failed spill never blocks the loop.
func (c *Compactor) Budget(sessionID, toolName, content string) string {
	limit := c.budget(toolName)
	if limit <= 0 || len(content) <= limit {
		return content
	}
	if sessionID != "" && c.overflow != nil {
		c.overflow.Write(sessionID, toolName, content)
	}
	return cutAtRune(content, limit) + fmt.Sprintf("...[truncated, %d chars total]", len(content))
}

// cutAtRune shortens s to at most limit bytes without splitting a UTF-8
// sequence.
func cutAtRune(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// CompressHotTail rewrites tool messages before boundary into one-line
// summaries, leaving later messages full-size. A summary is always shorter
// than the threshold, so repeated passes leave it alone.
func CompressHotTail(messages []models.Message, boundary int) {
	if boundary > len(messages) {
		boundary = len(messages)
	}
	for i := 0; i < boundary; i++ {
		m := &messages[i]
		if m.Role != models.RoleTool || len(m.Content) <= hotTailThreshold {
			continue
		}
		m.Content = summarizeResult(m.Name, m.Content)
	}
}

func summarizeResult(tool, content string) string {
	flat := strings.Join(strings.Fields(content), " ")
	flat = cutAtRune(flat, summaryPreview)
	if tool == "" {
		tool = "tool"
	}
	return fmt.Sprintf("[%s result — %s...]", tool, flat)
}
