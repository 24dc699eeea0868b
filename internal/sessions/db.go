// Package sessions persists chat state in two layers: lightweight metadata
// (users, session records) in SQLite, and the conversations themselves as
// human-readable JSON documents on disk.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/quillhq/quill/pkg/models"
)

var (
	// ErrNotFound is returned when a user or session does not exist.
	ErrNotFound = errors.New("sessions: not found")

	// ErrExists is returned when a unique constraint is violated.
	ErrExists = errors.New("sessions: already exists")
)

// MaxTitleLen caps session titles.
const MaxTitleLen = 120

// DB wraps the SQLite metadata store.
type DB struct {
	db *sql.DB
}

// OpenDB opens (and migrates) the metadata database at path.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open db: %w", err)
	}
	// SQLite allows a single writer; serialize access through one
	// connection instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT DEFAULT 'user',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			message_count INTEGER DEFAULT 0,
			FOREIGN KEY (username) REFERENCES users(username)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sessions: migrate: %w", err)
		}
	}

	// title column arrived later; add it to existing databases.
	rows, err := s.db.Query(`PRAGMA table_info(sessions)`)
	if err != nil {
		return fmt.Errorf("sessions: migrate: %w", err)
	}
	hasTitle := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("sessions: migrate: %w", err)
		}
		if name == "title" {
			hasTitle = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sessions: migrate: %w", err)
	}
	if !hasTitle {
		if _, err := s.db.Exec(`ALTER TABLE sessions ADD COLUMN title TEXT`); err != nil {
			return fmt.Errorf("sessions: migrate: %w", err)
		}
	}
	return nil
}

// CreateUser inserts a new user. Returns ErrExists if the username is taken.
func (s *DB) CreateUser(ctx context.Context, username, passwordHash, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)`,
		username, passwordHash, role)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrExists
		}
		return fmt.Errorf("sessions: create user: %w", err)
	}
	return nil
}

// GetUser fetches a user by username.
func (s *DB) GetUser(ctx context.Context, username string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`,
		username)
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get user: %w", err)
	}
	return &u, nil
}

// CreateSession inserts a session record.
func (s *DB) CreateSession(ctx context.Context, sessionID, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, username) VALUES (?, ?)`, sessionID, username)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrExists
		}
		return fmt.Errorf("sessions: create session: %w", err)
	}
	return nil
}

// GetSession fetches session metadata.
func (s *DB) GetSession(ctx context.Context, sessionID string) (*models.SessionMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at, message_count, COALESCE(title, '')
		 FROM sessions WHERE id = ?`, sessionID)
	var m models.SessionMeta
	if err := row.Scan(&m.ID, &m.Username, &m.CreatedAt, &m.MessageCount, &m.Title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get session: %w", err)
	}
	return &m, nil
}

// UpdateMessageCount sets the cached message count for a session.
func (s *DB) UpdateMessageCount(ctx context.Context, sessionID string, count int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET message_count = ? WHERE id = ?`, count, sessionID)
	if err != nil {
		return fmt.Errorf("sessions: update message count: %w", err)
	}
	return nil
}

// UpdateTitle sets the session title, clipped to MaxTitleLen.
func (s *DB) UpdateTitle(ctx context.Context, sessionID, title string) error {
	if len(title) > MaxTitleLen {
		title = title[:MaxTitleLen]
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ?`, title, sessionID)
	if err != nil {
		return fmt.Errorf("sessions: update title: %w", err)
	}
	return nil
}

// ListSessions returns all sessions for a user, newest first.
func (s *DB) ListSessions(ctx context.Context, username string) ([]models.SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, created_at, message_count, COALESCE(title, '')
		 FROM sessions WHERE username = ? ORDER BY created_at DESC`, username)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// SearchSessions matches sessions by title or ID substring for a user.
func (s *DB) SearchSessions(ctx context.Context, username, query string) ([]models.SessionMeta, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, created_at, message_count, COALESCE(title, '')
		 FROM sessions
		 WHERE username = ? AND (title LIKE ? OR id LIKE ?)
		 ORDER BY created_at DESC`, username, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("sessions: search: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// DeleteSession removes a session record.
func (s *DB) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return nil
}

func scanSessions(rows *sql.Rows) ([]models.SessionMeta, error) {
	var out []models.SessionMeta
	for rows.Next() {
		var m models.SessionMeta
		if err := rows.Scan(&m.ID, &m.Username, &m.CreatedAt, &m.MessageCount, &m.Title); err != nil {
			return nil, fmt.Errorf("sessions: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: scan: %w", err)
	}
	return out, nil
}
