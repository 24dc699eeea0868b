package models

// SessionMeta is the lightweight session record kept in SQLite. The
// conversation itself lives in a JSON document on disk.
type SessionMeta struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Title        string `json:"title,omitempty"`
	CreatedAt    string `json:"created_at"`
	MessageCount int    `json:"message_count"`
}

// User is an account row. PasswordHash never leaves the server.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
	CreatedAt    string `json:"created_at"`
}

// User roles.
const (
	RoleAdmin   = "admin"
	RoleDefault = "user"
)

// GuestUsername is attributed to unauthenticated requests.
const GuestUsername = "guest"
