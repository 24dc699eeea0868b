package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/internal/sessions"
	"github.com/quillhq/quill/pkg/models"
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

// ErrInvalidUsername is returned when a registration name fails validation.
var ErrInvalidUsername = errors.New("auth: username must be 3-32 characters of letters, digits, _, . or -")

// Service combines token issuance with the user table.
type Service struct {
	jwt    *JWTService
	db     *sessions.DB
	logger *observability.Logger
}

// NewService wires the auth service.
func NewService(jwt *JWTService, db *sessions.DB, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{jwt: jwt, db: db, logger: logger}
}

// Register creates a user and returns it with a fresh token.
func (s *Service) Register(ctx context.Context, username, password string) (*models.User, string, error) {
	if !usernameRe.MatchString(username) {
		return nil, "", ErrInvalidUsername
	}
	if username == models.GuestUsername {
		return nil, "", ErrInvalidUsername
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, "", err
	}
	if err := s.db.CreateUser(ctx, username, hash, models.RoleDefault); err != nil {
		return nil, "", err
	}
	user, err := s.db.GetUser(ctx, username)
	if err != nil {
		return nil, "", err
	}
	token, err := s.jwt.Generate(user)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info(ctx, "user registered", "username", username)
	return user, token, nil
}

// Login verifies credentials and returns the user with a fresh token.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, string, error) {
	user, err := s.db.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if !CheckPassword(user.PasswordHash, password) {
		return nil, "", ErrInvalidCredentials
	}
	token, err := s.jwt.Generate(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Validate resolves a bearer token to an identity.
func (s *Service) Validate(token string) (Identity, error) {
	return s.jwt.Validate(token)
}

// EnsureAdmin seeds the admin account on first startup. An existing admin
// user is left untouched.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	err = s.db.CreateUser(ctx, username, hash, models.RoleAdmin)
	if errors.Is(err, sessions.ErrExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("auth: seed admin: %w", err)
	}
	s.logger.Info(ctx, "admin account created", "username", username)
	return nil
}
