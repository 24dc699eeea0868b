// Package auth issues and validates JWTs, hashes passwords, and provides
// the HTTP middleware that resolves a caller identity. Requests without
// credentials run as the shared guest user rather than being rejected.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quillhq/quill/pkg/models"
)

var (
	// ErrInvalidToken covers malformed, expired, and mis-signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrInvalidCredentials is returned on login failure.
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
)

// JWTService signs and verifies HS256 tokens.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWT helper with the given secret and expiry.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

// Claims is the token payload. The subject is the username.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the resolved caller of a request.
type Identity struct {
	Username string
	Role     string
}

// IsAdmin reports whether the identity may call admin endpoints.
func (id Identity) IsAdmin() bool {
	return id.Role == models.RoleAdmin
}

// Guest is the identity of unauthenticated requests.
func Guest() Identity {
	return Identity{Username: models.GuestUsername, Role: models.RoleDefault}
}

// Generate issues a signed token for the given user.
func (s *JWTService) Generate(user *models.User) (string, error) {
	if user == nil || strings.TrimSpace(user.Username) == "" {
		return "", errors.New("auth: username required")
	}
	claims := Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a token and returns the identity embedded in it.
func (s *JWTService) Validate(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	role := claims.Role
	if role == "" {
		role = models.RoleDefault
	}
	return Identity{Username: claims.Subject, Role: role}, nil
}
