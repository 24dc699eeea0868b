package auth

import (
	"net/http"
	"strings"
)

// Middleware resolves bearer tokens into request identities.
type Middleware struct {
	service *Service
}

// NewMiddleware wraps the service for HTTP use.
func NewMiddleware(service *Service) *Middleware {
	return &Middleware{service: service}
}

// Optional resolves the identity when a valid bearer token is present and
// falls back to guest otherwise. It never rejects a request.
func (m *Middleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Guest()
		if token := bearerToken(r); token != "" {
			if resolved, err := m.service.Validate(token); err == nil {
				id = resolved
			}
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireAdmin rejects requests whose identity is not an admin. Must run
// after Optional.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IdentityFromContext(r.Context()).IsAdmin() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"message":"admin access required","type":"forbidden"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("bearer "):])
}
