package server

import (
	"encoding/json"
	"net/http"
)

// Error envelope types. Every error body is
// {"error": {"message": ..., "type": ...}}.
const (
	errTypeValidation  = "validation_error"
	errTypeNotFound    = "not_found"
	errTypeForbidden   = "access_denied"
	errTypeUnavailable = "service_unavailable"
	errTypeInternal    = "internal_error"
	errTypeConflict    = "conflict"
	errTypeAuth        = "authentication_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: errType}})
}
