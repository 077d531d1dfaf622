// Package api implements the REST adapter: HTTP routing, bearer-token
// authentication, request validation, task-backed execution, and
// Server-Sent Events streaming. Every non-2xx response carries a JSON
// body with a single "detail" field.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// WriteDetail writes an error response as `{"detail": …}`.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteDetail(w, http.StatusUnauthorized, detail)
}

// WriteForbidden writes a 403 response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteDetail(w, http.StatusForbidden, detail)
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusBadRequest, detail)
}

// WriteNotFound writes a 404 response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusNotFound, detail)
}

// WriteTooManyRequests writes a 429 response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	WriteDetail(w, http.StatusTooManyRequests, "Rate limit exceeded")
}

// WriteInternal writes a 500 response.
func WriteInternal(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "An unexpected error occurred"
	}
	WriteDetail(w, http.StatusInternalServerError, detail)
}

// WriteGatewayTimeout writes a 504 response.
func WriteGatewayTimeout(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusGatewayTimeout, detail)
}

// WriteJSON writes a 200 response with the given payload.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
