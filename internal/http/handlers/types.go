// Package handlers provides the HTTP API handlers for vidveil.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// APIError is the wire shape of every error response:
// {"status":"error","detail":"..."}.
type APIError struct {
	Status string `json:"status"`
	Detail string `json:"detail"`

	httpStatus int
}

// Error implements the error interface.
func (e *APIError) Error() string { return e.Detail }

// GetStatus implements huma.StatusError.
func (e *APIError) GetStatus() int { return e.httpStatus }

// NewAPIError builds an APIError; it is installed as huma.NewError so Huma
// operations emit the same error shape as the raw routes.
func NewAPIError(status int, message string, errs ...error) huma.StatusError {
	detail := message
	for _, err := range errs {
		if err == nil {
			continue
		}
		if detail != "" {
			detail += ": "
		}
		detail += err.Error()
	}
	return &APIError{
		Status:     "error",
		Detail:     detail,
		httpStatus: status,
	}
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the error shape used across the API.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, &APIError{Status: "error", Detail: detail})
}
