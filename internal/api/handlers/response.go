// Package handlers implements the HTTP request handlers for the fleet API.
package handlers

import (
	"net/http"

	apierrors "github.com/basaltfleet/basalt/internal/api/errors"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteBadRequest writes a 400 Bad Request response.
func WriteBadRequest(w http.ResponseWriter, message string) {
	apierrors.WriteError(w, apierrors.NewValidationError(message))
}

// WriteNotFound writes a 404 Not Found response.
func WriteNotFound(w http.ResponseWriter, message string) {
	apierrors.WriteError(w, apierrors.NewNotFoundError(message))
}

// WriteConflict writes a 409 Conflict response.
func WriteConflict(w http.ResponseWriter, message string) {
	apierrors.WriteError(w, apierrors.NewConflictError(message))
}

// WriteInternalError writes a 500 Internal Server Error response.
func WriteInternalError(w http.ResponseWriter, message string) {
	apierrors.WriteError(w, apierrors.NewInternalError(message))
}
