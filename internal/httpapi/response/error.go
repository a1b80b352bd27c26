package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/clipsum/clipsum/internal/domain"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BadRequest sends a 400 Bad Request error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, "INVALID_REQUEST", message, http.StatusBadRequest)
}

// NotFound sends a 404 Not Found error.
func NotFound(w http.ResponseWriter, resource string) {
	Error(w, "NOT_FOUND", resource+" not found", http.StatusNotFound)
}

// Unauthorized sends a 401 Unauthorized error.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, "UNAUTHORIZED", message, http.StatusUnauthorized)
}

// Forbidden sends a 403 Forbidden error.
func Forbidden(w http.ResponseWriter, message string) {
	Error(w, "FORBIDDEN", message, http.StatusForbidden)
}

// Conflict sends a 409 Conflict error.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, "CONFLICT", message, http.StatusConflict)
}

// UnprocessableEntity sends a 422 error for well-formed but invalid input.
func UnprocessableEntity(w http.ResponseWriter, message string) {
	Error(w, "UNPROCESSABLE", message, http.StatusUnprocessableEntity)
}

// ServiceUnavailable sends a 503 Service Unavailable error.
func ServiceUnavailable(w http.ResponseWriter, message string) {
	Error(w, "SERVICE_UNAVAILABLE", message, http.StatusServiceUnavailable)
}

// InternalError sends a 500 Internal Server Error. The concrete error is
// logged server-side only; the client gets a generic message.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		slog.ErrorContext(r.Context(), "internal server error", "error", err)
	}
	Error(w, "INTERNAL_ERROR", "an internal error occurred", http.StatusInternalServerError)
}

// Error sends a generic error response.
func Error(w http.ResponseWriter, code, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// FromDomainError maps domain errors to HTTP responses.
func FromDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidURL):
		BadRequest(w, "Invalid YouTube URL.")
	case errors.Is(err, domain.ErrInvalidTaskStatus):
		BadRequest(w, "invalid task status")
	case errors.Is(err, domain.ErrHistoryUnsupported):
		BadRequest(w, "recent-view history is not supported by this backend")
	case errors.Is(err, domain.ErrBackendUnavailable):
		BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrUnknownBackend):
		UnprocessableEntity(w, "db_type must be one of 'sqlite', 'postgres' or 'notion'.")
	case errors.Is(err, domain.ErrTaskNotFound):
		NotFound(w, "task")
	case errors.Is(err, domain.ErrRetryNotAllowed):
		Conflict(w, "Task status must be Failed to retry.")
	case errors.Is(err, domain.ErrLockHeld):
		Conflict(w, "Processing already running.")
	case errors.Is(err, domain.ErrStoreUnavailable):
		InternalError(w, r, err)
	default:
		InternalError(w, r, err)
	}
}
