package domain

import "errors"

// Domain errors returned by stores, the worker, and the HTTP layer.

var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidURL indicates the submitted URL is not a recognizable video URL.
	ErrInvalidURL = errors.New("invalid video URL")

	// ErrInvalidTaskStatus indicates an unknown status string.
	ErrInvalidTaskStatus = errors.New("invalid task status")

	// ErrUnknownBackend indicates an unsupported db_type value.
	ErrUnknownBackend = errors.New("unknown database backend")

	// ErrBackendUnavailable indicates the selected backend is not configured
	// (missing credentials or connection settings).
	ErrBackendUnavailable = errors.New("database backend unavailable")

	// ErrRetryNotAllowed indicates a retry was requested for a task whose
	// status is not Failed.
	ErrRetryNotAllowed = errors.New("task status must be Failed to retry")

	// ErrLockHeld indicates the global processing lock is owned by another
	// worker and has not expired.
	ErrLockHeld = errors.New("processing lock held by another worker")

	// ErrStoreUnavailable indicates a transport-level store failure. Callers
	// treat it as fatal for the current call, not for the worker process.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvariantViolation indicates the store detected a constraint breach
	// (for example a claim update that matched an unexpected row count).
	ErrInvariantViolation = errors.New("store invariant violation")

	// ErrHistoryUnsupported indicates the selected backend does not keep
	// recent-view history.
	ErrHistoryUnsupported = errors.New("recent-view history not supported by this backend")
)
