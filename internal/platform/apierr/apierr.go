package apierr

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input. Nothing is
	// persisted when ingest fails validation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConflict marks operations rejected because of the resource's current
	// state, e.g. cancelling a job that is already processing.
	ErrConflict = errors.New("conflict")
	// ErrQueueFull is the retryable resource-exhaustion signal raised when a
	// queue's soft limit is hit. Callers should back off and retry.
	ErrQueueFull = errors.New("queue full")
)

// Status maps a service error to an HTTP status and a machine-readable code.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
