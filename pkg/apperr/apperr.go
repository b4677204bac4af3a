package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound means the referenced queue, song or vote no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState means the operation is illegal in the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict means a concurrent write invalidated an assumption; re-fetch, don't retry.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable means the store or transport is temporarily unreachable.
	ErrUnavailable = errors.New("unavailable")
	// ErrForbidden means the viewer is not allowed to perform the operation.
	ErrForbidden = errors.New("forbidden")
)

// Retryable reports whether err is worth retrying with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code is the short machine-readable name sent to clients alongside the message.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
