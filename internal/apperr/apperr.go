// Package apperr holds the error taxonomy shared by the registry, queue,
// session manager and API layer.
//
// Callers wrap these sentinels with fmt.Errorf("...: %w") and classify
// with errors.Is. HTTPStatus maps a classified error to a response code.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnreachable = errors.New("agent unreachable")
	ErrExpired     = errors.New("expired")
	ErrClosed      = errors.New("closed")
	ErrForbidden   = errors.New("forbidden")
	ErrTimeout     = errors.New("timed out waiting for agent response")
	ErrInvalid     = errors.New("invalid request")

	// ErrSessionUnavailable is what operators see for unknown, expired
	// and closed sessions alike.
	ErrSessionUnavailable = errors.New("session not found or expired")
)

// sessionError reports a specific cause while also matching
// ErrSessionUnavailable.
type sessionError struct {
	cause error
}

func (e *sessionError) Error() string {
	return ErrSessionUnavailable.Error()
}

func (e *sessionError) Unwrap() []error {
	return []error{ErrSessionUnavailable, e.cause}
}

// SessionUnavailable wraps cause (ErrExpired, ErrClosed or ErrNotFound)
// so both errors.Is(err, cause) and errors.Is(err, ErrSessionUnavailable)
// hold, while the message stays uniform.
func SessionUnavailable(cause error) error {
	return &sessionError{cause: cause}
}

// HTTPStatus maps err onto an HTTP status code. Unclassified errors are
// 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSessionUnavailable):
		return http.StatusNotFound
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrExpired), errors.Is(err, ErrClosed):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the operator can simply try again later.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}
