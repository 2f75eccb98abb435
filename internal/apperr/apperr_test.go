package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"not found", fmt.Errorf("node abc: %w", ErrNotFound), http.StatusNotFound},
		{"conflict", fmt.Errorf("command xyz: %w", ErrConflict), http.StatusConflict},
		{"unreachable", fmt.Errorf("node abc: %w", ErrUnreachable), http.StatusServiceUnavailable},
		{"forbidden", ErrForbidden, http.StatusForbidden},
		{"timeout", fmt.Errorf("list: %w", ErrTimeout), http.StatusGatewayTimeout},
		{"invalid", fmt.Errorf("ttl: %w", ErrInvalid), http.StatusBadRequest},
		{"expired session", SessionUnavailable(ErrExpired), http.StatusNotFound},
		{"closed session", SessionUnavailable(ErrClosed), http.StatusNotFound},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestSessionUnavailable_MatchesCauseAndUniformMessage(t *testing.T) {
	expired := fmt.Errorf("read: %w", SessionUnavailable(ErrExpired))
	closed := SessionUnavailable(ErrClosed)

	assert.ErrorIs(t, expired, ErrExpired)
	assert.ErrorIs(t, expired, ErrSessionUnavailable)
	assert.NotErrorIs(t, expired, ErrClosed)

	assert.ErrorIs(t, closed, ErrClosed)
	assert.ErrorIs(t, closed, ErrSessionUnavailable)

	assert.Equal(t, "session not found or expired", closed.Error())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("x: %w", ErrUnreachable)))
	assert.True(t, Retryable(ErrTimeout))
	assert.False(t, Retryable(ErrConflict))
	assert.False(t, Retryable(SessionUnavailable(ErrExpired)))
}
