package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBotAPIError_Error(t *testing.T) {
	err := NewBotAPIError(400, "Bad Request: chat not found", nil)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "chat not found")
}

func TestBotAPIError_WithWrapped(t *testing.T) {
	err := NewBotAPIError(404, "Session not found", ErrSessionNotFound)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Contains(t, err.Error(), "session not found")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.True(t, IsRetryable(errors.Join(errors.New("database is locked"), ErrUnavailable)))

	assert.False(t, IsRetryable(NewBotAPIError(400, "bad request", nil)))
	assert.False(t, IsRetryable(NewBotAPIError(404, "Session not found", ErrSessionNotFound)))
	assert.False(t, IsRetryable(ErrSessionNotFound))
	assert.False(t, IsRetryable(ErrNoWebhook))
	assert.False(t, IsRetryable(nil))
}
