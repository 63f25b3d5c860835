// Package errors provides structured error types for the bot emulator.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrChatNotFound    = errors.New("chat not found")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrNoWebhook       = errors.New("no webhook configured")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnavailable     = errors.New("service unavailable")
)

// BotAPIError mirrors a failed Bot API response (ok=false).
type BotAPIError struct {
	Code        int
	Description string
	Err         error
}

func (e *BotAPIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bot api error %d: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("bot api error %d: %s", e.Code, e.Description)
}

func (e *BotAPIError) Unwrap() error { return e.Err }

// NewBotAPIError creates a Bot API error wrapping err.
func NewBotAPIError(code int, description string, err error) *BotAPIError {
	return &BotAPIError{Code: code, Description: description, Err: err}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
