package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput is returned when there is no user text to respond to.
	ErrEmptyInput = errors.New("user text is empty")

	// ErrRateLimited is returned when the provider rate limits requests.
	ErrRateLimited = errors.New("rate limited by provider")

	// ErrContextTooLong is returned when the conversation exceeds the
	// model's context window.
	ErrContextTooLong = errors.New("conversation exceeds model context window")
)

// GenerationError represents a provider failure during reply generation.
type GenerationError struct {
	// Provider is the LLM provider name.
	Provider string

	// Code is the provider-specific error code.
	Code string

	// Message is a human-readable error message.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Retryable indicates whether the request can be retried.
	Retryable bool
}

// NewGenerationError creates a new GenerationError.
func NewGenerationError(provider, code, message string, cause error, retryable bool) *GenerationError {
	return &GenerationError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}

// Error implements the error interface.
func (e *GenerationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s generation error [%s]: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s generation error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *GenerationError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is.
func (e *GenerationError) Is(target error) bool {
	if e.Cause != nil && errors.Is(e.Cause, target) {
		return true
	}
	t, ok := target.(*GenerationError)
	if !ok {
		return false
	}
	return e.Provider == t.Provider && e.Code == t.Code
}
