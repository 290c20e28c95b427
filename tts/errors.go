package tts

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyText is returned when the text to synthesize is empty.
	ErrEmptyText = errors.New("text is empty")

	// ErrRateLimited is returned when the provider rate limits requests.
	ErrRateLimited = errors.New("rate limited by provider")

	// ErrVoiceNotFound is returned when the requested voice doesn't exist.
	ErrVoiceNotFound = errors.New("voice not found")
)

// SynthesisError represents a provider failure during synthesis.
type SynthesisError struct {
	// Provider is the synthesis provider name.
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

// NewSynthesisError creates a new SynthesisError.
func NewSynthesisError(provider, code, message string, cause error, retryable bool) *SynthesisError {
	return &SynthesisError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}

// Error implements the error interface.
func (e *SynthesisError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s synthesis error [%s]: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s synthesis error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is.
func (e *SynthesisError) Is(target error) bool {
	if e.Cause != nil && errors.Is(e.Cause, target) {
		return true
	}
	t, ok := target.(*SynthesisError)
	if !ok {
		return false
	}
	return e.Provider == t.Provider && e.Code == t.Code
}
