// Package llm generates AI replies from conversation context.
package llm

import (
	"context"
)

// Role identifies a chat message author.
type Role string

const (
	// RoleSystem carries the agent's system prompt.
	RoleSystem Role = "system"
	// RoleUser carries transcribed caller speech.
	RoleUser Role = "user"
	// RoleAssistant carries prior AI replies.
	RoleAssistant Role = "assistant"
)

// Message is one chat message sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the input for one reply generation.
type Request struct {
	// SystemPrompt is the rendered agent prompt. Prepended as the system
	// message.
	SystemPrompt string

	// History is the prior conversation, oldest first.
	History []Message

	// UserText is the caller's latest transcribed utterance.
	UserText string

	// Model overrides the provider default model.
	Model string

	// MaxTokens caps the reply length. Zero means the service default.
	MaxTokens int

	// Temperature controls sampling. Zero means the service default.
	Temperature float64
}

// Reply is a generated response.
type Reply struct {
	// Text is what the AI says next.
	Text string

	// EndCall is true when the model decided the conversation is complete
	// and the call should end after this reply plays.
	EndCall bool
}

// Service generates conversation replies.
type Service interface {
	// Name returns the provider identifier for logging.
	Name() string

	// Generate produces the next reply for the conversation.
	Generate(ctx context.Context, req Request) (*Reply, error)
}
