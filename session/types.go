// Package session manages the lifecycle and persisted state of voice call
// sessions. A session is the root aggregate for one call: every pipeline
// stage, the playback state machine, and the job runner read and mutate call
// state through the Manager.
package session

import (
	"errors"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	// StatusInitializing is the state of a freshly created session.
	StatusInitializing Status = "initializing"
	// StatusConnecting means collaborator connections are being established.
	StatusConnecting Status = "connecting"
	// StatusConnected means the session is ready for audio.
	StatusConnected Status = "connected"
	// StatusConversationActive means at least one turn has run.
	StatusConversationActive Status = "conversation_active"
	// StatusEnded is terminal.
	StatusEnded Status = "ended"
	// StatusError is reachable from any pre-ended state.
	StatusError Status = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// MaxHistoryTurns caps conversation history length. Oldest turns are dropped
// first once the cap is exceeded.
const MaxHistoryTurns = 20

// Role identifies who produced a conversation turn.
type Role string

const (
	// RoleUser marks a transcribed caller utterance.
	RoleUser Role = "user"
	// RoleAssistant marks an AI reply.
	RoleAssistant Role = "assistant"
)

// Turn is one entry in the conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// AudioState tracks whether synthesized audio is currently playing on the
// client and how interruption is configured.
type AudioState struct {
	Playing            bool    `json:"playing"`
	CurrentAudioID     string  `json:"current_audio_id,omitempty"`
	Interrupted        bool    `json:"interrupted"`
	InterruptThreshold float64 `json:"interrupt_threshold_seconds"`
}

// RequestState guards the at-most-one-in-flight-turn invariant.
type RequestState struct {
	Processing       bool   `json:"processing"`
	CurrentRequestID string `json:"current_request_id,omitempty"`
}

// CallState tracks whether the call is live and whether it should end after
// the current audio finishes.
type CallState struct {
	Active    bool `json:"active"`
	ShouldEnd bool `json:"should_end"`
}

// Session is the persisted record of one voice call.
type Session struct {
	ID          string            `json:"session_id"`
	AgentID     string            `json:"agent_id"`
	ChannelName string            `json:"channel_name"`
	Variables   map[string]string `json:"variables,omitempty"`

	// Prompts are rendered once at creation with the call variables applied.
	ProcessedSystemPrompt string `json:"processed_system_prompt"`
	ProcessedGreeting     string `json:"processed_greeting_message"`

	VoiceID  string `json:"voice_id,omitempty"`
	Language string `json:"language,omitempty"`

	Status        Status `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`

	AudioState   AudioState   `json:"audio_state"`
	RequestState RequestState `json:"request_state"`
	CallState    CallState    `json:"call_state"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
}

// Duration returns how long the session has been (or was) live.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.CreatedAt)
	}
	return now.Sub(s.CreatedAt)
}

// ErrNotFound is returned when a session ID doesn't resolve.
var ErrNotFound = errors.New("session not found")

// ErrBusy is returned when a turn is requested while another turn is already
// processing for the same session.
var ErrBusy = errors.New("session already processing a request")

// ErrEnded is returned when an operation targets a terminated session.
var ErrEnded = errors.New("session has ended")
