// Package broadcast publishes typed call events to per-session channels.
//
// Delivery is at-least-once, best-effort: consumers must be idempotent, keyed
// by audio_id/request_id, to tolerate duplicate or out-of-order delivery.
package broadcast

import (
	"context"
	"time"
)

// Kind discriminates broadcast message types.
type Kind string

const (
	// KindStatusUpdate reports a session lifecycle status change.
	KindStatusUpdate Kind = "status_update"

	// KindResponse delivers an AI reply by reference (audio URL), used for
	// file-based background turns to keep realtime messages small.
	KindResponse Kind = "response"

	// KindAudio delivers an AI reply with inline base64 audio, used for small
	// synchronous chunks.
	KindAudio Kind = "audio"

	// KindInterruption tells the client to stop local playback immediately.
	KindInterruption Kind = "interruption"

	// KindCallEnded signals the call is over.
	KindCallEnded Kind = "call_ended"

	// KindProcessingError signals a turn failed. Permanent distinguishes
	// "gave up" from "will retry".
	KindProcessingError Kind = "processing_error"
)

// Message is the wire format published to a session's channel.
// Kind-specific fields are omitted when empty.
type Message struct {
	Type      Kind      `json:"type"`
	SessionID string    `json:"session_id"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`

	// status_update
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`

	// response / audio
	Transcript     string `json:"transcript,omitempty"`
	UserTranscript string `json:"user_transcript,omitempty"`
	AudioBase64    string `json:"audio_base64,omitempty"`
	AudioURL       string `json:"audio_url,omitempty"`
	AudioID        string `json:"audio_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	ShouldEndCall  bool   `json:"should_end_call,omitempty"`

	// interruption
	Action string `json:"action,omitempty"`

	// call_ended
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// processing_error
	Permanent bool `json:"permanent,omitempty"`
}

// Gateway publishes messages to a named channel.
type Gateway interface {
	Publish(ctx context.Context, channel string, msg *Message) error
}

func newMessage(kind Kind, sessionID, channel string) *Message {
	return &Message{
		Type:      kind,
		SessionID: sessionID,
		Channel:   channel,
		Timestamp: time.Now().UTC(),
	}
}

// NewStatusUpdate builds a status_update message.
func NewStatusUpdate(sessionID, channel, status, detail string) *Message {
	m := newMessage(KindStatusUpdate, sessionID, channel)
	m.Status = status
	m.Detail = detail
	return m
}

// NewResponse builds a reference-based response message for file-job results.
func NewResponse(sessionID, channel, audioURL, transcript, userTranscript, requestID, audioID string, shouldEnd bool) *Message {
	m := newMessage(KindResponse, sessionID, channel)
	m.AudioURL = audioURL
	m.Transcript = transcript
	m.UserTranscript = userTranscript
	m.RequestID = requestID
	m.AudioID = audioID
	m.ShouldEndCall = shouldEnd
	return m
}

// NewInlineAudio builds an inline audio message for small synchronous turns.
func NewInlineAudio(sessionID, channel, audioBase64, transcript, userTranscript, requestID, audioID string, shouldEnd bool) *Message {
	m := newMessage(KindAudio, sessionID, channel)
	m.AudioBase64 = audioBase64
	m.Transcript = transcript
	m.UserTranscript = userTranscript
	m.RequestID = requestID
	m.AudioID = audioID
	m.ShouldEndCall = shouldEnd
	return m
}

// NewInterruption builds an interruption message instructing the client to
// stop playback.
func NewInterruption(sessionID, channel string) *Message {
	m := newMessage(KindInterruption, sessionID, channel)
	m.Action = "stop_audio"
	m.Detail = "AI response interrupted by user input"
	return m
}

// NewCallEnded builds a call_ended message carrying the session duration.
func NewCallEnded(sessionID, channel, reason string, duration time.Duration) *Message {
	m := newMessage(KindCallEnded, sessionID, channel)
	m.Detail = reason
	m.DurationSeconds = duration.Seconds()
	return m
}

// NewProcessingError builds a processing_error message. permanent=true means
// no retry will follow and the client should stop waiting.
func NewProcessingError(sessionID, channel, detail string, permanent bool) *Message {
	m := newMessage(KindProcessingError, sessionID, channel)
	m.Detail = detail
	m.Permanent = permanent
	return m
}
