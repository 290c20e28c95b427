// Package playback tracks client-side audio playback and arbitrates
// barge-in: user speech long enough to matter stops AI playback, short
// noises don't.
package playback

import (
	"context"
	"fmt"

	"github.com/voxflow/voxflow/broadcast"
	"github.com/voxflow/voxflow/logger"
	"github.com/voxflow/voxflow/session"
)

// Controller mutates a session's audio state in response to playback events
// from the client and speech activity from the pipeline.
type Controller struct {
	sessions *session.Manager
	gateway  broadcast.Gateway
}

// NewController creates a playback controller.
func NewController(sessions *session.Manager, gateway broadcast.Gateway) *Controller {
	return &Controller{sessions: sessions, gateway: gateway}
}

// MarkPlaying records that the client started playing the given audio. Any
// previous interruption flag is cleared; a new utterance supersedes it.
func (c *Controller) MarkPlaying(ctx context.Context, sessionID, audioID string) error {
	_, err := c.sessions.Update(ctx, sessionID, func(s *session.Session) {
		s.AudioState.Playing = true
		s.AudioState.CurrentAudioID = audioID
		s.AudioState.Interrupted = false
	})
	if err != nil {
		return fmt.Errorf("failed to mark audio playing: %w", err)
	}
	return nil
}

// Complete records that the client finished playing audioID. Completions for
// audio that is no longer current (superseded by a newer utterance or an
// interruption) are ignored, so late events can't corrupt state.
//
// If the call was marked to end after this audio, the session is terminated.
func (c *Controller) Complete(ctx context.Context, sessionID, audioID string) error {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.AudioState.CurrentAudioID != audioID {
		logger.Debug("stale playback completion ignored",
			"session_id", sessionID,
			"audio_id", audioID,
			"current_audio_id", sess.AudioState.CurrentAudioID,
		)
		return nil
	}

	shouldEnd := sess.CallState.ShouldEnd

	_, err = c.sessions.Update(ctx, sessionID, func(s *session.Session) {
		if s.AudioState.CurrentAudioID != audioID {
			return
		}
		s.AudioState.Playing = false
		s.AudioState.CurrentAudioID = ""
	})
	if err != nil {
		return fmt.Errorf("failed to record playback completion: %w", err)
	}

	if shouldEnd {
		return c.sessions.End(ctx, sessionID, "assistant_ended")
	}
	return nil
}

// Interrupt evaluates barge-in for user speech of the given duration in
// seconds. Speech shorter than the session's threshold, or arriving while
// nothing is playing, is ignored. Returns true when playback was stopped.
func (c *Controller) Interrupt(ctx context.Context, sessionID string, speechSeconds float64) (bool, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}

	if !sess.AudioState.Playing {
		return false, nil
	}
	if speechSeconds < sess.AudioState.InterruptThreshold {
		logger.Debug("speech below interrupt threshold",
			"session_id", sessionID,
			"speech_seconds", speechSeconds,
			"threshold", sess.AudioState.InterruptThreshold,
		)
		return false, nil
	}

	updated, err := c.sessions.Update(ctx, sessionID, func(s *session.Session) {
		s.AudioState.Playing = false
		s.AudioState.CurrentAudioID = ""
		s.AudioState.Interrupted = true

		// Logically cancel any in-flight turn. The provider call is not
		// aborted, but with the request ID cleared its result can never be
		// broadcast.
		s.RequestState.Processing = false
		s.RequestState.CurrentRequestID = ""
	})
	if err != nil {
		return false, fmt.Errorf("failed to record interruption: %w", err)
	}

	msg := broadcast.NewInterruption(sessionID, updated.ChannelName)
	if err := c.gateway.Publish(ctx, updated.ChannelName, msg); err != nil {
		logger.Warn("interruption broadcast failed", "session_id", sessionID, "error", err)
	}

	logger.Info("playback interrupted",
		"session_id", sessionID,
		"speech_seconds", speechSeconds,
	)
	return true, nil
}

// Acknowledge clears the interruption flag once the client confirms it
// stopped local playback.
func (c *Controller) Acknowledge(ctx context.Context, sessionID string) error {
	_, err := c.sessions.Update(ctx, sessionID, func(s *session.Session) {
		s.AudioState.Interrupted = false
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge interruption: %w", err)
	}
	return nil
}
