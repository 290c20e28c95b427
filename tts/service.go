// Package tts synthesizes AI reply text into playable audio.
package tts

import (
	"context"
)

const (
	// FormatMP3 is the default synthesis output format.
	FormatMP3 = "mp3"
	// FormatPCM is raw PCM output for telephony integrations.
	FormatPCM = "pcm"
)

// Service converts text to audio. Implementations wrap one synthesis provider
// and return the complete encoded payload; callers decide whether to cache,
// inline, or write it to disk.
type Service interface {
	// Name returns the provider identifier for logging.
	Name() string

	// Synthesize converts text to audio bytes.
	Synthesize(ctx context.Context, text string, config Config) ([]byte, error)
}

// Config configures one synthesis request.
type Config struct {
	// VoiceID selects the voice. Empty means the provider default.
	VoiceID string

	// Language is the text language code (e.g. "en", "es"). Providers that
	// pick models per language use this; others ignore it.
	Language string

	// Model overrides the synthesis model. Empty means the service picks one
	// from Language.
	Model string

	// Format is the output audio format ("mp3", "pcm"). Default: "mp3".
	Format string
}
