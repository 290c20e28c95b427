// Package asr transcribes caller audio to text.
package asr

import (
	"context"
)

const (
	// FormatWAV is the default ingress audio format.
	FormatWAV = "wav"
	// FormatMP3 is compressed call audio.
	FormatMP3 = "mp3"
	// FormatWebM is browser-recorded audio.
	FormatWebM = "webm"
)

// Service transcribes audio to text. Implementations wrap one speech
// recognition provider so the pipeline can swap providers without changes.
type Service interface {
	// Name returns the provider identifier for logging.
	Name() string

	// Transcribe converts audio to text. An empty transcript with a nil error
	// means the provider heard nothing intelligible.
	Transcribe(ctx context.Context, audio []byte, config Config) (string, error)
}

// Config configures one transcription request.
type Config struct {
	// Format is the audio container format ("wav", "mp3", "webm").
	// Default: "wav".
	Format string

	// Language hints the spoken language (e.g. "en", "es"). Optional.
	Language string

	// Model is the provider-specific recognition model. Empty means the
	// service default.
	Model string
}

// DefaultConfig returns defaults for call audio transcription.
func DefaultConfig() Config {
	return Config{
		Format:   FormatWAV,
		Language: "en",
	}
}
