package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

	// ElevenLabsModelMultilingual is the multilingual v2 model.
	ElevenLabsModelMultilingual = "eleven_multilingual_v2"
	// ElevenLabsModelTurbo is the fast turbo v2.5 model, used for English
	// where latency matters more than accent coverage.
	ElevenLabsModelTurbo = "eleven_turbo_v2_5"

	defaultElevenLabsTimeout = 60 * time.Second

	elevenLabsServerErrorThreshold = 500

	elevenLabsDefaultStability       = 0.5
	elevenLabsDefaultSimilarityBoost = 0.75

	// Default voice ID (Rachel).
	elevenLabsDefaultVoice = "21m00Tcm4TlvDq8ikWAM"

	elevenLabsFormatMP3 = "mp3_44100_128"
	elevenLabsFormatPCM = "pcm_24000"

	// defaultRequestsPerSecond caps outbound synthesis calls so a burst of
	// concurrent turns doesn't trip the provider's account-level limit.
	defaultRequestsPerSecond = 5
)

// ElevenLabsService implements TTS using ElevenLabs' API.
type ElevenLabsService struct {
	apiKey  string
	baseURL string
	client  *http.Client
	model   string
	limiter *rate.Limiter
}

// ElevenLabsOption configures the ElevenLabs TTS service.
type ElevenLabsOption func(*ElevenLabsService)

// WithElevenLabsBaseURL sets a custom base URL (for testing or proxies).
func WithElevenLabsBaseURL(url string) ElevenLabsOption {
	return func(s *ElevenLabsService) {
		s.baseURL = url
	}
}

// WithElevenLabsClient sets a custom HTTP client.
func WithElevenLabsClient(client *http.Client) ElevenLabsOption {
	return func(s *ElevenLabsService) {
		s.client = client
	}
}

// WithElevenLabsModel forces a model instead of per-language selection.
func WithElevenLabsModel(model string) ElevenLabsOption {
	return func(s *ElevenLabsService) {
		s.model = model
	}
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64) ElevenLabsOption {
	return func(s *ElevenLabsService) {
		s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// NewElevenLabs creates an ElevenLabs TTS service.
func NewElevenLabs(apiKey string, opts ...ElevenLabsOption) *ElevenLabsService {
	s := &ElevenLabsService{
		apiKey:  apiKey,
		baseURL: elevenLabsBaseURL,
		client:  &http.Client{Timeout: defaultElevenLabsTimeout},
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultRequestsPerSecond),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the provider identifier.
func (s *ElevenLabsService) Name() string {
	return "elevenlabs"
}

// modelFor picks a synthesis model for the given language. English gets the
// low-latency turbo model; everything else needs multilingual.
func (s *ElevenLabsService) modelFor(language string) string {
	if s.model != "" {
		return s.model
	}
	if language == "" || language == "en" {
		return ElevenLabsModelTurbo
	}
	return ElevenLabsModelMultilingual
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize converts text to audio using ElevenLabs' TTS API.
func (s *ElevenLabsService) Synthesize(ctx context.Context, text string, config Config) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	voice := config.VoiceID
	if voice == "" {
		voice = elevenLabsDefaultVoice
	}

	model := config.Model
	if model == "" {
		model = s.modelFor(config.Language)
	}

	reqBody := elevenLabsRequest{
		Text:    text,
		ModelID: model,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       elevenLabsDefaultStability,
			SimilarityBoost: elevenLabsDefaultSimilarityBoost,
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s", s.baseURL, voice)
	if format := mapFormat(config.Format); format != "" {
		endpoint += "?output_format=" + format
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewSynthesisError("elevenlabs", "", "request failed", err, true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleError(resp.StatusCode, body)
	}
	return body, nil
}

func mapFormat(format string) string {
	switch format {
	case "", FormatMP3:
		return elevenLabsFormatMP3
	case FormatPCM:
		return elevenLabsFormatPCM
	default:
		return ""
	}
}

// handleError processes an error response from ElevenLabs.
func (s *ElevenLabsService) handleError(statusCode int, body []byte) error {
	var errResp struct {
		Detail struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"detail"`
	}

	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Detail.Message == "" {
		return NewSynthesisError(
			"elevenlabs",
			fmt.Sprintf("%d", statusCode),
			string(body),
			nil,
			statusCode >= elevenLabsServerErrorThreshold,
		)
	}

	retryable := statusCode == http.StatusTooManyRequests ||
		statusCode >= elevenLabsServerErrorThreshold

	var cause error
	switch statusCode {
	case http.StatusTooManyRequests:
		cause = ErrRateLimited
	case http.StatusNotFound:
		if errResp.Detail.Status == "voice_not_found" {
			cause = ErrVoiceNotFound
		}
	}

	return NewSynthesisError(
		"elevenlabs",
		errResp.Detail.Status,
		errResp.Detail.Message,
		cause,
		retryable,
	)
}
