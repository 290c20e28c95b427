package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAIBaseURL      = "https://api.openai.com/v1"
	openAIChatEndpoint = "/chat/completions"

	// ModelGPT4oMini is the default conversation model. Fast enough for
	// realtime turns.
	ModelGPT4oMini = "gpt-4o-mini"

	defaultOpenAITimeout = 60 * time.Second

	defaultMaxTokens   = 300
	defaultTemperature = 0.7

	openAIServerErrorThreshold = 500
)

// replyInstruction asks the model to emit a JSON envelope so the end-call
// decision rides alongside the reply text. Models occasionally answer in
// plain text anyway; parsing falls back to treating the whole body as the
// reply.
const replyInstruction = `Respond with a JSON object: {"response": "<what you say next>", "should_end_call": <true if the conversation is complete>}. Keep responses short and conversational, suitable for speech.`

// OpenAIService implements reply generation using OpenAI's chat completions
// API.
type OpenAIService struct {
	apiKey  string
	baseURL string
	client  *http.Client
	model   string
}

// OpenAIOption configures the OpenAI LLM service.
type OpenAIOption func(*OpenAIService)

// WithOpenAIBaseURL sets a custom base URL (for testing or proxies).
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(s *OpenAIService) {
		s.baseURL = url
	}
}

// WithOpenAIClient sets a custom HTTP client.
func WithOpenAIClient(client *http.Client) OpenAIOption {
	return func(s *OpenAIService) {
		s.client = client
	}
}

// WithOpenAIModel sets the conversation model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(s *OpenAIService) {
		s.model = model
	}
}

// NewOpenAI creates an OpenAI LLM service.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAIService {
	s := &OpenAIService{
		apiKey:  apiKey,
		baseURL: openAIBaseURL,
		client:  &http.Client{Timeout: defaultOpenAITimeout},
		model:   ModelGPT4oMini,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the provider identifier.
func (s *OpenAIService) Name() string {
	return "openai"
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Generate produces the next reply for the conversation.
func (s *OpenAIService) Generate(ctx context.Context, req Request) (*Reply, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return nil, ErrEmptyInput
	}

	messages := make([]openAIMessage, 0, len(req.History)+3)
	messages = append(messages, openAIMessage{
		Role:    string(RoleSystem),
		Content: req.SystemPrompt,
	})
	messages = append(messages, openAIMessage{
		Role:    string(RoleSystem),
		Content: replyInstruction,
	})
	for _, m := range req.History {
		messages = append(messages, openAIMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	messages = append(messages, openAIMessage{
		Role:    string(RoleUser),
		Content: req.UserText,
	})

	model := req.Model
	if model == "" {
		model = s.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	body := openAIRequest{
		Model:          model,
		Messages:       messages,
		MaxTokens:      maxTokens,
		Temperature:    temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		s.baseURL+openAIChatEndpoint,
		bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, NewGenerationError("openai", "", "request failed", err, true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleError(resp.StatusCode, respBody)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewGenerationError("openai", "", "no choices in response", nil, true)
	}

	return parseReply(parsed.Choices[0].Message.Content), nil
}

// parseReply decodes the model's JSON envelope. Plain-text output becomes a
// reply with EndCall false.
func parseReply(content string) *Reply {
	var envelope struct {
		Response      string `json:"response"`
		ShouldEndCall bool   `json:"should_end_call"`
	}
	if err := json.Unmarshal([]byte(content), &envelope); err == nil && envelope.Response != "" {
		return &Reply{Text: envelope.Response, EndCall: envelope.ShouldEndCall}
	}
	return &Reply{Text: strings.TrimSpace(content)}
}

// handleError processes an error response from OpenAI.
func (s *OpenAIService) handleError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &errResp); err != nil {
		return NewGenerationError(
			"openai",
			fmt.Sprintf("%d", statusCode),
			string(body),
			nil,
			statusCode >= openAIServerErrorThreshold,
		)
	}

	retryable := statusCode == http.StatusTooManyRequests ||
		statusCode >= openAIServerErrorThreshold

	var cause error
	switch {
	case statusCode == http.StatusTooManyRequests:
		cause = ErrRateLimited
	case statusCode == http.StatusUnauthorized:
		cause = fmt.Errorf("invalid API key")
	case errResp.Error.Code == "context_length_exceeded":
		cause = ErrContextTooLong
	}

	return NewGenerationError(
		"openai",
		errResp.Error.Code,
		errResp.Error.Message,
		cause,
		retryable,
	)
}
