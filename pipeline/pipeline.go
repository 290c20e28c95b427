// Package pipeline runs one conversation turn end to end: transcribe the
// caller's audio, generate a reply, synthesize it to speech, and deliver it
// to the session's channel.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxflow/voxflow/asr"
	"github.com/voxflow/voxflow/audiocache"
	"github.com/voxflow/voxflow/audiolog"
	"github.com/voxflow/voxflow/broadcast"
	"github.com/voxflow/voxflow/llm"
	"github.com/voxflow/voxflow/logger"
	"github.com/voxflow/voxflow/metrics/prometheus"
	"github.com/voxflow/voxflow/respstore"
	"github.com/voxflow/voxflow/session"
	"github.com/voxflow/voxflow/tts"
)

const tracerName = "voxflow/pipeline"

// ErrEmptyTranscript aborts a turn whose audio contained no usable speech.
// It is a turn-level failure: the session stays usable and the client is told
// via a processing_error event.
var ErrEmptyTranscript = errors.New("transcription produced no text")

// TurnResult is the outcome of one successful conversation turn.
type TurnResult struct {
	// RequestID identifies the processing slot this turn held.
	RequestID string

	// AudioID identifies the synthesized utterance for playback tracking.
	AudioID string

	// UserTranscript is what the caller said.
	UserTranscript string

	// Transcript is what the AI replies.
	Transcript string

	// Audio is the synthesized reply payload.
	Audio []byte

	// AudioURL is set when the payload was written to the response store
	// instead of inlined.
	AudioURL string

	// ShouldEnd is true when the call ends after this reply plays.
	ShouldEnd bool

	// Cached is true when synthesis was served from the audio cache.
	Cached bool
}

// Pipeline orchestrates the transcribe, generate, synthesize sequence for a
// session and delivers results over the broadcast gateway.
type Pipeline struct {
	sessions *session.Manager
	asr      asr.Service
	llm      llm.Service
	tts      tts.Service
	cache    *audiocache.Cache
	chunks   *audiolog.Log
	files    *respstore.Store
	gateway  broadcast.Gateway
	tracer   trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithChunkLog enables audio chunk logging for ingress audio.
func WithChunkLog(log *audiolog.Log) Option {
	return func(p *Pipeline) { p.chunks = log }
}

// WithResponseStore enables file-based delivery for background turns.
func WithResponseStore(store *respstore.Store) Option {
	return func(p *Pipeline) { p.files = store }
}

// New creates a conversation pipeline.
func New(
	sessions *session.Manager,
	asrSvc asr.Service,
	llmSvc llm.Service,
	ttsSvc tts.Service,
	cache *audiocache.Cache,
	gateway broadcast.Gateway,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		sessions: sessions,
		asr:      asrSvc,
		llm:      llmSvc,
		tts:      ttsSvc,
		cache:    cache,
		gateway:  gateway,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessTurn runs one synchronous turn for the session. The reply audio is
// broadcast inline as base64.
//
// Provider failures are not errors to the caller: a processing_error event is
// broadcast and (nil, nil) is returned, so one bad turn never tears down the
// call. Errors are returned only when the session is unusable (not found,
// ended) or already processing another turn.
func (p *Pipeline) ProcessTurn(ctx context.Context, sessionID string, audio []byte, format string) (*TurnResult, error) {
	requestID, err := p.sessions.BeginRequest(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			logger.Warn("turn dropped, session busy", "session_id", sessionID)
		}
		return nil, err
	}
	defer p.sessions.FinishRequest(ctx, sessionID, requestID)

	result, err := p.runTurn(ctx, sessionID, requestID, audio, format)
	if err != nil {
		p.reportFailure(ctx, sessionID, err)
		return nil, nil
	}

	if !p.sessions.RequestStillCurrent(ctx, sessionID, requestID) {
		logger.Info("turn result discarded, request superseded",
			"session_id", sessionID, "request_id", requestID)
		return nil, nil
	}

	if err := p.deliverInline(ctx, sessionID, result); err != nil {
		p.reportFailure(ctx, sessionID, err)
		return nil, nil
	}
	return result, nil
}

// ProcessAudioFile runs one turn from an uploaded audio file, delivering the
// reply by URL reference. Unlike ProcessTurn it returns provider errors, so a
// job runner can decide between retry and permanent failure. The source file
// is not removed; that is the caller's responsibility.
func (p *Pipeline) ProcessAudioFile(ctx context.Context, sessionID, path, format string) (*TurnResult, error) {
	if p.files == nil {
		return nil, fmt.Errorf("no response store configured for file turns")
	}

	audio, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio file: %w", err)
	}

	requestID, err := p.sessions.BeginRequest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer p.sessions.FinishRequest(ctx, sessionID, requestID)

	result, err := p.runTurn(ctx, sessionID, requestID, audio, format)
	if err != nil {
		return nil, err
	}

	if !p.sessions.RequestStillCurrent(ctx, sessionID, requestID) {
		logger.Info("file turn result discarded, request superseded",
			"session_id", sessionID, "request_id", requestID)
		return nil, nil
	}

	url, err := p.files.Save(ctx, sessionID, result.AudioID, result.Audio)
	if err != nil {
		return nil, err
	}
	result.AudioURL = url

	if err := p.deliverByReference(ctx, sessionID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// PrepareGreeting synthesizes and delivers the session's greeting message.
// Greetings are the highest-value cache entries: every call to the same agent
// speaks the same one.
func (p *Pipeline) PrepareGreeting(ctx context.Context, sessionID string) (*TurnResult, error) {
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ProcessedGreeting == "" {
		return nil, nil
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.greeting",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	audio, cached, err := p.synthesize(ctx, sess, sess.ProcessedGreeting)
	if err != nil {
		p.reportFailure(ctx, sessionID, err)
		return nil, nil
	}

	result := &TurnResult{
		AudioID:    uuid.NewString(),
		Transcript: sess.ProcessedGreeting,
		Audio:      audio,
		Cached:     cached,
	}

	if err := p.sessions.AppendTurns(ctx, sessionID,
		session.Turn{Role: session.RoleAssistant, Content: sess.ProcessedGreeting},
	); err != nil {
		logger.Warn("failed to record greeting in history", "session_id", sessionID, "error", err)
	}

	// The greeting plays like any other utterance: it can be barged in and
	// its playback completion must match the current audio ID.
	if _, err := p.sessions.Update(ctx, sessionID, func(s *session.Session) {
		s.AudioState.Playing = true
		s.AudioState.CurrentAudioID = result.AudioID
		s.AudioState.Interrupted = false
	}); err != nil {
		logger.Warn("failed to mark greeting playing", "session_id", sessionID, "error", err)
	}

	if err := p.deliverInline(ctx, sessionID, result); err != nil {
		p.reportFailure(ctx, sessionID, err)
		return nil, nil
	}
	return result, nil
}

// runTurn executes transcribe, generate, synthesize.
func (p *Pipeline) runTurn(ctx context.Context, sessionID, requestID string, audio []byte, format string) (*TurnResult, error) {
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "pipeline.turn", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("request.id", requestID),
	))
	defer span.End()

	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if p.chunks != nil {
		entry := audiolog.Entry{
			Direction: audiolog.DirectionIncoming,
			Audio:     audio,
			Format:    format,
			Metadata:  map[string]string{"request_id": requestID},
		}
		if _, err := p.chunks.Record(ctx, sessionID, entry); err != nil {
			logger.Warn("failed to log audio chunk", "session_id", sessionID, "error", err)
		}
	}

	transcript, err := p.transcribe(ctx, sess, audio, format)
	if err != nil {
		prometheus.RecordTurn("error", time.Since(start).Seconds())
		return nil, err
	}
	if strings.TrimSpace(transcript) == "" {
		logger.Debug("empty transcript, aborting turn", "session_id", sessionID)
		prometheus.RecordTurn("dropped", time.Since(start).Seconds())
		return nil, ErrEmptyTranscript
	}
	span.SetAttributes(attribute.Int("transcript.length", len(transcript)))

	reply, err := p.generate(ctx, sess, transcript)
	if err != nil {
		prometheus.RecordTurn("error", time.Since(start).Seconds())
		return nil, err
	}

	replyAudio, cached, err := p.synthesize(ctx, sess, reply.Text)
	if err != nil {
		prometheus.RecordTurn("error", time.Since(start).Seconds())
		return nil, err
	}

	if err := p.sessions.AppendTurns(ctx, sessionID,
		session.Turn{Role: session.RoleUser, Content: transcript},
		session.Turn{Role: session.RoleAssistant, Content: reply.Text},
	); err != nil {
		logger.Warn("failed to append history", "session_id", sessionID, "error", err)
	}

	audioID := uuid.NewString()

	if p.chunks != nil {
		entry := audiolog.Entry{
			Direction: audiolog.DirectionOutgoing,
			Audio:     replyAudio,
			Metadata:  map[string]string{"audio_id": audioID},
		}
		if _, err := p.chunks.Record(ctx, sessionID, entry); err != nil {
			logger.Warn("failed to log reply audio chunk", "session_id", sessionID, "error", err)
		}
	}

	_, err = p.sessions.Update(ctx, sessionID, func(s *session.Session) {
		// An interruption may have cleared the slot while providers were in
		// flight. This turn's state must not overwrite the barge-in.
		if s.RequestState.CurrentRequestID != requestID {
			return
		}
		s.Status = session.StatusConversationActive
		s.AudioState.Playing = true
		s.AudioState.CurrentAudioID = audioID
		s.AudioState.Interrupted = false
		if reply.EndCall {
			s.CallState.ShouldEnd = true
		}
	})
	if err != nil {
		return nil, err
	}

	prometheus.RecordTurn("success", time.Since(start).Seconds())

	return &TurnResult{
		RequestID:      requestID,
		AudioID:        audioID,
		UserTranscript: transcript,
		Transcript:     reply.Text,
		Audio:          replyAudio,
		ShouldEnd:      reply.EndCall,
		Cached:         cached,
	}, nil
}

func (p *Pipeline) transcribe(ctx context.Context, sess *session.Session, audio []byte, format string) (string, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.transcribe")
	defer span.End()

	cfg := asr.DefaultConfig()
	if format != "" {
		cfg.Format = format
	}
	if sess.Language != "" {
		cfg.Language = sess.Language
	}

	text, err := p.asr.Transcribe(ctx, audio, cfg)
	elapsed := time.Since(start).Seconds()
	prometheus.RecordStageDuration("transcribe", elapsed)
	if err != nil {
		prometheus.RecordProviderRequest(p.asr.Name(), "transcribe", "error", elapsed)
		logger.ProviderError(p.asr.Name(), "transcribe", sess.ID, err)
		return "", err
	}
	prometheus.RecordProviderRequest(p.asr.Name(), "transcribe", "success", elapsed)
	return text, nil
}

func (p *Pipeline) generate(ctx context.Context, sess *session.Session, userText string) (*llm.Reply, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.generate")
	defer span.End()

	turns, err := p.sessions.History(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	history := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		history = append(history, llm.Message{
			Role:    llm.Role(t.Role),
			Content: t.Content,
		})
	}

	reply, err := p.llm.Generate(ctx, llm.Request{
		SystemPrompt: sess.ProcessedSystemPrompt,
		History:      history,
		UserText:     userText,
	})
	elapsed := time.Since(start).Seconds()
	prometheus.RecordStageDuration("generate", elapsed)
	if err != nil {
		prometheus.RecordProviderRequest(p.llm.Name(), "generate", "error", elapsed)
		logger.ProviderError(p.llm.Name(), "generate", sess.ID, err)
		return nil, err
	}
	prometheus.RecordProviderRequest(p.llm.Name(), "generate", "success", elapsed)
	return reply, nil
}

// synthesize returns reply audio, consulting the cache first. The bool result
// reports whether the cache served it.
func (p *Pipeline) synthesize(ctx context.Context, sess *session.Session, text string) ([]byte, bool, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.synthesize")
	defer span.End()

	if audio, err := p.cache.Get(ctx, sess.VoiceID, text); err == nil {
		prometheus.RecordAudioCacheHit()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return audio, true, nil
	} else if !errors.Is(err, audiocache.ErrMiss) {
		logger.Warn("audio cache read failed", "session_id", sess.ID, "error", err)
	}
	prometheus.RecordAudioCacheMiss()

	audio, err := p.tts.Synthesize(ctx, text, tts.Config{
		VoiceID:  sess.VoiceID,
		Language: sess.Language,
	})
	elapsed := time.Since(start).Seconds()
	prometheus.RecordStageDuration("synthesize", elapsed)
	if err != nil {
		prometheus.RecordProviderRequest(p.tts.Name(), "synthesize", "error", elapsed)
		logger.ProviderError(p.tts.Name(), "synthesize", sess.ID, err)
		return nil, false, err
	}
	prometheus.RecordProviderRequest(p.tts.Name(), "synthesize", "success", elapsed)

	if err := p.cache.Put(ctx, sess.VoiceID, text, audio); err != nil {
		logger.Warn("audio cache write failed", "session_id", sess.ID, "error", err)
	}
	return audio, false, nil
}

func (p *Pipeline) deliverInline(ctx context.Context, sessionID string, result *TurnResult) error {
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	msg := broadcast.NewInlineAudio(
		sessionID,
		sess.ChannelName,
		base64.StdEncoding.EncodeToString(result.Audio),
		result.Transcript,
		result.UserTranscript,
		result.RequestID,
		result.AudioID,
		result.ShouldEnd,
	)
	return p.gateway.Publish(ctx, sess.ChannelName, msg)
}

func (p *Pipeline) deliverByReference(ctx context.Context, sessionID string, result *TurnResult) error {
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	msg := broadcast.NewResponse(
		sessionID,
		sess.ChannelName,
		result.AudioURL,
		result.Transcript,
		result.UserTranscript,
		result.RequestID,
		result.AudioID,
		result.ShouldEnd,
	)
	return p.gateway.Publish(ctx, sess.ChannelName, msg)
}

// reportFailure broadcasts a non-permanent processing_error for the session.
// The event must reach the client even when the turn's context was cancelled.
func (p *Pipeline) reportFailure(ctx context.Context, sessionID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		logger.Error("turn failed for unknown session", "session_id", sessionID, "error", cause)
		return
	}

	logger.Error("turn processing failed", "session_id", sessionID, "error", cause)
	msg := broadcast.NewProcessingError(sessionID, sess.ChannelName, "failed to process audio", false)
	if err := p.gateway.Publish(ctx, sess.ChannelName, msg); err != nil {
		logger.Warn("processing_error broadcast failed", "session_id", sessionID, "error", err)
	}
}
