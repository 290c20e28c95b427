// Package jobs runs background audio processing with bounded concurrency.
// Uploaded call audio is processed off the request path; the result reaches
// the client through the broadcast gateway, not the HTTP response.
package jobs

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voxflow/voxflow/asr"
	"github.com/voxflow/voxflow/broadcast"
	"github.com/voxflow/voxflow/llm"
	"github.com/voxflow/voxflow/logger"
	"github.com/voxflow/voxflow/metrics/prometheus"
	"github.com/voxflow/voxflow/pipeline"
	"github.com/voxflow/voxflow/session"
	"github.com/voxflow/voxflow/tts"
)

const (
	// DefaultTimeout bounds one attempt at processing an audio file.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxAttempts is how many times a retryable failure is retried
	// before the job is declared permanently failed.
	DefaultMaxAttempts = 3

	// DefaultBackoff is the delay between attempts.
	DefaultBackoff = 2 * time.Second

	// DefaultConcurrency caps simultaneously running jobs.
	DefaultConcurrency = 8
)

// Runner executes file-based audio turns in the background.
type Runner struct {
	pipeline *pipeline.Pipeline
	sessions *session.Manager
	gateway  broadcast.Gateway

	sem         *semaphore.Weighted
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration

	wg sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds each processing attempt.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithMaxAttempts sets how many attempts a job gets.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) { r.maxAttempts = n }
}

// WithBackoff sets the delay between attempts.
func WithBackoff(d time.Duration) Option {
	return func(r *Runner) { r.backoff = d }
}

// WithConcurrency caps simultaneously running jobs.
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.sem = semaphore.NewWeighted(int64(n)) }
}

// NewRunner creates a job runner.
func NewRunner(p *pipeline.Pipeline, sessions *session.Manager, gateway broadcast.Gateway, opts ...Option) *Runner {
	r := &Runner{
		pipeline:    p,
		sessions:    sessions,
		gateway:     gateway,
		sem:         semaphore.NewWeighted(DefaultConcurrency),
		timeout:     DefaultTimeout,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnqueueAudioFile schedules background processing of an uploaded audio file.
// The file is always removed when the job finishes, success or not.
func (r *Runner) EnqueueAudioFile(ctx context.Context, sessionID, path, format string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warn("failed to remove job audio file", "path", path, "error", err)
			}
		}()

		if err := r.sem.Acquire(ctx, 1); err != nil {
			logger.Warn("job not started, runner shutting down", "session_id", sessionID, "error", err)
			return
		}
		defer r.sem.Release(1)

		r.process(ctx, sessionID, path, format)
	}()
}

// Wait blocks until all enqueued jobs have finished. Call during shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) process(ctx context.Context, sessionID, path, format string) {
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		result, err := r.pipeline.ProcessAudioFile(attemptCtx, sessionID, path, format)
		cancel()

		if err == nil {
			status := "success"
			if attempt > 1 {
				status = "retried"
			}
			prometheus.RecordJob(status, time.Since(start).Seconds())
			if result != nil {
				logger.Info("background turn complete",
					"session_id", sessionID,
					"audio_id", result.AudioID,
					"attempts", attempt,
				)
			}
			return
		}
		lastErr = err

		if !retryable(err) {
			logger.Error("background turn failed permanently",
				"session_id", sessionID, "attempt", attempt, "error", err)
			break
		}
		logger.Warn("background turn attempt failed",
			"session_id", sessionID, "attempt", attempt, "error", err)

		if attempt < r.maxAttempts {
			select {
			case <-time.After(r.backoff):
			case <-ctx.Done():
				return
			}
		}
	}

	prometheus.RecordJob("failed", time.Since(start).Seconds())
	r.reportPermanentFailure(ctx, sessionID, lastErr)
}

// retryable reports whether another attempt could succeed. A busy session
// retries (the in-flight turn will release the slot); provider errors carry
// their own verdict; everything else is permanent.
func retryable(err error) bool {
	if errors.Is(err, session.ErrBusy) {
		return true
	}
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrEnded) {
		return false
	}

	var terr *asr.TranscriptionError
	if errors.As(err, &terr) {
		return terr.Retryable
	}
	var gerr *llm.GenerationError
	if errors.As(err, &gerr) {
		return gerr.Retryable
	}
	var serr *tts.SynthesisError
	if errors.As(err, &serr) {
		return serr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// reportPermanentFailure tells the client to stop waiting for a reply.
func (r *Runner) reportPermanentFailure(ctx context.Context, sessionID string, cause error) {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		logger.Error("job failed for unknown session", "session_id", sessionID, "error", cause)
		return
	}

	msg := broadcast.NewProcessingError(sessionID, sess.ChannelName,
		"failed to process audio after retries", true)
	if err := r.gateway.Publish(ctx, sess.ChannelName, msg); err != nil {
		logger.Warn("permanent failure broadcast failed", "session_id", sessionID, "error", err)
	}
}
