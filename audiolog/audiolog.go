// Package audiolog keeps a short-lived per-session log of audio chunks, both
// caller audio and synthesized replies, for monitoring and replay. Entries
// expire on their own; ending a session purges them early.
package audiolog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxflow/voxflow/logger"
	"github.com/voxflow/voxflow/statestore"
)

// DefaultTTL is how long chunk payloads and the per-session index live.
const DefaultTTL = 2 * time.Hour

// ErrChunkNotFound is returned when a chunk ID doesn't resolve, typically
// because the entry expired.
var ErrChunkNotFound = errors.New("audio chunk not found")

// Direction says which way the audio travelled.
type Direction string

const (
	// DirectionIncoming marks caller audio received by the pipeline.
	DirectionIncoming Direction = "incoming"
	// DirectionOutgoing marks synthesized audio sent to the caller.
	DirectionOutgoing Direction = "outgoing"
)

// Chunk is one logged audio payload with its capture metadata.
type Chunk struct {
	ID         string            `json:"chunk_id"`
	SessionID  string            `json:"session_id"`
	Direction  Direction         `json:"direction"`
	Audio      []byte            `json:"audio"`
	Format     string            `json:"format,omitempty"`
	DurationMS int               `json:"duration_ms,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Entry is the caller-supplied part of a chunk record.
type Entry struct {
	Direction  Direction
	Audio      []byte
	Format     string
	DurationMS int
	Metadata   map[string]string
}

// Log records and retrieves audio chunks per session.
type Log struct {
	store statestore.Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithTTL overrides the chunk retention period.
func WithTTL(ttl time.Duration) Option {
	return func(l *Log) { l.ttl = ttl }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a chunk log backed by store.
func New(store statestore.Store, opts ...Option) *Log {
	l := &Log{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func chunkKey(sessionID, chunkID string) string {
	return "audio_chunk:" + sessionID + ":" + chunkID
}

func indexKey(sessionID string) string {
	return "audio_log:" + sessionID
}

// Record stores a chunk and appends its ID to the session's chronological
// index. Returns the generated chunk ID.
func (l *Log) Record(ctx context.Context, sessionID string, e Entry) (string, error) {
	chunk := Chunk{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Direction:  e.Direction,
		Audio:      e.Audio,
		Format:     e.Format,
		DurationMS: e.DurationMS,
		Metadata:   e.Metadata,
		ReceivedAt: l.now().UTC(),
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audio chunk: %w", err)
	}

	if err := l.store.Set(ctx, chunkKey(sessionID, chunk.ID), data, l.ttl); err != nil {
		return "", fmt.Errorf("failed to store audio chunk: %w", err)
	}
	if err := l.store.ListPush(ctx, indexKey(sessionID), []byte(chunk.ID), l.ttl); err != nil {
		return "", fmt.Errorf("failed to index audio chunk: %w", err)
	}
	return chunk.ID, nil
}

// Get returns one chunk by ID.
func (l *Log) Get(ctx context.Context, sessionID, chunkID string) (*Chunk, error) {
	data, err := l.store.Get(ctx, chunkKey(sessionID, chunkID))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, ErrChunkNotFound
		}
		return nil, err
	}

	var chunk Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audio chunk: %w", err)
	}
	return &chunk, nil
}

// Recent returns the session's chunks in chronological order, up to limit.
// A limit <= 0 returns everything still retained. Chunks whose payload has
// expired ahead of the index are skipped.
func (l *Log) Recent(ctx context.Context, sessionID string, limit int) ([]*Chunk, error) {
	ids, err := l.store.ListRange(ctx, indexKey(sessionID), 0, -1)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return []*Chunk{}, nil
		}
		return nil, err
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	chunks := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		chunk, err := l.Get(ctx, sessionID, string(id))
		if err != nil {
			if errors.Is(err, ErrChunkNotFound) {
				continue
			}
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// Purge removes the session's index and all retained chunk payloads.
// Used by the post-end cleanup hook.
func (l *Log) Purge(ctx context.Context, sessionID string) {
	ids, err := l.store.ListRange(ctx, indexKey(sessionID), 0, -1)
	if err != nil && !errors.Is(err, statestore.ErrNotFound) {
		logger.Warn("failed to read audio log index for purge", "session_id", sessionID, "error", err)
		return
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, chunkKey(sessionID, string(id)))
	}
	keys = append(keys, indexKey(sessionID))

	if err := l.store.Delete(ctx, keys...); err != nil {
		logger.Warn("failed to purge audio log", "session_id", sessionID, "error", err)
	}
}
