// Package audiocache deduplicates speech synthesis. Identical text spoken by
// the same voice maps to one cached payload, so repeated phrases (greetings,
// confirmations, IVR-style prompts) cost one provider call instead of many.
package audiocache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/voxflow/voxflow/statestore"
)

// DefaultTTL is how long cached audio lives. Synthesized speech for a given
// (voice, text) pair never changes mid-day, so a long TTL is safe.
const DefaultTTL = 24 * time.Hour

// ErrMiss is returned when no cached audio exists for the key.
var ErrMiss = errors.New("audio cache miss")

// Cache stores synthesized audio keyed by voice and normalized text.
type Cache struct {
	store statestore.Store
	ttl   time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the cache entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// New creates an audio cache backed by store.
func New(store statestore.Store, opts ...Option) *Cache {
	c := &Cache{store: store, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives the cache key for a voice and text pair. Text is trimmed and
// lowercased before hashing so trivially different renderings of the same
// phrase share an entry.
func Key(voiceID, text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(voiceID + ":" + normalized))
	return "voice_audio:" + voiceID + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached audio for (voiceID, text), or ErrMiss.
func (c *Cache) Get(ctx context.Context, voiceID, text string) ([]byte, error) {
	data, err := c.store.Get(ctx, Key(voiceID, text))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return data, nil
}

// Put stores audio for (voiceID, text). Writing the same pair twice is
// harmless: both writes store the same payload under the same key.
func (c *Cache) Put(ctx context.Context, voiceID, text string, audio []byte) error {
	return c.store.Set(ctx, Key(voiceID, text), audio, c.ttl)
}

// Contains reports whether audio for (voiceID, text) is cached, without
// fetching the payload.
func (c *Cache) Contains(ctx context.Context, voiceID, text string) (bool, error) {
	return c.store.Exists(ctx, Key(voiceID, text))
}
