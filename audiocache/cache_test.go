package audiocache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow/statestore"
)

func TestCache_PutGet(t *testing.T) {
	cache := New(statestore.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "voice-a", "Hello there", []byte("mp3-bytes")))

	audio, err := cache.Get(ctx, "voice-a", "Hello there")
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3-bytes"), audio)
}

func TestCache_Miss(t *testing.T) {
	cache := New(statestore.NewMemoryStore())

	_, err := cache.Get(context.Background(), "voice-a", "never synthesized")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_KeyNormalization(t *testing.T) {
	cache := New(statestore.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "voice-a", "  Hello There ", []byte("audio")))

	// Same phrase modulo whitespace and case hits the same entry.
	audio, err := cache.Get(ctx, "voice-a", "hello there")
	require.NoError(t, err)
	assert.Equal(t, []byte("audio"), audio)
}

func TestCache_VoiceIsolation(t *testing.T) {
	cache := New(statestore.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "voice-a", "hello", []byte("a-audio")))

	_, err := cache.Get(ctx, "voice-b", "hello")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_IdempotentPut(t *testing.T) {
	cache := New(statestore.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "voice-a", "hello", []byte("audio")))
	require.NoError(t, cache.Put(ctx, "voice-a", "hello", []byte("audio")))

	audio, err := cache.Get(ctx, "voice-a", "hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("audio"), audio)
}

func TestCache_Contains(t *testing.T) {
	cache := New(statestore.NewMemoryStore())
	ctx := context.Background()

	ok, err := cache.Contains(ctx, "voice-a", "hello")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(ctx, "voice-a", "hello", []byte("audio")))

	ok, err = cache.Contains(ctx, "voice-a", "hello")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	store := statestore.NewMemoryStore()
	cache := New(store, WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "voice-a", "hello", []byte("audio")))

	store.AdvanceTime(2 * time.Minute)

	_, err := cache.Get(ctx, "voice-a", "hello")
	assert.ErrorIs(t, err, ErrMiss)
}
