package statestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetInvalidKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemoryStore_SetAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Set(ctx, "session:abc", []byte(`{"status":"connected"}`), time.Hour)
	require.NoError(t, err)

	val, err := store.Get(ctx, "session:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"status":"connected"}`), val)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("abc"), 0))

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	val[0] = 'x'

	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Hour))

	// Still live just before expiry.
	now = now.Add(59 * time.Minute)
	_, err := store.Get(ctx, "k")
	require.NoError(t, err)

	// Gone after expiry.
	now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_ExpireRefreshesTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	now = now.Add(50 * time.Second)
	require.NoError(t, store.Expire(ctx, "k", time.Hour))

	now = now.Add(30 * time.Minute)
	_, err := store.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestMemoryStore_ZeroTTLNeverExpires(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))

	now = now.Add(1000 * time.Hour)
	_, err := store.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, store.ListPush(ctx, "b", []byte("2"), 0))

	require.NoError(t, store.Delete(ctx, "a", "b", "missing"))

	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	items, err := store.ListRange(ctx, "b", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMemoryStore_ListPushAndRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.ListPush(ctx, "log", []byte("first"), time.Hour))
	require.NoError(t, store.ListPush(ctx, "log", []byte("second"), time.Hour))
	require.NoError(t, store.ListPush(ctx, "log", []byte("third"), time.Hour))

	all, err := store.ListRange(ctx, "log", 0, -1)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []byte("first"), all[0])
	assert.Equal(t, []byte("third"), all[2])

	lastTwo, err := store.ListRange(ctx, "log", -2, -1)
	require.NoError(t, err)
	require.Len(t, lastTwo, 2)
	assert.Equal(t, []byte("second"), lastTwo[0])
}

func TestMemoryStore_ListRangeMissing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	items, err := store.ListRange(ctx, "nope", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMemoryStore_Keys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "session:a", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "session:b", []byte("2"), 0))
	require.NoError(t, store.Set(ctx, "cache:c", []byte("3"), 0))

	keys, err := store.Keys(ctx, "session:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session:a", "session:b"}, keys)
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.Set(ctx, "shared", []byte("v"), time.Hour)
		}()
		go func() {
			defer wg.Done()
			_, _ = store.Get(ctx, "shared")
		}()
	}
	wg.Wait()

	val, err := store.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}
