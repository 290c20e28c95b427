package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDirectory(t *testing.T) {
	dir := NewMemoryDirectory(&Agent{ID: "a", Name: "A"})
	ctx := context.Background()

	a, err := dir.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "A", a.Name)

	_, err = dir.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	dir.Put(&Agent{ID: "b", Name: "B"})
	b, err := dir.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "B", b.Name)

	dir.Remove("a")
	_, err = dir.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestMemoryDirectory_GetReturnsCopy(t *testing.T) {
	dir := NewMemoryDirectory(&Agent{ID: "a", VoiceID: "v1"})
	ctx := context.Background()

	a, err := dir.Get(ctx, "a")
	require.NoError(t, err)
	a.VoiceID = "mutated"

	again, err := dir.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v1", again.VoiceID)
}
