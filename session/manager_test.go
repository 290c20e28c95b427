package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow/agent"
	"github.com/voxflow/voxflow/broadcast"
	"github.com/voxflow/voxflow/statestore"
)

// fakeScheduler captures scheduled functions so tests can fire them
// synchronously.
type fakeScheduler struct {
	delays []time.Duration
	fns    []func()
}

func (f *fakeScheduler) AfterFunc(d time.Duration, fn func()) func() {
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	return func() {}
}

func (f *fakeScheduler) fire() {
	for _, fn := range f.fns {
		fn()
	}
	f.fns = nil
}

func testAgent() *agent.Agent {
	return &agent.Agent{
		ID:              "agent-1",
		Name:            "Support Bot",
		SystemPrompt:    "You help {{customer_name}} with billing.",
		GreetingMessage: "Hi {{customer_name}}!",
		VoiceID:         "voice-a",
		Language:        "en",
	}
}

func setupManager(t *testing.T, opts ...Option) (*Manager, *broadcast.Recorder, *fakeScheduler) {
	t.Helper()
	rec := broadcast.NewRecorder()
	sched := &fakeScheduler{}
	opts = append([]Option{WithScheduler(sched)}, opts...)
	m := NewManager(
		statestore.NewMemoryStore(),
		agent.NewMemoryDirectory(testAgent()),
		rec,
		opts...,
	)
	return m, rec, sched
}

func TestManager_Create(t *testing.T) {
	m, rec, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", map[string]string{"customer_name": "Ana"})
	require.NoError(t, err)

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StatusInitializing, sess.Status)
	assert.Equal(t, "You help Ana with billing.", sess.ProcessedSystemPrompt)
	assert.Equal(t, "Hi Ana!", sess.ProcessedGreeting)
	assert.Equal(t, agent.DefaultInterruptThreshold, sess.AudioState.InterruptThreshold)
	assert.True(t, sess.CallState.Active)

	// Creation is pure initialization; nothing is broadcast yet.
	assert.Empty(t, rec.Messages())

	loaded, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
}

func TestManager_CreateUnknownAgent(t *testing.T) {
	m, _, _ := setupManager(t)

	_, err := m.Create(context.Background(), "nope", "chan-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestManager_CreateLeavesUnresolvedPlaceholders(t *testing.T) {
	m, _, _ := setupManager(t)

	sess, err := m.Create(context.Background(), "agent-1", "chan-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "You help {{customer_name}} with billing.", sess.ProcessedSystemPrompt)
}

func TestManager_GetNotFound(t *testing.T) {
	m, _, _ := setupManager(t)

	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_UpdateMergesFields(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)

	_, err = m.Update(ctx, sess.ID, func(s *Session) {
		s.AudioState.Playing = true
		s.AudioState.CurrentAudioID = "audio-1"
	})
	require.NoError(t, err)

	updated, err := m.Update(ctx, sess.ID, func(s *Session) {
		s.Status = StatusConversationActive
	})
	require.NoError(t, err)

	// The earlier audio-state change survives the later status update.
	assert.True(t, updated.AudioState.Playing)
	assert.Equal(t, "audio-1", updated.AudioState.CurrentAudioID)
	assert.Equal(t, StatusConversationActive, updated.Status)
}

func TestManager_InitializeConnection(t *testing.T) {
	m, rec, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)

	ok := m.InitializeConnection(ctx, sess.ID)
	assert.True(t, ok)

	loaded, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, loaded.Status)

	updates := rec.ByKind(broadcast.KindStatusUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, string(StatusConnecting), updates[0].Status)
	assert.Equal(t, string(StatusConnected), updates[1].Status)
}

func TestManager_InitializeConnectionUnknownSession(t *testing.T) {
	m, _, _ := setupManager(t)
	assert.False(t, m.InitializeConnection(context.Background(), "missing"))
}

func TestManager_InitializeConnectionAgentGone(t *testing.T) {
	rec := broadcast.NewRecorder()
	dir := agent.NewMemoryDirectory(testAgent())
	m := NewManager(statestore.NewMemoryStore(), dir, rec, WithScheduler(&fakeScheduler{}))
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)

	dir.Remove("agent-1")

	ok := m.InitializeConnection(ctx, sess.ID)
	assert.False(t, ok)

	loaded, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, loaded.Status)
	assert.NotEmpty(t, loaded.StatusMessage)
}

func TestManager_End(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, rec, sched := setupManager(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)

	require.NoError(t, m.AppendTurns(ctx, sess.ID, Turn{Role: RoleUser, Content: "hi"}))

	now = now.Add(90 * time.Second)
	require.NoError(t, m.End(ctx, sess.ID, "user_ended"))

	loaded, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, loaded.Status)
	assert.False(t, loaded.CallState.Active)
	assert.Equal(t, "user_ended", loaded.EndReason)
	require.NotNil(t, loaded.EndedAt)

	ended := rec.ByKind(broadcast.KindCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, float64(90), ended[0].DurationSeconds)

	// History survives until the grace period elapses.
	turns, err := m.History(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	require.Len(t, sched.delays, 1)
	assert.Equal(t, DefaultGracePeriod, sched.delays[0])

	sched.fire()
	turns, err = m.History(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestManager_EndTwiceIsIdempotent(t *testing.T) {
	m, rec, sched := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)

	require.NoError(t, m.End(ctx, sess.ID, "user_ended"))
	require.NoError(t, m.End(ctx, sess.ID, "assistant_ended"))

	// One teardown: the second end changes nothing, broadcasts nothing, and
	// schedules no second cleanup.
	loaded, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "user_ended", loaded.EndReason)
	assert.Len(t, rec.ByKind(broadcast.KindCallEnded), 1)
	assert.Len(t, sched.delays, 1)
}

func TestManager_EndRunsCleanupHooks(t *testing.T) {
	var cleaned []string
	hook := func(ctx context.Context, sessionID string) {
		cleaned = append(cleaned, sessionID)
	}
	m, _, sched := setupManager(t, WithCleanupHook(hook))
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, sess.ID, "user_ended"))

	assert.Empty(t, cleaned)
	sched.fire()
	assert.Equal(t, []string{sess.ID}, cleaned)
}

func TestManager_HistoryCapDropsOldest(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		require.NoError(t, m.AppendTurns(ctx, sess.ID,
			Turn{Role: RoleUser, Content: "u"},
			Turn{Role: RoleAssistant, Content: "a"},
		))
	}

	turns, err := m.History(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, turns, MaxHistoryTurns)
	// 30 turns appended; the first 10 were dropped, so the window starts on
	// a user turn.
	assert.Equal(t, RoleUser, turns[0].Role)
}

func TestManager_HistoryEmptyForNewSession(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)

	turns, err := m.History(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestManager_Active(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	s1, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)
	s2, err := m.Create(ctx, "agent-1", "chan-2", nil)
	require.NoError(t, err)

	active, err := m.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	ids := []string{active[0].ID, active[1].ID}
	assert.Contains(t, ids, s1.ID)
	assert.Contains(t, ids, s2.ID)

	// Ended sessions drop out of the listing even though their records are
	// still readable.
	require.NoError(t, m.End(ctx, s1.ID, "user_ended"))

	active, err = m.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, s2.ID, active[0].ID)
}

func TestManager_BeginRequestSingleFlight(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)

	reqID, err := m.BeginRequest(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, reqID)

	_, err = m.BeginRequest(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrBusy)

	m.FinishRequest(ctx, sess.ID, reqID)

	second, err := m.BeginRequest(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, reqID, second)
}

func TestManager_FinishRequestWithCancelledContext(t *testing.T) {
	mr := miniredis.RunT(t)
	store := statestore.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	m := NewManager(store, agent.NewMemoryDirectory(testAgent()),
		broadcast.NewRecorder(), WithScheduler(&fakeScheduler{}))
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(ctx)
	reqID, err := m.BeginRequest(reqCtx, sess.ID)
	require.NoError(t, err)

	// The turn's context dies (client disconnect, attempt timeout) before the
	// deferred release runs.
	cancel()
	m.FinishRequest(reqCtx, sess.ID, reqID)

	// The slot must be free again; a held slot would reject every later turn
	// until the session TTL expires.
	_, err = m.BeginRequest(ctx, sess.ID)
	require.NoError(t, err)
}

func TestManager_FinishRequestIgnoresStaleID(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)

	reqID, err := m.BeginRequest(ctx, sess.ID)
	require.NoError(t, err)

	// A stale finish from an earlier, cancelled request must not release the
	// slot held by the current one.
	m.FinishRequest(ctx, sess.ID, "stale-request")

	assert.True(t, m.RequestStillCurrent(ctx, sess.ID, reqID))
	_, err = m.BeginRequest(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestManager_BeginRequestOnEndedSession(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, sess.ID, "user_ended"))

	_, err = m.BeginRequest(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrEnded)
}

func TestManager_RequestStillCurrent(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "agent-1", "chan-1", nil)
	require.NoError(t, err)

	reqID, err := m.BeginRequest(ctx, sess.ID)
	require.NoError(t, err)

	assert.True(t, m.RequestStillCurrent(ctx, sess.ID, reqID))
	assert.False(t, m.RequestStillCurrent(ctx, sess.ID, "other"))

	m.FinishRequest(ctx, sess.ID, reqID)
	assert.False(t, m.RequestStillCurrent(ctx, sess.ID, reqID))
}
