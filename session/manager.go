package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxflow/voxflow/agent"
	"github.com/voxflow/voxflow/broadcast"
	"github.com/voxflow/voxflow/logger"
	"github.com/voxflow/voxflow/statestore"
	"github.com/voxflow/voxflow/template"
)

const (
	// DefaultTTL is how long session records live without updates.
	DefaultTTL = time.Hour

	// DefaultGracePeriod is how long chunk-log and history keys survive after
	// session end, so monitoring and late reads still succeed.
	DefaultGracePeriod = 5 * time.Minute
)

// Scheduler runs a function after a delay without blocking a worker.
// The returned cancel function stops a pending execution.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// CleanupHook is invoked during delayed post-end cleanup so other subsystems
// (e.g. the audio chunk log) can purge their per-session keys.
type CleanupHook func(ctx context.Context, sessionID string)

// Manager creates, mutates, and ends sessions. All updates go through
// load-mutate-save under a per-session lock, so concurrent subsystems merge
// field-level changes instead of overwriting each other.
type Manager struct {
	store    statestore.Store
	agents   agent.Directory
	renderer *template.Renderer
	gateway  broadcast.Gateway
	sched    Scheduler

	ttl   time.Duration
	grace time.Duration
	now   func() time.Time

	cleanupHooks []CleanupHook

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the session record TTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithGracePeriod overrides the delayed-cleanup grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithScheduler sets the delayed-task scheduler used for post-end cleanup.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithCleanupHook registers a hook invoked during delayed cleanup.
func WithCleanupHook(h CleanupHook) Option {
	return func(m *Manager) { m.cleanupHooks = append(m.cleanupHooks, h) }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager.
func NewManager(
	store statestore.Store,
	agents agent.Directory,
	gateway broadcast.Gateway,
	opts ...Option,
) *Manager {
	m := &Manager{
		store:    store,
		agents:   agents,
		renderer: template.NewRenderer(),
		gateway:  gateway,
		sched:    timerScheduler{},
		ttl:      DefaultTTL,
		grace:    DefaultGracePeriod,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// timerScheduler is the default time.AfterFunc-backed Scheduler.
type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

func sessionKey(id string) string { return "session:" + id }
func historyKey(id string) string { return "history:" + id }

// lockFor returns the in-process mutex serializing updates for one session.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) releaseLock(id string) {
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
}

// Create resolves the agent, renders its prompt templates against the call
// variables, and persists a new session in the initializing state. Pure
// initialization — no collaborator network calls happen here.
func (m *Manager) Create(ctx context.Context, agentID, channelName string, variables map[string]string) (*Session, error) {
	a, err := m.agents.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent %q: %w", agentID, err)
	}

	threshold := a.InterruptThreshold
	if threshold == 0 {
		threshold = agent.DefaultInterruptThreshold
	}

	now := m.now()
	sess := &Session{
		ID:                    "vc-" + uuid.NewString(),
		AgentID:               a.ID,
		ChannelName:           channelName,
		Variables:             variables,
		ProcessedSystemPrompt: m.renderer.Render(a.SystemPrompt, variables),
		ProcessedGreeting:     m.renderer.Render(a.GreetingMessage, variables),
		VoiceID:               a.VoiceID,
		Language:              a.Language,
		Status:                StatusInitializing,
		AudioState:            AudioState{InterruptThreshold: threshold},
		CallState:             CallState{Active: true},
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := m.save(ctx, sess); err != nil {
		return nil, err
	}

	logger.Info("session created",
		"session_id", sess.ID,
		"agent_id", a.ID,
		"channel", channelName,
		"unresolved_vars", m.renderer.Unresolved(sess.ProcessedSystemPrompt),
	)
	return sess, nil
}

// Get loads a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	data, err := m.store.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// Update applies fn to the current session state and persists the result,
// refreshing the TTL. The load-mutate-save cycle runs under a per-session
// lock so concurrent subsystem updates merge rather than overwrite.
func (m *Manager) Update(ctx context.Context, id string, fn func(*Session)) (*Session, error) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	fn(sess)
	sess.UpdatedAt = m.now()

	if err := m.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.store.Set(ctx, sessionKey(sess.ID), data, m.ttl); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// InitializeConnection walks the session from initializing through connecting
// to connected, verifying the agent still resolves. On any failure it records
// status=error with a message and returns false; it never propagates an error
// to the caller — surfacing the failure is the caller's decision.
func (m *Manager) InitializeConnection(ctx context.Context, id string) bool {
	sess, err := m.Get(ctx, id)
	if err != nil {
		logger.Error("session not found for connection init", "session_id", id)
		return false
	}

	if sess.Status.Terminal() {
		logger.Warn("connection init on terminal session", "session_id", id, "status", sess.Status)
		return false
	}

	m.SetStatus(ctx, id, StatusConnecting, "")

	if _, err := m.agents.Get(ctx, sess.AgentID); err != nil {
		logger.Error("connection init failed", "session_id", id, "agent_id", sess.AgentID, "error", err)
		m.SetStatus(ctx, id, StatusError, err.Error())
		return false
	}

	m.SetStatus(ctx, id, StatusConnected, "")
	return true
}

// SetStatus updates the session status and broadcasts a status_update event.
func (m *Manager) SetStatus(ctx context.Context, id string, status Status, message string) {
	sess, err := m.Update(ctx, id, func(s *Session) {
		s.Status = status
		s.StatusMessage = message
	})
	if err != nil {
		logger.Error("failed to update session status", "session_id", id, "status", status, "error", err)
		return
	}

	msg := broadcast.NewStatusUpdate(id, sess.ChannelName, string(status), message)
	if err := m.gateway.Publish(ctx, sess.ChannelName, msg); err != nil {
		logger.Warn("status broadcast failed", "session_id", id, "error", err)
	}
}

// End terminates the session: marks the call inactive, broadcasts call_ended
// with the session duration, and schedules delayed cleanup of history and
// per-session keys after the grace period. The session record itself keeps a
// full TTL from this point so late reads succeed.
func (m *Manager) End(ctx context.Context, id, reason string) error {
	endedAt := m.now()
	var alreadyTerminal bool
	sess, err := m.Update(ctx, id, func(s *Session) {
		if s.Status.Terminal() {
			alreadyTerminal = true
			return
		}
		s.CallState.Active = false
		s.CallState.ShouldEnd = false
		s.Status = StatusEnded
		s.EndedAt = &endedAt
		s.EndReason = reason
		s.AudioState.Playing = false
		s.AudioState.CurrentAudioID = ""
		s.RequestState.Processing = false
		s.RequestState.CurrentRequestID = ""
	})
	if err != nil {
		return err
	}
	if alreadyTerminal {
		logger.Debug("end ignored, session already terminal", "session_id", id, "reason", reason)
		return nil
	}

	duration := sess.Duration(endedAt)
	msg := broadcast.NewCallEnded(id, sess.ChannelName, reason, duration)
	if err := m.gateway.Publish(ctx, sess.ChannelName, msg); err != nil {
		logger.Warn("call_ended broadcast failed", "session_id", id, "error", err)
	}

	logger.Info("session ended",
		"session_id", id,
		"reason", reason,
		"duration_seconds", duration.Seconds(),
	)

	hooks := m.cleanupHooks
	m.sched.AfterFunc(m.grace, func() {
		cleanupCtx := context.Background()
		if err := m.store.Delete(cleanupCtx, historyKey(id)); err != nil {
			logger.Warn("history cleanup failed", "session_id", id, "error", err)
		}
		for _, h := range hooks {
			h(cleanupCtx, id)
		}
		m.releaseLock(id)
		logger.Debug("delayed session cleanup complete", "session_id", id)
	})

	return nil
}

// History returns the conversation history, oldest first.
func (m *Manager) History(ctx context.Context, id string) ([]Turn, error) {
	data, err := m.store.Get(ctx, historyKey(id))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return []Turn{}, nil
		}
		return nil, err
	}

	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return turns, nil
}

// AppendTurns appends turns to the conversation history, dropping the oldest
// entries once MaxHistoryTurns is exceeded.
func (m *Manager) AppendTurns(ctx context.Context, id string, turns ...Turn) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	existing, err := m.History(ctx, id)
	if err != nil {
		return err
	}

	updated := append(existing, turns...)
	if len(updated) > MaxHistoryTurns {
		updated = updated[len(updated)-MaxHistoryTurns:]
	}

	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	return m.store.Set(ctx, historyKey(id), data, m.ttl)
}

// ClearHistory removes the conversation history immediately.
func (m *Manager) ClearHistory(ctx context.Context, id string) error {
	return m.store.Delete(ctx, historyKey(id))
}

// Active returns all live sessions, for monitoring.
func (m *Manager) Active(ctx context.Context) ([]*Session, error) {
	keys, err := m.store.Keys(ctx, "session:*")
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		data, err := m.store.Get(ctx, key)
		if err != nil {
			continue // expired between scan and read
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		if sess.Status.Terminal() {
			continue
		}
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}

// BeginRequest claims the session's single processing slot and returns a
// fresh request ID. Returns ErrBusy if a turn is already in flight — the
// caller should drop the new audio with a warning, never interleave turns.
func (m *Manager) BeginRequest(ctx context.Context, id string) (string, error) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sess, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.Status.Terminal() || !sess.CallState.Active {
		return "", ErrEnded
	}
	if sess.RequestState.Processing {
		return "", ErrBusy
	}

	requestID := uuid.NewString()
	sess.RequestState.Processing = true
	sess.RequestState.CurrentRequestID = requestID
	sess.UpdatedAt = m.now()

	if err := m.save(ctx, sess); err != nil {
		return "", err
	}
	return requestID, nil
}

// FinishRequest releases the processing slot if requestID still owns it.
// A mismatched ID means the request was cancelled (e.g. by an interruption)
// and the release is a no-op.
//
// The release must go through even when the turn's context was cancelled or
// timed out; a held slot would block every later turn until the session TTL.
func (m *Manager) FinishRequest(ctx context.Context, id, requestID string) {
	ctx = context.WithoutCancel(ctx)
	_, err := m.Update(ctx, id, func(s *Session) {
		if s.RequestState.CurrentRequestID == requestID {
			s.RequestState.Processing = false
			s.RequestState.CurrentRequestID = ""
		}
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		logger.Warn("failed to release request slot", "session_id", id, "error", err)
	}
}

// RequestStillCurrent reports whether requestID is still the session's
// in-flight request. Results of cancelled requests must be discarded, never
// broadcast.
func (m *Manager) RequestStillCurrent(ctx context.Context, id, requestID string) bool {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return false
	}
	return sess.RequestState.CurrentRequestID == requestID
}
