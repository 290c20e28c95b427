package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow/agent"
	"github.com/voxflow/voxflow/asr"
	"github.com/voxflow/voxflow/audiocache"
	"github.com/voxflow/voxflow/audiolog"
	"github.com/voxflow/voxflow/broadcast"
	"github.com/voxflow/voxflow/jobs"
	"github.com/voxflow/voxflow/llm"
	"github.com/voxflow/voxflow/pipeline"
	"github.com/voxflow/voxflow/playback"
	"github.com/voxflow/voxflow/respstore"
	"github.com/voxflow/voxflow/session"
	"github.com/voxflow/voxflow/statestore"
	"github.com/voxflow/voxflow/tts"
)

type fakeASR struct{ text string }

func (f fakeASR) Name() string { return "fake-asr" }
func (f fakeASR) Transcribe(ctx context.Context, audio []byte, config asr.Config) (string, error) {
	return f.text, nil
}

type fakeLLM struct{ reply llm.Reply }

func (f fakeLLM) Name() string { return "fake-llm" }
func (f fakeLLM) Generate(ctx context.Context, req llm.Request) (*llm.Reply, error) {
	r := f.reply
	return &r, nil
}

type fakeTTS struct{}

func (fakeTTS) Name() string { return "fake-tts" }
func (fakeTTS) Synthesize(ctx context.Context, text string, config tts.Config) ([]byte, error) {
	return []byte("reply-audio"), nil
}

type noopScheduler struct{}

func (noopScheduler) AfterFunc(d time.Duration, fn func()) func() { return func() {} }

type fixture struct {
	server   *Server
	sessions *session.Manager
	rec      *broadcast.Recorder
	files    *respstore.Store
	runner   *jobs.Runner
}

func setup(t *testing.T) *fixture {
	t.Helper()

	rec := broadcast.NewRecorder()
	store := statestore.NewMemoryStore()
	mgr := session.NewManager(
		store,
		agent.NewMemoryDirectory(&agent.Agent{
			ID:              "agent-1",
			SystemPrompt:    "You help {{customer_name}}.",
			GreetingMessage: "Hello!",
			VoiceID:         "voice-a",
		}),
		rec,
		session.WithScheduler(noopScheduler{}),
	)

	files, err := respstore.New(t.TempDir(), "http://localhost/audio-responses")
	require.NoError(t, err)
	chunkLog := audiolog.New(store)

	p := pipeline.New(mgr, fakeASR{text: "hello"}, fakeLLM{reply: llm.Reply{Text: "Hi there."}},
		fakeTTS{}, audiocache.New(store), rec,
		pipeline.WithChunkLog(chunkLog),
		pipeline.WithResponseStore(files),
	)
	runner := jobs.NewRunner(p, mgr, rec, jobs.WithBackoff(time.Millisecond))

	srv := New(":0", mgr, p, playback.NewController(mgr, rec),
		WithChunkLog(chunkLog),
		WithResponseStore(files),
		WithJobRunner(runner, t.TempDir()),
		WithHub(broadcast.NewHub()),
	)

	return &fixture{server: srv, sessions: mgr, rec: rec, files: files, runner: runner}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) createSession(t *testing.T) string {
	t.Helper()

	w := f.do(t, http.MethodPost, "/sessions", map[string]any{
		"agent_id":     "agent-1",
		"channel_name": "chan-1",
		"variables":    map[string]string{"customer_name": "Ana"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var sess session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))

	// Connection setup and the greeting run in the background; wait for the
	// greeting to be playing so later requests see a settled session.
	require.Eventually(t, func() bool {
		loaded, err := f.sessions.Get(context.Background(), sess.ID)
		return err == nil && loaded.AudioState.Playing
	}, time.Second, 5*time.Millisecond)

	return sess.ID
}

func TestCreateSession(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodPost, "/sessions", map[string]any{
		"agent_id":  "agent-1",
		"variables": map[string]string{"customer_name": "Ana"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		session.Session
		BroadcastConfig struct {
			Channel       string `json:"channel"`
			WebSocketPath string `json:"websocket_path"`
		} `json:"broadcast_config"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.NotEmpty(t, resp.ChannelName)
	assert.Equal(t, "You help Ana.", resp.ProcessedSystemPrompt)
	assert.Equal(t, resp.ChannelName, resp.BroadcastConfig.Channel)
	assert.Equal(t, "/ws/"+resp.ChannelName, resp.BroadcastConfig.WebSocketPath)
}

func TestCreateSession_UnknownAgent(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodPost, "/sessions", map[string]any{"agent_id": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateSession_MissingAgentID(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodPost, "/sessions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSession(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	w := f.do(t, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var sess session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, id, sess.ID)

	w = f.do(t, http.MethodGet, "/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessions(t *testing.T) {
	f := setup(t)
	f.createSession(t)
	f.createSession(t)

	w := f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []session.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 2)
}

func TestAudioTurn(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	w := f.do(t, http.MethodPost, "/sessions/"+id+"/audio", map[string]any{
		"audio_base64": base64.StdEncoding.EncodeToString([]byte("caller-audio")),
		"format":       "wav",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["processed"])
	assert.Equal(t, "Hi there.", resp["transcript"])
	assert.Equal(t, "hello", resp["user_transcript"])
	assert.NotEmpty(t, resp["audio_id"])
}

func TestAudioTurn_InvalidBase64(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	w := f.do(t, http.MethodPost, "/sessions/"+id+"/audio", map[string]any{
		"audio_base64": "not-base64!!!",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAudioTurn_BusySession(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	_, err := f.sessions.BeginRequest(context.Background(), id)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/sessions/"+id+"/audio", map[string]any{
		"audio_base64": base64.StdEncoding.EncodeToString([]byte("audio")),
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAudioFileUpload(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "turn.wav")
	require.NoError(t, err)
	_, err = part.Write([]byte("uploaded-audio"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/audio-file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	f.runner.Wait()

	msgs := f.rec.ByKind(broadcast.KindResponse)
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].AudioURL)
}

func TestAudioFileUpload_RejectsPathTraversalFormat(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	escape := filepath.Join(t.TempDir(), "pwned")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("format", "../../../../../.."+escape))
	part, err := mw.CreateFormFile("audio", "turn.wav")
	require.NoError(t, err)
	_, err = part.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/audio-file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Nothing may be written outside the upload directory.
	_, statErr := os.Stat(escape)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAudioFileUpload_RejectsBadFilenameExtension(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "turn.b@d")
	require.NoError(t, err)
	_, err = part.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/audio-file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlaybackCompleteAndInterruption(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/sessions/"+id+"/audio", map[string]any{
		"audio_base64": base64.StdEncoding.EncodeToString([]byte("audio")),
	})
	require.Equal(t, http.StatusOK, w.Code)

	var turn map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turn))
	audioID := turn["audio_id"].(string)

	// Short speech doesn't interrupt.
	w = f.do(t, http.MethodPost, "/sessions/"+id+"/interruption", map[string]any{
		"speech_seconds": 1.0,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["interrupted"])

	// Long speech does.
	w = f.do(t, http.MethodPost, "/sessions/"+id+"/interruption", map[string]any{
		"speech_seconds": 5.0,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["interrupted"])

	// Completion for the interrupted audio is stale and harmless.
	w = f.do(t, http.MethodPost, "/sessions/"+id+"/playback-complete", map[string]any{
		"audio_id": audioID,
	})
	assert.Equal(t, http.StatusOK, w.Code)

	sess, err := f.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, sess.AudioState.Playing)
	assert.True(t, sess.AudioState.Interrupted)

	w = f.do(t, http.MethodPost, "/sessions/"+id+"/interruption-ack", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	sess, err = f.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, sess.AudioState.Interrupted)
}

func TestEndSession(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	w := f.do(t, http.MethodPost, "/sessions/"+id+"/end", map[string]any{
		"reason": "user_ended",
	})
	require.Equal(t, http.StatusOK, w.Code)

	sess, err := f.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, sess.Status)
	assert.Equal(t, "user_ended", sess.EndReason)
}

func TestChunkReplay(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	for range 3 {
		w := f.do(t, http.MethodPost, "/sessions/"+id+"/audio", map[string]any{
			"audio_base64": base64.StdEncoding.EncodeToString([]byte("chunk")),
			"format":       "wav",
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := f.do(t, http.MethodGet, "/sessions/"+id+"/chunks?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Each turn logs the caller chunk and the reply; the newest pair comes
	// back last-in order.
	var resp struct {
		Chunks []struct {
			ID        string `json:"chunk_id"`
			Direction string `json:"direction"`
			SizeBytes int    `json:"size_bytes"`
		} `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Chunks, 2)
	assert.Equal(t, "incoming", resp.Chunks[0].Direction)
	assert.Equal(t, len("chunk"), resp.Chunks[0].SizeBytes)
	assert.Equal(t, "outgoing", resp.Chunks[1].Direction)
	assert.Equal(t, len("reply-audio"), resp.Chunks[1].SizeBytes)
}

func TestAudioResponseServing(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	_, err := f.files.Save(context.Background(), id, "audio-1", []byte("mp3-bytes"))
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/audio-responses/"+id+"/audio-1.mp3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte("mp3-bytes"), w.Body.Bytes())

	w = f.do(t, http.MethodGet, "/audio-responses/"+id+"/missing.mp3", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
