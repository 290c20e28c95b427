package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/voxflow/voxflow/agent"
	"github.com/voxflow/voxflow/logger"
	"github.com/voxflow/voxflow/respstore"
	"github.com/voxflow/voxflow/session"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeSessionError maps session errors to HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, "session is processing another request")
	case errors.Is(err, session.ErrEnded):
		writeError(w, http.StatusGone, "session has ended")
	case errors.Is(err, agent.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type createSessionRequest struct {
	AgentID     string            `json:"agent_id"`
	ChannelName string            `json:"channel_name"`
	Variables   map[string]string `json:"variables"`
}

// broadcastConfig tells the client where to listen for call events.
type broadcastConfig struct {
	Channel       string `json:"channel"`
	WebSocketPath string `json:"websocket_path"`
}

type createSessionResponse struct {
	*session.Session
	BroadcastConfig broadcastConfig `json:"broadcast_config"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if req.ChannelName == "" {
		req.ChannelName = "call." + uuid.NewString()
	}

	sess, err := s.sessions.Create(r.Context(), req.AgentID, req.ChannelName, req.Variables)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	// Connection setup and the greeting run in the background; the client
	// follows progress over the broadcast channel.
	go func() {
		ctx := context.Background()
		if !s.sessions.InitializeConnection(ctx, sess.ID) {
			return
		}
		if _, err := s.pipeline.PrepareGreeting(ctx, sess.ID); err != nil {
			logger.Warn("greeting preparation failed", "session_id", sess.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, createSessionResponse{
		Session: sess,
		BroadcastConfig: broadcastConfig{
			Channel:       sess.ChannelName,
			WebSocketPath: "/ws/" + sess.ChannelName,
		},
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.Active(r.Context())
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type audioRequest struct {
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"`
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	var req audioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	audio, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil || len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "audio_base64 must be non-empty base64")
		return
	}

	result, err := s.pipeline.ProcessTurn(r.Context(), r.PathValue("id"), audio, req.Format)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	if result == nil {
		// Turn was dropped or failed; the channel carries the details.
		writeJSON(w, http.StatusAccepted, map[string]any{"processed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processed":       true,
		"audio_id":        result.AudioID,
		"transcript":      result.Transcript,
		"user_transcript": result.UserTranscript,
		"should_end_call": result.ShouldEnd,
	})
}

func (s *Server) handleAudioFile(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		writeSessionError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	format := strings.ToLower(r.FormValue("format"))
	if format == "" {
		format = formatFromFilename(header.Filename)
	}
	if !audioFormatPattern.MatchString(format) {
		writeError(w, http.StatusBadRequest, "invalid audio format")
		return
	}

	path := filepath.Join(s.uploadDir, uuid.NewString()+"."+format)
	if err := saveUpload(file, path); err != nil {
		logger.Error("failed to save upload", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}

	s.runner.EnqueueAudioFile(context.Background(), sessionID, path, format)

	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
}

// audioFormatPattern is the only shape a format may take. The format becomes
// part of an on-disk filename, so anything else is rejected before it can
// steer the write path.
var audioFormatPattern = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

func formatFromFilename(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 1 {
		return ext[1:]
	}
	return "wav"
}

func saveUpload(src io.Reader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to write upload: %w", err)
	}
	return nil
}

type playbackCompleteRequest struct {
	AudioID string `json:"audio_id"`
}

func (s *Server) handlePlaybackComplete(w http.ResponseWriter, r *http.Request) {
	var req playbackCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AudioID == "" {
		writeError(w, http.StatusBadRequest, "audio_id is required")
		return
	}

	if err := s.playback.Complete(r.Context(), r.PathValue("id"), req.AudioID); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

type interruptionRequest struct {
	SpeechSeconds float64 `json:"speech_seconds"`
}

func (s *Server) handleInterruption(w http.ResponseWriter, r *http.Request) {
	var req interruptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	stopped, err := s.playback.Interrupt(r.Context(), r.PathValue("id"), req.SpeechSeconds)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interrupted": stopped})
}

func (s *Server) handleInterruptionAck(w http.ResponseWriter, r *http.Request) {
	if err := s.playback.Acknowledge(r.Context(), r.PathValue("id")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

type endSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "user_ended"
	}

	if err := s.sessions.End(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ended": true})
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	chunks, err := s.chunks.Recent(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	type chunkView struct {
		ID         string `json:"chunk_id"`
		Direction  string `json:"direction"`
		Format     string `json:"format,omitempty"`
		DurationMS int    `json:"duration_ms,omitempty"`
		ReceivedAt string `json:"received_at"`
		SizeBytes  int    `json:"size_bytes"`
	}
	views := make([]chunkView, 0, len(chunks))
	for _, c := range chunks {
		views = append(views, chunkView{
			ID:         c.ID,
			Direction:  string(c.Direction),
			Format:     c.Format,
			DurationMS: c.DurationMS,
			ReceivedAt: c.ReceivedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			SizeBytes:  len(c.Audio),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": views})
}

func (s *Server) handleAudioResponse(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	file := r.PathValue("file")

	ext := filepath.Ext(file)
	audioID := file[:len(file)-len(ext)]

	data, err := s.files.Open(r.Context(), sessionID, audioID)
	if err != nil {
		if errors.Is(err, respstore.ErrNotFound) || errors.Is(err, respstore.ErrInvalidName) {
			writeError(w, http.StatusNotFound, "audio not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "private, max-age=300")
	_, _ = w.Write(data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, r.PathValue("channel"))
}
