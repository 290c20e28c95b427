// Package server exposes the call runtime over HTTP: session lifecycle,
// audio ingress, playback events, chunk replay, and WebSocket attachment.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/voxflow/voxflow/audiolog"
	"github.com/voxflow/voxflow/broadcast"
	"github.com/voxflow/voxflow/jobs"
	"github.com/voxflow/voxflow/pipeline"
	"github.com/voxflow/voxflow/playback"
	"github.com/voxflow/voxflow/respstore"
	"github.com/voxflow/voxflow/session"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second

	// maxUploadBytes caps multipart audio uploads.
	maxUploadBytes = 25 << 20
)

// Server hosts the runtime's HTTP API.
type Server struct {
	sessions *session.Manager
	pipeline *pipeline.Pipeline
	playback *playback.Controller
	runner   *jobs.Runner
	chunks   *audiolog.Log
	files    *respstore.Store
	hub      *broadcast.Hub

	uploadDir string
	httpSrv   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithHub attaches a WebSocket hub served at /ws/{channel}.
func WithHub(hub *broadcast.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithChunkLog enables the chunk replay endpoint.
func WithChunkLog(log *audiolog.Log) Option {
	return func(s *Server) { s.chunks = log }
}

// WithResponseStore enables serving stored response audio.
func WithResponseStore(store *respstore.Store) Option {
	return func(s *Server) { s.files = store }
}

// WithJobRunner enables the async file-upload endpoint.
func WithJobRunner(runner *jobs.Runner, uploadDir string) Option {
	return func(s *Server) {
		s.runner = runner
		s.uploadDir = uploadDir
	}
}

// New creates the HTTP server.
func New(
	addr string,
	sessions *session.Manager,
	p *pipeline.Pipeline,
	pb *playback.Controller,
	opts ...Option,
) *Server {
	s := &Server{
		sessions: sessions,
		pipeline: p,
		playback: pb,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/audio", s.handleAudio)
	mux.HandleFunc("POST /sessions/{id}/playback-complete", s.handlePlaybackComplete)
	mux.HandleFunc("POST /sessions/{id}/interruption", s.handleInterruption)
	mux.HandleFunc("POST /sessions/{id}/interruption-ack", s.handleInterruptionAck)
	mux.HandleFunc("POST /sessions/{id}/end", s.handleEndSession)

	if s.runner != nil {
		mux.HandleFunc("POST /sessions/{id}/audio-file", s.handleAudioFile)
	}
	if s.chunks != nil {
		mux.HandleFunc("GET /sessions/{id}/chunks", s.handleChunks)
	}
	if s.files != nil {
		mux.HandleFunc("GET /audio-responses/{session}/{file}", s.handleAudioResponse)
	}
	if s.hub != nil {
		mux.HandleFunc("GET /ws/{channel}", s.handleWS)
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

// Start begins serving. Blocks until the server stops; returns
// http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the route handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
