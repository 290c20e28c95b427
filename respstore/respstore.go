// Package respstore persists synthesized reply audio to local disk so large
// payloads can be delivered by URL reference instead of inline in broadcast
// messages.
package respstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/voxflow/voxflow/logger"
)

// ErrInvalidName is returned when a session or audio ID would escape the
// store's directory.
var ErrInvalidName = errors.New("invalid session or audio identifier")

// ErrNotFound is returned when no stored file matches the identifiers.
var ErrNotFound = errors.New("response audio not found")

const dirPerm = 0o755

// Store writes and serves per-session response audio files. Layout:
// <root>/<session_id>/<audio_id>.mp3.
type Store struct {
	root    string
	baseURL string
}

// New creates a response store rooted at dir. baseURL is the public prefix
// used to build download URLs (e.g. "http://host:8080/audio-responses").
func New(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create response store root: %w", err)
	}
	return &Store{
		root:    dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// validName rejects identifiers that could traverse outside the store root.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

func (s *Store) path(sessionID, audioID string) (string, error) {
	if !validName(sessionID) || !validName(audioID) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.root, sessionID, audioID+".mp3"), nil
}

// Save writes audio for (sessionID, audioID) and returns its public URL.
func (s *Store) Save(ctx context.Context, sessionID, audioID string, audio []byte) (string, error) {
	path, err := s.path(sessionID, audioID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create session audio dir: %w", err)
	}
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("failed to write response audio: %w", err)
	}

	return s.URL(sessionID, audioID), nil
}

// URL returns the public URL for a stored file.
func (s *Store) URL(sessionID, audioID string) string {
	return fmt.Sprintf("%s/%s/%s.mp3", s.baseURL, sessionID, audioID)
}

// Open returns the stored audio bytes.
func (s *Store) Open(ctx context.Context, sessionID, audioID string) ([]byte, error) {
	path, err := s.path(sessionID, audioID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read response audio: %w", err)
	}
	return data, nil
}

// Purge removes all stored audio for a session. Used by the post-end cleanup
// hook.
func (s *Store) Purge(ctx context.Context, sessionID string) {
	if !validName(sessionID) {
		return
	}
	if err := os.RemoveAll(filepath.Join(s.root, sessionID)); err != nil {
		logger.Warn("failed to purge response audio", "session_id", sessionID, "error", err)
	}
}
