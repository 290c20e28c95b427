// Package statestore provides keyed, TTL-expiring persistence for call state.
//
// Every stateful component of the call runtime (sessions, conversation
// history, the audio chunk log, the synthesis cache) reads and writes through
// the Store interface. No component holds a connection singleton — stores are
// injected at construction so tests can substitute the in-memory
// implementation.
package statestore

import (
	"context"
	"errors"
	"time"
)

// Store defines the keyed value store with TTL semantics.
type Store interface {
	// Get retrieves the value stored under key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL.
	// A TTL of 0 means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Exists reports whether key currently resolves to a value.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire resets the TTL of an existing key. A no-op if the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// ListPush appends value to the list stored under key, creating the list
	// if needed, and refreshes the list's TTL.
	ListPush(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// ListRange returns list elements between start and stop inclusive.
	// Negative indices count from the end (-1 is the last element).
	// Returns an empty slice (not ErrNotFound) for a missing list.
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Keys returns all live keys matching pattern. Pattern supports a single
	// trailing "*" wildcard (e.g. "session:*"). Intended for monitoring, not
	// hot paths.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// ErrNotFound is returned when a key doesn't exist or has expired.
var ErrNotFound = errors.New("key not found")

// ErrInvalidKey is returned when an empty key is provided.
var ErrInvalidKey = errors.New("invalid key")
