package statestore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore provides an in-memory implementation of the Store interface.
// It is thread-safe and suitable for development, testing, and single-instance
// deployments. For distributed systems, use RedisStore.
//
// Expiration is lazy: expired entries are dropped when touched by a read or
// write, and filtered out of Keys results.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]entry
	lists  map[string]*listEntry

	// now is overridable in tests to exercise TTL behavior.
	now func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiration
}

type listEntry struct {
	items     [][]byte
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]entry),
		lists:  make(map[string]*listEntry),
		now:    time.Now,
	}
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (l *listEntry) expired(now time.Time) bool {
	return !l.expiresAt.IsZero() && now.After(l.expiresAt)
}

// Get retrieves the value stored under key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	s.mu.RLock()
	e, ok := s.values[key]
	s.mu.RUnlock()

	if !ok || e.expired(s.now()) {
		return nil, ErrNotFound
	}

	// Return a copy to prevent external mutations.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores value under key with the given TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.values[key] = entry{value: stored, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

// Exists reports whether key currently resolves to a value.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.values[key]; ok && !e.expired(s.now()) {
		return true, nil
	}
	if l, ok := s.lists[key]; ok && !l.expired(s.now()) {
		return true, nil
	}
	return false, nil
}

// Expire resets the TTL of an existing key.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.values[key]; ok && !e.expired(s.now()) {
		e.expiresAt = expiresAt
		s.values[key] = e
	}
	if l, ok := s.lists[key]; ok && !l.expired(s.now()) {
		l.expiresAt = expiresAt
	}
	return nil
}

// Delete removes the given keys.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.values, key)
		delete(s.lists, key)
	}
	return nil
}

// ListPush appends value to the list stored under key.
func (s *MemoryStore) ListPush(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[key]
	if !ok || l.expired(s.now()) {
		l = &listEntry{}
		s.lists[key] = l
	}
	l.items = append(l.items, stored)
	if ttl > 0 {
		l.expiresAt = s.now().Add(ttl)
	} else {
		l.expiresAt = time.Time{}
	}
	return nil
}

// ListRange returns list elements between start and stop inclusive.
func (s *MemoryStore) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lists[key]
	if !ok || l.expired(s.now()) {
		return [][]byte{}, nil
	}

	n := int64(len(l.items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return [][]byte{}, nil
	}

	out := make([][]byte, 0, stop-start+1)
	for _, item := range l.items[start : stop+1] {
		cp := make([]byte, len(item))
		copy(cp, item)
		out = append(out, cp)
	}
	return out, nil
}

// AdvanceTime shifts the store's clock forward. Test helper for exercising
// TTL expiry without sleeping.
func (s *MemoryStore) AdvanceTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.now
	s.now = func() time.Time { return base().Add(d) }
}

// Keys returns all live keys matching pattern.
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var keys []string
	for k, e := range s.values {
		if !e.expired(now) && matchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	for k, l := range s.lists {
		if !l.expired(now) && matchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// matchPattern supports exact matches and a single trailing "*" wildcard.
func matchPattern(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
