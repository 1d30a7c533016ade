package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/finchat-dev/finchat/pkg/chat"
)

// MemoryStore implements Store with an in-process map. It mirrors the Redis
// store's TTL semantics (expiry evaluated on access) and exists for tests and
// single-process runs.
type MemoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]*memorySession
	closed   bool
	now      func() time.Time
}

type memorySession struct {
	record    Record
	messages  []chat.Message
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory session store with the given TTL
// (0 = never expire).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

// expired reports whether the session is past its deadline. Callers hold at
// least the read lock.
func (s *MemoryStore) expired(sess *memorySession) bool {
	return s.ttl > 0 && s.now().After(sess.expiresAt)
}

func (s *MemoryStore) live(sessionKey string) (*memorySession, bool) {
	sess, ok := s.sessions[sessionKey]
	if !ok || s.expired(sess) {
		return nil, false
	}
	return sess, true
}

// Load retrieves all messages for a session in order.
func (s *MemoryStore) Load(ctx context.Context, sessionKey string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	sess, ok := s.live(sessionKey)
	if !ok {
		return nil, ErrSessionNotFound
	}

	out := make([]chat.Message, len(sess.messages))
	copy(out, sess.messages)
	return out, nil
}

// Append adds messages to a session and resets its TTL.
func (s *MemoryStore) Append(ctx context.Context, sessionKey string, msgs []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	now := s.now().UTC()
	sess, ok := s.live(sessionKey)
	if !ok {
		sess = &memorySession{
			record: Record{SessionKey: sessionKey, CreatedAt: now},
		}
		s.sessions[sessionKey] = sess
	}

	sess.messages = append(sess.messages, msgs...)
	sess.record.UpdatedAt = now
	sess.record.MessageCount = len(sess.messages)
	if s.ttl > 0 {
		sess.expiresAt = now.Add(s.ttl)
	}

	return nil
}

// Trim drops the oldest messages so at most maxMessages remain.
func (s *MemoryStore) Trim(ctx context.Context, sessionKey string, maxMessages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageClosed
	}
	if maxMessages <= 0 {
		return fmt.Errorf("trim: maxMessages must be positive, got %d", maxMessages)
	}
	sess, ok := s.live(sessionKey)
	if !ok {
		return nil
	}

	if excess := len(sess.messages) - maxMessages; excess > 0 {
		sess.messages = append([]chat.Message(nil), sess.messages[excess:]...)
		sess.record.MessageCount = len(sess.messages)
	}
	return nil
}

// Clear removes a session. Returns true iff something was deleted.
func (s *MemoryStore) Clear(ctx context.Context, sessionKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStorageClosed
	}
	sess, ok := s.sessions[sessionKey]
	if !ok {
		return false, nil
	}
	delete(s.sessions, sessionKey)
	// An expired entry still occupied the map, but the caller sees the same
	// answer Redis would give: nothing to delete.
	if s.expired(sess) {
		return false, nil
	}
	return true, nil
}

// Record retrieves session summary information.
func (s *MemoryStore) Record(ctx context.Context, sessionKey string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	sess, ok := s.live(sessionKey)
	if !ok {
		return nil, ErrSessionNotFound
	}

	rec := sess.record
	return &rec, nil
}

// Ping reports whether the store is usable.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close releases the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sessions = nil
	return nil
}
