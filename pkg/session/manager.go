package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"

	"github.com/finchat-dev/finchat/pkg/chat"
)

// lockShards sizes the keyed-mutex table. Sessions hash onto shards, so two
// distinct keys may share a lock; that only costs unneeded serialization.
const lockShards = 64

// Manager wraps a Store with the conversation-level rules: sanitize on every
// load, append exchanges as user/assistant pairs, trim to the sliding window,
// and serialize concurrent turns on the same session key.
//
// The store being unavailable is never fatal for a read: History degrades to
// empty rather than failing the request for history loss alone.
type Manager struct {
	store       Store
	windowTurns int
	locks       [lockShards]sync.Mutex
}

// NewManager creates a session manager. windowTurns is the sliding-window
// size applied after each exchange.
func NewManager(store Store, windowTurns int) *Manager {
	if windowTurns <= 0 {
		windowTurns = 30
	}
	return &Manager{
		store:       store,
		windowTurns: windowTurns,
	}
}

// Lock acquires the in-process mutex for a session key and returns the
// unlock func. Callers hold it across a whole turn (load, complete, append)
// so two concurrent turns on one session cannot race read-modify-append.
// Cross-process callers still race; there is no distributed lease.
func (m *Manager) Lock(sessionKey string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionKey))
	shard := &m.locks[h.Sum32()%lockShards]
	shard.Lock()
	return shard.Unlock
}

// History loads the session's messages, sanitized. A missing or expired
// session reads as empty history. A store failure also reads as empty and
// reports degraded=true so the caller can flag reduced fidelity.
func (m *Manager) History(ctx context.Context, sessionKey string) (msgs []chat.Message, degraded bool) {
	loaded, err := m.store.Load(ctx, sessionKey)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, false
		}
		log.Printf("[Session] load %s failed, continuing with empty history: %v", sessionKey, err)
		return nil, true
	}
	return chat.Sanitize(loaded), false
}

// AppendExchange persists a completed user/assistant pair and trims the
// session to the window. Persisted assistant turns never carry tool calls:
// tool results reach history only as summarized content, so any call
// requests left on the final turn are stripped before the write.
func (m *Manager) AppendExchange(ctx context.Context, sessionKey string, ex Exchange) error {
	user := ex.User
	assistant := ex.Assistant
	user.Role = chat.RoleUser
	assistant.Role = chat.RoleAssistant
	assistant.ToolCalls = nil

	if err := m.store.Append(ctx, sessionKey, []chat.Message{user, assistant}); err != nil {
		return fmt.Errorf("append exchange: %w", err)
	}
	if err := m.store.Trim(ctx, sessionKey, m.windowTurns); err != nil {
		// The exchange is saved; a failed trim only delays the window. The
		// next successful append trims again.
		log.Printf("[Session] trim %s failed: %v", sessionKey, err)
	}
	return nil
}

// Clear removes a session. Returns true iff something was deleted.
func (m *Manager) Clear(ctx context.Context, sessionKey string) (bool, error) {
	deleted, err := m.store.Clear(ctx, sessionKey)
	if err != nil {
		return false, fmt.Errorf("clear session: %w", err)
	}
	return deleted, nil
}

// Ping reports whether the backing store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Close releases the backing store.
func (m *Manager) Close() error {
	return m.store.Close()
}
