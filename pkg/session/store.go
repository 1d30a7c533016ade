package session

import (
	"context"
	"errors"

	"github.com/finchat-dev/finchat/pkg/chat"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist or has
	// expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("session store is closed")
)

// Store abstracts session persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load retrieves all messages for a session in order.
	// Returns ErrSessionNotFound if the session doesn't exist or expired.
	Load(ctx context.Context, sessionKey string) ([]chat.Message, error)

	// Append adds messages to the end of a session and resets its TTL,
	// creating the session if absent.
	Append(ctx context.Context, sessionKey string, msgs []chat.Message) error

	// Trim drops the oldest messages so at most maxMessages remain.
	Trim(ctx context.Context, sessionKey string, maxMessages int) error

	// Clear removes a session. Returns true iff something was deleted.
	Clear(ctx context.Context, sessionKey string) (bool, error)

	// Record retrieves session summary information.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Record(ctx context.Context, sessionKey string) (*Record, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
