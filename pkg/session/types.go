// Package session provides conversation history persistence for the
// assistant. Sessions are append-only message sequences keyed by an opaque
// session key, trimmed to a sliding window after each exchange and reaped by
// the store's TTL.
package session

import (
	"time"

	"github.com/finchat-dev/finchat/pkg/chat"
)

// Record holds session summary information. It is stored separately from the
// message list for quick inspection without loading the whole history.
// User scoping lives in the session key itself; keys are opaque strings
// unique per (user, purpose).
type Record struct {
	// SessionKey is the unique session identifier.
	SessionKey string `json:"sessionKey"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the session was last appended to.
	UpdatedAt time.Time `json:"updatedAt"`
	// MessageCount is the number of messages currently retained.
	MessageCount int `json:"messageCount"`
}

// Exchange pairs the user turn with the assistant turn that answered it.
// Appends always happen in these pairs so the stored history stays
// structurally valid.
type Exchange struct {
	User      chat.Message
	Assistant chat.Message
}
