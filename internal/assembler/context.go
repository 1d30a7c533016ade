package assembler

import (
	"fmt"

	"github.com/finchat-dev/finchat/pkg/chat"
)

// ContextSource is the resolved origin of account context for one turn.
// It is a sealed sum: exactly NoContext, ExplicitContext, or CachedContext,
// decided once before assembly rather than probed through nested optionals.
type ContextSource interface {
	isContextSource()
}

// NoContext carries no context into the window.
type NoContext struct{}

// ExplicitContext carries caller-supplied context text.
type ExplicitContext struct {
	Text string
}

// CachedContext carries context resolved from the context cache.
type CachedContext struct {
	Key   string
	Tier  string
	Text  string
	Fresh bool
}

func (NoContext) isContextSource()       {}
func (ExplicitContext) isContextSource() {}
func (CachedContext) isContextSource()   {}

// renderSource turns a context source into the user-role message injected
// ahead of the new user message. The second return is false when there is
// nothing to inject.
func renderSource(source ContextSource) (chat.Message, bool) {
	switch s := source.(type) {
	case ExplicitContext:
		if s.Text == "" {
			return chat.Message{}, false
		}
		return chat.NewUserMessage("Context for this request:\n" + s.Text), true
	case CachedContext:
		if s.Text == "" {
			return chat.Message{}, false
		}
		header := fmt.Sprintf("Account context (%s", s.Tier)
		if !s.Fresh {
			header += ", may be out of date"
		}
		return chat.NewUserMessage(header + "):\n" + s.Text), true
	default:
		// NoContext or nil
		return chat.Message{}, false
	}
}
