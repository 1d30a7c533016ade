// Package assembler builds the bounded completion window for one turn: a
// single system turn, sanitized session history, optional account context,
// and the new user turn, squeezed under a byte budget by evicting the
// oldest history first.
package assembler

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/finchat-dev/finchat/pkg/chat"
	"github.com/finchat-dev/finchat/pkg/config"
)

// AssembleRequest carries everything the assembler needs for one turn.
type AssembleRequest struct {
	// SystemPrompt is the persona/instruction text for the system turn.
	SystemPrompt string
	// History is the stored session history, oldest first.
	History []chat.Message
	// Source resolves where account context comes from this turn.
	Source ContextSource
	// UserMessage is the new user turn, appended last.
	UserMessage chat.Message
}

// Assembly is the built window plus what it cost to fit.
type Assembly struct {
	// Messages is the final ordered window.
	Messages []chat.Message
	// Size is the serialized byte size of Messages.
	Size int
	// Evicted is how many history messages were dropped to fit the budget.
	Evicted int
	// ContextTruncated is true when the context message was cut to the
	// floor as a last resort.
	ContextTruncated bool
}

// Assembler composes completion windows under a fixed byte budget.
//
// The window is always [system, history..., context?, user]. The system
// turn and the newest user turn are never evicted; the context message is
// only ever truncated, never dropped. When the budget cannot be met the
// assembler returns the smallest window it reached rather than failing the
// turn.
type Assembler struct {
	cfg config.AssemblerConfig
}

// NewAssembler returns an assembler using the given limits.
func NewAssembler(cfg config.AssemblerConfig) *Assembler {
	return &Assembler{cfg: cfg}
}

// Assemble builds the completion window for one turn.
func (a *Assembler) Assemble(req AssembleRequest) (Assembly, error) {
	if strings.TrimSpace(req.UserMessage.Content) == "" {
		return Assembly{}, errors.New("assemble: empty user message")
	}

	system := chat.NewSystemMessage(truncateContent(req.SystemPrompt, a.cfg.SystemCharCeiling))

	history := chat.Sanitize(req.History)
	clipped := make([]chat.Message, len(history))
	for i, m := range history {
		m.Content = truncateContent(m.Content, a.cfg.TurnCharCeiling)
		clipped[i] = m
	}
	history = clipped

	var ctxMsg *chat.Message
	if m, ok := renderSource(req.Source); ok {
		ctxMsg = &m
	}

	user := req.UserMessage
	if user.ID == "" {
		user = chat.NewUserMessage(user.Content)
	}
	user.Content = truncateContent(user.Content, a.cfg.TurnCharCeiling)

	out := Assembly{}
	msgs := compose(system, history, ctxMsg, user)
	size := chat.SerializedSize(msgs)

	// Evict oldest history first. Each drop re-sanitizes so tool turns
	// orphaned by losing their assistant turn go with it.
	for attempts := 0; size > a.cfg.BudgetBytes && attempts < a.cfg.MaxEvictionAttempts && len(history) > 0; attempts++ {
		before := len(history)
		history = chat.Sanitize(history[1:])
		out.Evicted += before - len(history)
		msgs = compose(system, history, ctxMsg, user)
		size = chat.SerializedSize(msgs)
	}

	// Last resort: cut the context message down to the floor.
	if size > a.cfg.BudgetBytes && ctxMsg != nil && len(ctxMsg.Content) > a.cfg.ContextCharFloor {
		ctxMsg.Content = truncateContent(ctxMsg.Content, a.cfg.ContextCharFloor)
		out.ContextTruncated = true
		msgs = compose(system, history, ctxMsg, user)
		size = chat.SerializedSize(msgs)
	}

	out.Messages = msgs
	out.Size = size
	return out, nil
}

func compose(system chat.Message, history []chat.Message, ctxMsg *chat.Message, user chat.Message) []chat.Message {
	msgs := make([]chat.Message, 0, len(history)+3)
	msgs = append(msgs, system)
	msgs = append(msgs, history...)
	if ctxMsg != nil {
		msgs = append(msgs, *ctxMsg)
	}
	msgs = append(msgs, user)
	return msgs
}

// truncateContent caps content at maxChars bytes, backing up to a rune
// boundary and preferring a sentence boundary when one falls in the second
// half of the kept text.
func truncateContent(content string, maxChars int) string {
	if maxChars <= 0 || len(content) <= maxChars {
		return content
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "."); idx > maxChars/2 {
		truncated = truncated[:idx+1]
	}
	return truncated + "... [truncated]"
}
