// Package chat defines the conversation message model shared by the session
// store, the context assembler, and the upstream completion clients.
// Messages follow the completion-service wire shape: ordered turns with
// system/user/assistant/tool roles, where assistant turns may carry tool-call
// requests and tool turns answer them by id.
package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleSystem is the persona/instruction turn, always first in a window.
	RoleSystem Role = "system"
	// RoleUser is an end-user turn (or a synthetic turn the orchestrator
	// injects, such as tool-result summaries).
	RoleUser Role = "user"
	// RoleAssistant is a model turn; may carry tool-call requests.
	RoleAssistant Role = "assistant"
	// RoleTool is a tool-result turn answering an assistant tool call.
	RoleTool Role = "tool"
)

// Message is a single conversation turn.
type Message struct {
	// ID is the unique identifier for this message.
	ID string `json:"id,omitempty"`
	// Role identifies the author.
	Role Role `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// ToolCalls holds tool-call requests issued by an assistant turn.
	ToolCalls []ToolCallRequest `json:"toolCalls,omitempty"`
	// ToolCallID links a tool turn to the assistant tool call it answers.
	ToolCallID string `json:"toolCallId,omitempty"`
	// CreatedAt is when the message was created.
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// ToolCallRequest is a structured request from the model to invoke a named
// tool with JSON arguments.
type ToolCallRequest struct {
	// ID is the call identifier the tool result must echo back.
	ID string `json:"id"`
	// Name is the registered tool name.
	Name string `json:"name"`
	// Arguments is the raw JSON argument object.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of executing one tool call. Results are
// ephemeral: they are summarized into a synthetic user turn, never persisted
// verbatim into session history.
type ToolResult struct {
	// CallID echoes the ToolCallRequest id.
	CallID string `json:"callId"`
	// Name is the tool that produced the result.
	Name string `json:"name"`
	// Success is false when the tool failed or was unknown.
	Success bool `json:"success"`
	// Payload is the JSON-serialized tool output (possibly truncated).
	Payload json.RawMessage `json:"payload,omitempty"`
	// ErrorMessage describes the failure when Success is false.
	ErrorMessage string `json:"errorMessage,omitempty"`
	// SerializedSize is the payload size in bytes before any truncation.
	SerializedSize int `json:"serializedSize"`
	// Truncated is true when the payload was cut to the per-tool ceiling.
	Truncated bool `json:"truncated,omitempty"`
}

// NewSystemMessage creates a system turn.
func NewSystemMessage(content string) Message {
	return newMessage(RoleSystem, content)
}

// NewUserMessage creates a user turn.
func NewUserMessage(content string) Message {
	return newMessage(RoleUser, content)
}

// NewAssistantMessage creates an assistant turn.
func NewAssistantMessage(content string) Message {
	return newMessage(RoleAssistant, content)
}

// NewToolMessage creates a tool turn answering the given call id.
func NewToolMessage(callID, content string) Message {
	m := newMessage(RoleTool, content)
	m.ToolCallID = callID
	return m
}

func newMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// SerializedSize returns the byte length of the JSON encoding of msgs. This
// is the size the assembler budgets against: the same encoding the upstream
// request uses.
func SerializedSize(msgs []Message) int {
	total := 2 // brackets
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			// Marshal of Message cannot fail with these field types; keep
			// the budget conservative if it ever does.
			total += len(m.Content)
			continue
		}
		total += len(data)
		if i > 0 {
			total++ // comma
		}
	}
	return total
}
