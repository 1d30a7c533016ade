// Package llm provides the upstream completion clients the orchestrator
// talks to. Both backends expose the same narrow CompletionClient surface:
// one completion call per request, with retry, backoff, and typed error
// classification handled inside the client.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/finchat-dev/finchat/pkg/chat"
	"github.com/finchat-dev/finchat/pkg/config"
)

// Tool-choice modes for a completion request.
const (
	// ToolChoiceAuto lets the model decide whether to call tools.
	ToolChoiceAuto = "auto"
	// ToolChoiceNone forbids tool calls; used on the final round so the
	// model must answer in text.
	ToolChoiceNone = "none"
)

// ToolDefinition describes a callable tool advertised to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// Request is one completion request. Model, temperature, and token limits
// come from the client's configuration, not the request.
type Request struct {
	// Messages is the assembled context window, system turn first.
	Messages []chat.Message

	// Tools available for the model to call.
	Tools []ToolDefinition

	// ToolChoice is ToolChoiceAuto or ToolChoiceNone. Empty means auto.
	ToolChoice string
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the parsed completion result.
type Response struct {
	// Content is the generated text.
	Content string `json:"content"`

	// ToolCalls if the model requested tool invocations.
	ToolCalls []chat.ToolCallRequest `json:"tool_calls,omitempty"`

	// FinishReason explains why generation stopped.
	FinishReason string `json:"finish_reason"`

	// Usage contains token usage information.
	Usage Usage `json:"usage"`
}

// CompletionClient is the surface the orchestrator depends on. Tests
// substitute scripted implementations.
type CompletionClient interface {
	// CreateCompletion performs one completion round against the backend,
	// retrying retryable failures up to the configured bound.
	CreateCompletion(ctx context.Context, req Request) (*Response, error)

	// Name returns the backend name (e.g. "openai", "gemini").
	Name() string
}

// NewClient builds the configured upstream client, wrapped with tracing
// and request metrics.
func NewClient(cfg config.UpstreamConfig) (CompletionClient, error) {
	switch cfg.Provider {
	case "openai":
		return WrapClient(NewOpenAIClient(cfg)), nil
	case "gemini":
		client, err := NewGeminiClient(cfg)
		if err != nil {
			return nil, err
		}
		return WrapClient(client), nil
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", cfg.Provider)
	}
}
