// Package tools maps tool names to handlers and bounds the size of what
// they return. Handlers never talk to the model directly; the orchestrator
// advertises Definitions, dispatches requested calls through Execute, and
// receives one ToolResult per call regardless of how the handler fared.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/finchat-dev/finchat/internal/llm"
	"github.com/finchat-dev/finchat/pkg/chat"
	"github.com/finchat-dev/finchat/pkg/observability"
)

// ErrUnknownTool is returned when a requested tool name is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// CallContext carries the caller's identity into a tool execution.
type CallContext struct {
	UserID    string
	AccountID string
	AuthToken string
}

// Handler executes one tool call. The returned value must be
// JSON-serializable; errors become isolated error results.
type Handler func(ctx context.Context, call CallContext, args json.RawMessage) (any, error)

// Tool couples a handler with the schema advertised to the model. The same
// schema gates dispatch: arguments that do not satisfy it become error
// results without reaching the handler.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters json.RawMessage
	Handler    Handler

	schema *argSchema
}

// Registry holds the registered tools and the per-tool result ceiling.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]Tool
	maxResultBytes int
}

// NewRegistry creates an empty registry. maxResultBytes bounds each tool's
// serialized result independently of the outer context budget.
func NewRegistry(maxResultBytes int) *Registry {
	return &Registry{
		tools:          make(map[string]Tool),
		maxResultBytes: maxResultBytes,
	}
}

// Register adds a tool. Re-registering a name replaces the previous tool.
// A malformed parameter schema fails registration rather than every call.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	schema, err := parseSchema(t.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s: %w", t.Name, err)
	}
	t.schema = schema

	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
	return nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool schemas to advertise to the model, sorted by
// name so the outbound request is deterministic.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs one requested call and always returns a ToolResult: handler
// errors, panics, and unknown names become error results, never a failure
// of the turn.
func (r *Registry) Execute(ctx context.Context, req chat.ToolCallRequest, call CallContext) chat.ToolResult {
	result := chat.ToolResult{CallID: req.ID, Name: req.Name}
	start := time.Now()

	value, err := r.run(ctx, req.Name, call, req.Arguments)
	if err != nil {
		result.ErrorMessage = err.Error()
		observability.RecordToolCall(req.Name, "error", time.Since(start))
		return result
	}

	payload, err := json.Marshal(value)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("serialize %s result: %v", req.Name, err)
		observability.RecordToolCall(req.Name, "error", time.Since(start))
		return result
	}

	result.Success = true
	result.SerializedSize = len(payload)
	if r.maxResultBytes > 0 && len(payload) > r.maxResultBytes {
		log.Printf("[Tools] %s result %dB over %dB ceiling, truncating", req.Name, len(payload), r.maxResultBytes)
		payload = truncatePayload(payload, r.maxResultBytes)
		result.Truncated = true
	}
	result.Payload = payload
	observability.RecordToolCall(req.Name, "ok", time.Since(start))
	return result
}

// run dispatches to the handler with panic isolation.
func (r *Registry) run(ctx context.Context, name string, call CallContext, args json.RawMessage) (value any, err error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if t.schema != nil {
		if err := t.schema.check(args); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Tools] %s panicked: %v", name, rec)
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
	}()
	return t.Handler(ctx, call, args)
}

// truncatedPayload is the replacement envelope for oversized results: the
// model is told data was cut and how much existed.
type truncatedPayload struct {
	Truncated    bool   `json:"_truncated"`
	OriginalSize int    `json:"_originalSize"`
	Data         string `json:"data"`
}

// truncatePayload clips a serialized result to at most ceiling bytes,
// wrapping the kept prefix in a marker envelope that is itself valid JSON.
func truncatePayload(payload []byte, ceiling int) json.RawMessage {
	keep := ceiling
	if keep > len(payload) {
		keep = len(payload)
	}

	for {
		if keep < 0 {
			keep = 0
		}
		clipped, err := json.Marshal(truncatedPayload{
			Truncated:    true,
			OriginalSize: len(payload),
			Data:         string(payload[:keep]),
		})
		if err != nil {
			// Cannot happen for a string field; fall back to the bare marker.
			clipped, _ = json.Marshal(truncatedPayload{Truncated: true, OriginalSize: len(payload)})
			return clipped
		}
		if len(clipped) <= ceiling || keep == 0 {
			return clipped
		}
		// Shave at least the overage; escaping may expand the kept prefix.
		keep -= len(clipped) - ceiling
	}
}
