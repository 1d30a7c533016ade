package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchat-dev/finchat/pkg/chat"
)

func guardedTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "tool with a typed schema",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["query"]
		}`),
		Handler: func(ctx context.Context, call CallContext, args json.RawMessage) (any, error) {
			return map[string]bool{"ran": true}, nil
		},
	}
}

func TestParseSchema_FreeForm(t *testing.T) {
	s, err := parseSchema(json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = parseSchema(nil)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestParseSchema_RequiredMustBeDeclared(t *testing.T) {
	_, err := parseSchema(json.RawMessage(`{
		"type": "object",
		"properties": {"a": {"type": "string"}},
		"required": ["b"]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required field b")
}

func TestRegister_RejectsMalformedSchema(t *testing.T) {
	r := NewRegistry(1024)
	err := r.Register(Tool{
		Name:       "broken",
		Parameters: json.RawMessage(`{"properties": {"a": "not an object"}}`),
		Handler:    guardedTool("x").Handler,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "property a")
}

func TestExecute_RejectsMissingRequired(t *testing.T) {
	r := NewRegistry(1024)
	require.NoError(t, r.Register(guardedTool("guarded")))

	res := r.Execute(context.Background(), chat.ToolCallRequest{
		ID: "c1", Name: "guarded", Arguments: json.RawMessage(`{}`),
	}, CallContext{})

	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "invalid arguments for guarded")
	assert.Contains(t, res.ErrorMessage, "missing required field query")
}

func TestExecute_RejectsUnknownField(t *testing.T) {
	r := NewRegistry(1024)
	require.NoError(t, r.Register(guardedTool("guarded")))

	res := r.Execute(context.Background(), chat.ToolCallRequest{
		ID: "c1", Name: "guarded", Arguments: json.RawMessage(`{"query":"rent","verbose":true}`),
	}, CallContext{})

	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "unknown field verbose")
}

func TestExecute_RejectsWrongType(t *testing.T) {
	r := NewRegistry(1024)
	require.NoError(t, r.Register(guardedTool("guarded")))

	res := r.Execute(context.Background(), chat.ToolCallRequest{
		ID: "c1", Name: "guarded", Arguments: json.RawMessage(`{"query":42}`),
	}, CallContext{})

	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "field query must be a string")
}

func TestExecute_EnforcesNumericBounds(t *testing.T) {
	r := NewRegistry(1024)
	require.NoError(t, r.Register(guardedTool("guarded")))

	res := r.Execute(context.Background(), chat.ToolCallRequest{
		ID: "c1", Name: "guarded", Arguments: json.RawMessage(`{"query":"rent","limit":500}`),
	}, CallContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "above maximum 100")

	res = r.Execute(context.Background(), chat.ToolCallRequest{
		ID: "c2", Name: "guarded", Arguments: json.RawMessage(`{"query":"rent","limit":2.5}`),
	}, CallContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "must be an integer")
}

func TestExecute_ValidArgumentsReachHandler(t *testing.T) {
	r := NewRegistry(1024)
	require.NoError(t, r.Register(guardedTool("guarded")))

	res := r.Execute(context.Background(), chat.ToolCallRequest{
		ID: "c1", Name: "guarded", Arguments: json.RawMessage(`{"query":"rent","limit":25}`),
	}, CallContext{})

	require.True(t, res.Success, res.ErrorMessage)
	assert.JSONEq(t, `{"ran":true}`, string(res.Payload))
}
