package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchat-dev/finchat/internal/assembler"
	"github.com/finchat-dev/finchat/internal/contextcache"
	"github.com/finchat-dev/finchat/internal/llm"
	"github.com/finchat-dev/finchat/internal/tools"
	"github.com/finchat-dev/finchat/pkg/chat"
	"github.com/finchat-dev/finchat/pkg/config"
	"github.com/finchat-dev/finchat/pkg/session"
)

type scriptedCall struct {
	resp *llm.Response
	err  error
}

// scriptedClient plays back queued completions and records every request.
type scriptedClient struct {
	mu       sync.Mutex
	queue    []scriptedCall
	requests []llm.Request
}

func (c *scriptedClient) CreateCompletion(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.queue) == 0 {
		return nil, errors.New("unscripted completion call")
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	return next.resp, next.err
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) recorded() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

type fixture struct {
	orch     *Orchestrator
	client   *scriptedClient
	sessions *session.Manager
}

func newFixture(t *testing.T, script ...scriptedCall) *fixture {
	t.Helper()
	return buildFixture(t, nil, script)
}

func newCachedFixture(t *testing.T, builder contextcache.Builder, script ...scriptedCall) *fixture {
	t.Helper()
	cache := contextcache.NewCache(contextcache.NewMemoryKV(), builder, config.CacheConfig{
		KeyPrefix:            "test:ctx:",
		ProfileTTL:           12 * time.Hour,
		BalancesTTL:          time.Hour,
		TransactionsTTL:      time.Hour,
		ProfileFreshFor:      2 * time.Hour,
		BalancesFreshFor:     30 * time.Minute,
		TransactionsFreshFor: 30 * time.Minute,
	})
	return buildFixture(t, cache, script)
}

func buildFixture(t *testing.T, cache *contextcache.Cache, script []scriptedCall) *fixture {
	t.Helper()

	client := &scriptedClient{queue: script}
	sessions := session.NewManager(session.NewMemoryStore(time.Hour), 30)

	reg := tools.NewRegistry(4096)
	for _, tool := range []tools.Tool{
		{
			Name:        "alpha",
			Description: "returns a fixed value",
			Handler: func(context.Context, tools.CallContext, json.RawMessage) (any, error) {
				return map[string]string{"value": "alpha-data"}, nil
			},
		},
		{
			Name:        "boom",
			Description: "always fails",
			Handler: func(context.Context, tools.CallContext, json.RawMessage) (any, error) {
				return nil, errors.New("backend down")
			},
		},
		{
			Name:        "gamma",
			Description: "returns a count",
			Handler: func(context.Context, tools.CallContext, json.RawMessage) (any, error) {
				return map[string]int{"count": 7}, nil
			},
		},
		{
			Name:        "kaboom",
			Description: "panics",
			Handler: func(context.Context, tools.CallContext, json.RawMessage) (any, error) {
				panic("nil deref")
			},
		},
	} {
		require.NoError(t, reg.Register(tool))
	}

	asm := assembler.NewAssembler(config.AssemblerConfig{
		BudgetBytes:         64 * 1024,
		MaxEvictionAttempts: 20,
		SystemCharCeiling:   6000,
		TurnCharCeiling:     2000,
		ContextCharFloor:    1500,
	})

	orch, err := New(Params{
		Client:       client,
		Sessions:     sessions,
		Assembler:    asm,
		Registry:     reg,
		Cache:        cache,
		SystemPrompt: "You are a careful financial assistant.",
		Config: config.OrchestratorConfig{
			ToolTimeout:        time.Second,
			ToolResultMaxBytes: 4096,
			TurnTimeout:        5 * time.Second,
		},
	})
	require.NoError(t, err)
	return &fixture{orch: orch, client: client, sessions: sessions}
}

func toolCall(id, name string) chat.ToolCallRequest {
	return chat.ToolCallRequest{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorContains(t, err, "nil completion client")
}

func TestTurn_DirectAnswer(t *testing.T) {
	fx := newFixture(t, scriptedCall{resp: &llm.Response{Content: "Hello! How can I help?"}})

	reply, err := fx.orch.Turn(context.Background(), TurnRequest{SessionKey: "s1", UserID: "u1", Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "Hello! How can I help?", reply.Content)
	assert.False(t, reply.ToolRound)
	assert.Empty(t, reply.Results)
	assert.False(t, reply.Degraded)
	assert.Equal(t, len(reply.Content), reply.ResponseBytes)

	reqs := fx.client.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, llm.ToolChoiceAuto, reqs[0].ToolChoice)
	require.NotEmpty(t, reqs[0].Tools)
	assert.Equal(t, "alpha", reqs[0].Tools[0].Name)
	assert.Equal(t, chat.RoleSystem, reqs[0].Messages[0].Role)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, chat.RoleUser, last.Role)
	assert.Equal(t, "hi", last.Content)
	assert.Equal(t, chat.SerializedSize(reqs[0].Messages), reply.PromptBytes)

	history, degraded := fx.sessions.History(context.Background(), "s1")
	assert.False(t, degraded)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, chat.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello! How can I help?", history[1].Content)
}

func TestTurn_Validation(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.orch.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "   "})
	assert.ErrorContains(t, err, "empty message")

	_, err = fx.orch.Turn(context.Background(), TurnRequest{Message: "hi"})
	assert.ErrorContains(t, err, "missing session key")
}

func TestTurn_ToolRoundIsolation(t *testing.T) {
	first := &llm.Response{
		Content:   "Let me check.",
		ToolCalls: []chat.ToolCallRequest{toolCall("c1", "alpha"), toolCall("c2", "boom"), toolCall("c3", "gamma")},
	}
	fx := newFixture(t,
		scriptedCall{resp: first},
		scriptedCall{resp: &llm.Response{Content: "Here is your summary."}},
	)

	reply, err := fx.orch.Turn(context.Background(), TurnRequest{SessionKey: "s1", UserID: "u1", Message: "check my accounts"})
	require.NoError(t, err)

	assert.True(t, reply.ToolRound)
	require.Len(t, reply.Results, 3)
	assert.Equal(t, "alpha", reply.Results[0].Name)
	assert.True(t, reply.Results[0].Success)
	assert.False(t, reply.Results[1].Success)
	assert.Equal(t, "backend down", reply.Results[1].ErrorMessage)
	assert.True(t, reply.Results[2].Success)
	assert.Equal(t, "Here is your summary.", reply.Content)
	assert.False(t, reply.Degraded)

	reqs := fx.client.recorded()
	require.Len(t, reqs, 2)
	final := reqs[1]
	assert.Equal(t, llm.ToolChoiceNone, final.ToolChoice)
	assert.Empty(t, final.Tools)

	syn := final.Messages[len(final.Messages)-1]
	assert.Equal(t, chat.RoleUser, syn.Role)
	assert.Contains(t, syn.Content, "Tool results:")
	assert.Contains(t, syn.Content, `- alpha returned: {"value":"alpha-data"}`)
	assert.Contains(t, syn.Content, "- boom failed: backend down")
	assert.Contains(t, syn.Content, `- gamma returned: {"count":7}`)

	interim := final.Messages[len(final.Messages)-2]
	assert.Equal(t, chat.RoleAssistant, interim.Role)
	assert.Equal(t, "Let me check.", interim.Content)
	assert.Empty(t, interim.ToolCalls)
	for _, m := range final.Messages {
		assert.NotEqual(t, chat.RoleTool, m.Role)
	}
}

func TestTurn_UnknownToolYieldsErrorResult(t *testing.T) {
	first := &llm.Response{ToolCalls: []chat.ToolCallRequest{toolCall("c1", "ghost")}}
	fx := newFixture(t,
		scriptedCall{resp: first},
		scriptedCall{resp: &llm.Response{Content: "Sorry, I could not look that up."}},
	)

	reply, err := fx.orch.Turn(context.Background(), TurnRequest{SessionKey: "s1", UserID: "u1", Message: "do the thing"})
	require.NoError(t, err)
	require.Len(t, reply.Results, 1)
	assert.False(t, reply.Results[0].Success)
	assert.Contains(t, reply.Results[0].ErrorMessage, "unknown tool")
	assert.Equal(t, "Sorry, I could not look that up.", reply.Content)
}

func TestTurn_PanickingToolIsolated(t *testing.T) {
	first := &llm.Response{ToolCalls: []chat.ToolCallRequest{toolCall("c1", "alpha"), toolCall("c2", "kaboom")}}
	fx := newFixture(t,
		scriptedCall{resp: first},
		scriptedCall{resp: &llm.Response{Content: "Partial results only."}},
	)

	reply, err := fx.orch.Turn(context.Background(), TurnRequest{SessionKey: "s1", UserID: "u1", Message: "go"})
	require.NoError(t, err)
	require.Len(t, reply.Results, 2)
	assert.True(t, reply.Results[0].Success)
	assert.False(t, reply.Results[1].Success)
	assert.Contains(t, reply.Results[1].ErrorMessage, "panicked")
}

func TestTurn_FinalCompletionFailureFallsBack(t *testing.T) {
	first := &llm.Response{ToolCalls: []chat.ToolCallRequest{toolCall("c1", "alpha")}}
	fx := newFixture(t,
		scriptedCall{resp: first},
		scriptedCall{err: llm.NewUpstreamError("openai", llm.ErrorCodeServerError, "internal error", nil)},
	)

	reply, err := fx.orch.Turn(context.Background(), TurnRequest{SessionKey: "s1", UserID: "u1", Message: "list accounts"})
	require.NoError(t, err)

	assert.True(t, reply.Degraded)
	assert.Contains(t, reply.DegradedReasons, ReasonFallbackAnswer)
	assert.Contains(t, reply.Content, "here is what I found")
	assert.Contains(t, reply.Content, `- alpha returned: {"value":"alpha-data"}`)

	history, _ := fx.sessions.History(context.Background(), "s1")
	require.Len(t, history, 2)
	assert.Equal(t, reply.Content, history[1].Content)
}

func TestTurn_FirstCompletionErrorPropagates(t *testing.T) {
	fx := newFixture(t, scriptedCall{err: llm.NewUpstreamError("openai", llm.ErrorCodeAuthentication, "bad key", nil)})

	_, err := fx.orch.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hi"})
	require.Error(t, err)
	var ue *llm.UpstreamError
	assert.ErrorAs(t, err, &ue)

	history, _ := fx.sessions.History(context.Background(), "s1")
	assert.Empty(t, history)
}

func TestTurn_MalformedResponseIsEmptyAnswer(t *testing.T) {
	fx := newFixture(t, scriptedCall{err: llm.NewUpstreamError("openai", llm.ErrorCodeMalformed, "no choices in response", nil)})

	reply, err := fx.orch.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "hi"})
	require.NoError(t, err)
	assert.Empty(t, reply.Content)
	assert.Contains(t, reply.DegradedReasons, ReasonEmptyCompletion)

	history, _ := fx.sessions.History(context.Background(), "s1")
	require.Len(t, history, 2)
	assert.Empty(t, history[1].Content)
}

func TestTurn_HistoryFlowsIntoWindow(t *testing.T) {
	fx := newFixture(t, scriptedCall{resp: &llm.Response{Content: "As I said, 2100 USD."}})
	require.NoError(t, fx.sessions.AppendExchange(context.Background(), "s1", session.Exchange{
		User:      chat.NewUserMessage("what is my balance?"),
		Assistant: chat.NewAssistantMessage("Your balance is 2100 USD."),
	}))

	_, err := fx.orch.Turn(context.Background(), TurnRequest{SessionKey: "s1", Message: "say again?"})
	require.NoError(t, err)

	reqs := fx.client.recorded()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 4)
	assert.Equal(t, "what is my balance?", reqs[0].Messages[1].Content)
	assert.Equal(t, "Your balance is 2100 USD.", reqs[0].Messages[2].Content)
	assert.Equal(t, "say again?", reqs[0].Messages[3].Content)
}

func TestTurn_CachedContextInWindow(t *testing.T) {
	builder := contextcache.BuilderFunc(func(_ context.Context, _, _ string, _ contextcache.Tier, _ string) (string, error) {
		return "Current balances:\n- Checking: 10.00 USD", nil
	})
	fx := newCachedFixture(t, builder, scriptedCall{resp: &llm.Response{Content: "You have 10 USD."}})

	reply, err := fx.orch.Turn(context.Background(), TurnRequest{SessionKey: "s1", UserID: "u1", Message: "balance?"})
	require.NoError(t, err)
	assert.False(t, reply.Degraded)

	reqs := fx.client.recorded()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 3)
	ctxMsg := reqs[0].Messages[1]
	assert.Equal(t, chat.RoleUser, ctxMsg.Role)
	assert.Contains(t, ctxMsg.Content, "Account context (balances):")
	assert.Contains(t, ctxMsg.Content, "Checking: 10.00 USD")
}

func TestTurn_ContextUnavailableDegrades(t *testing.T) {
	builder := contextcache.BuilderFunc(func(_ context.Context, _, _ string, _ contextcache.Tier, _ string) (string, error) {
		return "", errors.New("providers offline")
	})
	fx := newCachedFixture(t, builder, scriptedCall{resp: &llm.Response{Content: "I cannot see your accounts right now."}})

	reply, err := fx.orch.Turn(context.Background(), TurnRequest{SessionKey: "s1", UserID: "u1", Message: "balance?"})
	require.NoError(t, err)

	assert.True(t, reply.Degraded)
	assert.Contains(t, reply.DegradedReasons, ReasonContextUnavailable)
	reqs := fx.client.recorded()
	require.Len(t, reqs[0].Messages, 2)
}

func TestTurn_ExplicitContextWinsOverCache(t *testing.T) {
	var builds atomic.Int32
	builder := contextcache.BuilderFunc(func(_ context.Context, _, _ string, _ contextcache.Tier, _ string) (string, error) {
		builds.Add(1)
		return "cache text", nil
	})
	fx := newCachedFixture(t, builder, scriptedCall{resp: &llm.Response{Content: "Noted."}})

	_, err := fx.orch.Turn(context.Background(), TurnRequest{
		SessionKey: "s1",
		UserID:     "u1",
		Message:    "remember that",
		Context:    "User is reviewing the March statement.",
	})
	require.NoError(t, err)

	reqs := fx.client.recorded()
	require.Len(t, reqs[0].Messages, 3)
	assert.Equal(t, "Context for this request:\nUser is reviewing the March statement.", reqs[0].Messages[1].Content)
	assert.Zero(t, builds.Load())
}

func TestResultLine(t *testing.T) {
	ok := chat.ToolResult{Name: "list_accounts", Success: true, Payload: json.RawMessage(`{"total":2}`), SerializedSize: 11}
	assert.Equal(t, `- list_accounts returned: {"total":2}`, resultLine(ok))

	failed := chat.ToolResult{Name: "get_forecast", Success: false, ErrorMessage: "no forecast available"}
	assert.Equal(t, "- get_forecast failed: no forecast available", resultLine(failed))

	truncated := chat.ToolResult{Name: "list_transactions", Success: true, Payload: json.RawMessage(`{"_truncated":true}`), SerializedSize: 9000, Truncated: true}
	assert.Contains(t, resultLine(truncated), "(result truncated, 9000 bytes total)")
}

func TestFallbackAnswer(t *testing.T) {
	got := fallbackAnswer([]chat.ToolResult{
		{Name: "alpha", Success: true, Payload: json.RawMessage(`{"v":1}`)},
		{Name: "boom", Success: false, ErrorMessage: "backend down"},
	})
	assert.Contains(t, got, "here is what I found")
	assert.Contains(t, got, `- alpha returned: {"v":1}`)
	assert.Contains(t, got, "- boom failed: backend down")
}
