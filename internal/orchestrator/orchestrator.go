// Package orchestrator runs one conversational turn end to end: load and
// lock the session, assemble the window, call the model, execute at most
// one round of tool calls, and persist the exchange. Tool execution is
// bounded to a single round per turn; the final completion is issued with
// tool choice disabled so the model answers from summarized results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finchat-dev/finchat/internal/assembler"
	"github.com/finchat-dev/finchat/internal/contextcache"
	"github.com/finchat-dev/finchat/internal/llm"
	"github.com/finchat-dev/finchat/internal/tools"
	"github.com/finchat-dev/finchat/pkg/chat"
	"github.com/finchat-dev/finchat/pkg/config"
	"github.com/finchat-dev/finchat/pkg/session"
)

// Degradation reasons reported on a Reply. Callers branch on these instead
// of parsing answer text.
const (
	ReasonHistoryUnavailable = "session history unavailable"
	ReasonContextUnavailable = "account context unavailable"
	ReasonContextStale       = "account context stale"
	ReasonContextTruncated   = "account context truncated"
	ReasonEmptyCompletion    = "upstream returned no content"
	ReasonFallbackAnswer     = "final completion failed, answer built from tool results"
	ReasonAppendFailed       = "session append failed"
)

// persistTimeout bounds the session append once the answer is computed.
const persistTimeout = 5 * time.Second

// TurnRequest is one inbound user message plus its scoping.
type TurnRequest struct {
	// SessionKey identifies the conversation. Required.
	SessionKey string
	// UserID scopes tool execution and account context.
	UserID string
	// AccountID optionally narrows context and tool defaults.
	AccountID string
	// AuthToken is passed through to tool handlers and context rebuilds.
	AuthToken string
	// Message is the user's new message. Required.
	Message string
	// Context, when set, is caller-supplied context text that overrides the
	// cache for this turn.
	Context string
	// ContextTier picks the cache tier for cache-derived context. Empty
	// means balances.
	ContextTier string
}

// Reply is the outcome of one turn.
type Reply struct {
	// SessionKey echoes the request.
	SessionKey string
	// Content is the assistant's final text answer.
	Content string
	// ToolRound is true when the turn executed a round of tool calls.
	ToolRound bool
	// Results carries the per-tool outcomes of the round, in call order.
	// Results are ephemeral and never persisted.
	Results []chat.ToolResult
	// PromptBytes is the serialized size of the assembled window.
	PromptBytes int
	// ResponseBytes is the byte length of Content.
	ResponseBytes int
	// EvictedMessages is how many history turns were dropped to fit the
	// window budget.
	EvictedMessages int
	// Degraded is true when any reduced-fidelity path was taken.
	Degraded bool
	// DegradedReasons lists which paths, using the Reason* constants.
	DegradedReasons []string
}

func (r *Reply) flag(reason string) {
	r.Degraded = true
	r.DegradedReasons = append(r.DegradedReasons, reason)
}

// Params collects the orchestrator's collaborators.
type Params struct {
	Client    llm.CompletionClient
	Sessions  *session.Manager
	Assembler *assembler.Assembler
	Registry  *tools.Registry
	// Cache is optional; without it turns carry no cache-derived context.
	Cache        *contextcache.Cache
	SystemPrompt string
	Config       config.OrchestratorConfig
}

// Orchestrator drives turns. Safe for concurrent use; turns on the same
// session key serialize through the session manager's lock.
type Orchestrator struct {
	client   llm.CompletionClient
	sessions *session.Manager
	asm      *assembler.Assembler
	registry *tools.Registry
	cache    *contextcache.Cache
	prompt   string
	cfg      config.OrchestratorConfig
}

// New validates collaborators and returns an orchestrator.
func New(p Params) (*Orchestrator, error) {
	switch {
	case p.Client == nil:
		return nil, errors.New("orchestrator: nil completion client")
	case p.Sessions == nil:
		return nil, errors.New("orchestrator: nil session manager")
	case p.Assembler == nil:
		return nil, errors.New("orchestrator: nil assembler")
	case p.Registry == nil:
		return nil, errors.New("orchestrator: nil tool registry")
	}
	return &Orchestrator{
		client:   p.Client,
		sessions: p.Sessions,
		asm:      p.Assembler,
		registry: p.Registry,
		cache:    p.Cache,
		prompt:   p.SystemPrompt,
		cfg:      p.Config,
	}, nil
}

// Turn processes one user message and returns the assistant's reply.
//
// The turn fails only on a first-completion error or invalid input; every
// later stage degrades into the Reply instead. The session lock is held for
// the whole turn so concurrent messages on one session cannot interleave
// their read-modify-append.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (*Reply, error) {
	if req.SessionKey == "" {
		return nil, errors.New("missing session key")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("empty message")
	}

	if o.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		defer cancel()
	}

	unlock := o.sessions.Lock(req.SessionKey)
	defer unlock()

	reply := &Reply{SessionKey: req.SessionKey}

	history, degraded := o.sessions.History(ctx, req.SessionKey)
	if degraded {
		reply.flag(ReasonHistoryUnavailable)
	}

	userMsg := chat.NewUserMessage(req.Message)
	asm, err := o.asm.Assemble(assembler.AssembleRequest{
		SystemPrompt: o.prompt,
		History:      history,
		Source:       o.resolveSource(ctx, req, reply),
		UserMessage:  userMsg,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble window: %w", err)
	}
	reply.PromptBytes = asm.Size
	reply.EvictedMessages = asm.Evicted
	if asm.ContextTruncated {
		reply.flag(ReasonContextTruncated)
	}

	first, err := o.client.CreateCompletion(ctx, llm.Request{
		Messages:   asm.Messages,
		Tools:      o.registry.Definitions(),
		ToolChoice: llm.ToolChoiceAuto,
	})
	if err != nil {
		if !isMalformed(err) {
			return nil, fmt.Errorf("completion: %w", err)
		}
		// No usable choice is an empty answer, not a failed turn.
		first = &llm.Response{}
	}

	content := first.Content
	if len(first.ToolCalls) > 0 {
		content = o.runToolRound(ctx, req, reply, asm.Messages, first)
	}
	if strings.TrimSpace(content) == "" {
		reply.flag(ReasonEmptyCompletion)
	}

	reply.Content = content
	reply.ResponseBytes = len(content)

	o.persistExchange(ctx, req.SessionKey, reply, userMsg, content)
	return reply, nil
}

// resolveSource decides where this turn's account context comes from:
// caller-supplied text wins, then the context cache, then none. A cache
// failure degrades to no context; the model can still reach the providers
// through the tools.
func (o *Orchestrator) resolveSource(ctx context.Context, req TurnRequest, reply *Reply) assembler.ContextSource {
	if strings.TrimSpace(req.Context) != "" {
		return assembler.ExplicitContext{Text: req.Context}
	}
	if o.cache == nil || req.UserID == "" {
		return assembler.NoContext{}
	}

	tier := contextcache.Tier(req.ContextTier)
	if tier == "" {
		tier = contextcache.TierBalances
	}
	entry, err := o.cache.Get(ctx, req.UserID, req.AccountID, tier, req.AuthToken)
	if err != nil {
		log.Printf("[Orchestrator] context cache unavailable for user %s: %v", req.UserID, err)
		reply.flag(ReasonContextUnavailable)
		return assembler.NoContext{}
	}
	if !entry.Fresh {
		reply.flag(ReasonContextStale)
	}
	return assembler.CachedContext{
		Key:   entry.Key,
		Tier:  string(entry.Tier),
		Text:  entry.Payload,
		Fresh: entry.Fresh,
	}
}

// runToolRound executes the requested calls and issues the final completion
// with tool choice disabled. Returns the answer text; a final-call failure
// yields the fallback built from the results.
func (o *Orchestrator) runToolRound(ctx context.Context, req TurnRequest, reply *Reply, window []chat.Message, first *llm.Response) string {
	log.Printf("[Orchestrator] session %s: executing %d tool calls", req.SessionKey, len(first.ToolCalls))

	results := o.executeCalls(ctx, first.ToolCalls, tools.CallContext{
		UserID:    req.UserID,
		AccountID: req.AccountID,
		AuthToken: req.AuthToken,
	})
	reply.ToolRound = true
	reply.Results = results

	final := make([]chat.Message, 0, len(window)+2)
	final = append(final, window...)
	if strings.TrimSpace(first.Content) != "" {
		final = append(final, chat.NewAssistantMessage(first.Content))
	}
	final = append(final, chat.NewUserMessage(resultsPrompt(results)))

	resp, err := o.client.CreateCompletion(ctx, llm.Request{
		Messages:   final,
		ToolChoice: llm.ToolChoiceNone,
	})
	if err != nil {
		log.Printf("[Orchestrator] session %s: final completion failed: %v", req.SessionKey, err)
		reply.flag(ReasonFallbackAnswer)
		return fallbackAnswer(results)
	}
	return resp.Content
}

// executeCalls fans the calls out concurrently and collects results in call
// order. Execution is detached from the caller's cancellation so an
// abandoned request still finishes the round and the session append; each
// call gets its own deadline instead.
func (o *Orchestrator) executeCalls(ctx context.Context, calls []chat.ToolCallRequest, cc tools.CallContext) []chat.ToolResult {
	base := context.WithoutCancel(ctx)
	results := make([]chat.ToolResult, len(calls))
	g := new(errgroup.Group)
	for i, call := range calls {
		g.Go(func() error {
			callCtx := base
			if o.cfg.ToolTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(base, o.cfg.ToolTimeout)
				defer cancel()
			}
			results[i] = o.registry.Execute(callCtx, call, cc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// persistExchange appends the user/assistant pair on a context detached
// from the caller so an aborted request does not leave the session
// half-written. Append failure degrades the reply, it does not fail it.
func (o *Orchestrator) persistExchange(ctx context.Context, sessionKey string, reply *Reply, userMsg chat.Message, content string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	ex := session.Exchange{User: userMsg, Assistant: chat.NewAssistantMessage(content)}
	if err := o.sessions.AppendExchange(pctx, sessionKey, ex); err != nil {
		log.Printf("[Orchestrator] session %s: append failed: %v", sessionKey, err)
		reply.flag(ReasonAppendFailed)
	}
}

func isMalformed(err error) bool {
	var ue *llm.UpstreamError
	return errors.As(err, &ue) && ue.Code == llm.ErrorCodeMalformed
}
