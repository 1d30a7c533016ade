// Package finchat assembles the conversational finance assistant from its
// parts: the upstream completion client, session history, the tiered
// context cache, the data providers, the tool registry, and the turn
// orchestrator. Callers build an Assistant from configuration and drive
// it with Chat; everything below is wired here and torn down by Close.
package finchat

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/finchat-dev/finchat/internal/assembler"
	"github.com/finchat-dev/finchat/internal/contextcache"
	"github.com/finchat-dev/finchat/internal/finance"
	"github.com/finchat-dev/finchat/internal/llm"
	"github.com/finchat-dev/finchat/internal/orchestrator"
	"github.com/finchat-dev/finchat/internal/tools"
	"github.com/finchat-dev/finchat/pkg/config"
	"github.com/finchat-dev/finchat/pkg/observability"
	"github.com/finchat-dev/finchat/pkg/session"
)

// Turn types re-exported so callers need only this package.
type (
	TurnRequest = orchestrator.TurnRequest
	Reply       = orchestrator.Reply
)

// Assistant is one wired assistant instance. Safe for concurrent use;
// turns on the same session key serialize internally.
type Assistant struct {
	cfg      *config.Config
	client   llm.CompletionClient
	sessions *session.Manager
	store    finance.Store
	cache    *contextcache.Cache
	registry *tools.Registry
	orch     *orchestrator.Orchestrator

	// closers tears down the backends New built. Collaborators injected
	// through options are the caller's to close and never appear here.
	closers []func() error
}

type options struct {
	client       llm.CompletionClient
	sessionStore session.Store
	cacheKV      contextcache.KV
	store        finance.Store
}

// Option overrides one collaborator during construction, mainly so tests
// can substitute in-process fakes for the real backends.
type Option func(*options)

// WithClient substitutes the upstream completion client.
func WithClient(c llm.CompletionClient) Option {
	return func(o *options) { o.client = c }
}

// WithSessionStore substitutes the session history backend.
func WithSessionStore(s session.Store) Option {
	return func(o *options) { o.sessionStore = s }
}

// WithCacheKV substitutes the context cache's key/value backend.
func WithCacheKV(kv contextcache.KV) Option {
	return func(o *options) { o.cacheKV = kv }
}

// WithStore substitutes the finance data providers.
func WithStore(s finance.Store) Option {
	return func(o *options) { o.store = s }
}

// New builds an assistant from configuration. A nil cfg gets the in-process
// defaults. The context cache is optional at runtime and also here: when
// its backend cannot be reached, the assistant starts without it and turns
// fall back to direct provider calls through the tools.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Assistant, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Observability.EnableMetrics {
		observability.InitMetrics()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var closers []func() error
	fail := func(err error) (*Assistant, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	client := o.client
	if client == nil {
		var err error
		if client, err = llm.NewClient(cfg.Upstream); err != nil {
			return fail(fmt.Errorf("upstream client: %w", err))
		}
	}

	store := o.store
	if store == nil {
		var err error
		if store, err = finance.NewStore(ctx, cfg.Providers); err != nil {
			return fail(fmt.Errorf("data providers: %w", err))
		}
		closers = append(closers, store.Close)
	}

	sessionStore := o.sessionStore
	if sessionStore == nil {
		var err error
		if sessionStore, err = newSessionStore(cfg.Session); err != nil {
			return fail(fmt.Errorf("session store: %w", err))
		}
		closers = append(closers, sessionStore.Close)
	}
	sessions := session.NewManager(sessionStore, cfg.Session.WindowTurns)

	cache, cacheCloser := buildCache(o.cacheKV, store, cfg)
	if cacheCloser != nil {
		closers = append(closers, cacheCloser)
	}

	registry := tools.NewRegistry(cfg.Orchestrator.ToolResultMaxBytes)
	if err := tools.RegisterFinanceTools(registry, store, cache); err != nil {
		return fail(fmt.Errorf("register tools: %w", err))
	}

	orch, err := orchestrator.New(orchestrator.Params{
		Client:       client,
		Sessions:     sessions,
		Assembler:    assembler.NewAssembler(cfg.Assembler),
		Registry:     registry,
		Cache:        cache,
		SystemPrompt: cfg.SystemPrompt,
		Config:       cfg.Orchestrator,
	})
	if err != nil {
		return fail(err)
	}

	return &Assistant{
		cfg:      cfg,
		client:   client,
		sessions: sessions,
		store:    store,
		cache:    cache,
		registry: registry,
		orch:     orch,
		closers:  closers,
	}, nil
}

func newSessionStore(cfg config.SessionConfig) (session.Store, error) {
	switch cfg.Backend {
	case "redis":
		return session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.KeyPrefix,
			TTL:      cfg.TTL,
		})
	case "memory", "":
		return session.NewMemoryStore(cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// buildCache wires the tiered context cache. An unreachable backend is a
// degradation, not a startup failure: the assistant runs without a cache
// and turns fall back to direct provider calls. The returned closer is
// non-nil only when the KV was built here.
func buildCache(kv contextcache.KV, store finance.Store, cfg *config.Config) (*contextcache.Cache, func() error) {
	var closer func() error
	if kv == nil {
		cacheCfg := cfg.Cache
		if cacheCfg.Addr == "" {
			cacheCfg.Addr = cfg.Session.Addr
		}
		built, err := contextcache.NewKV(cacheCfg)
		if err != nil {
			log.Printf("[Finchat] context cache unavailable, continuing without: %v", err)
			return nil, nil
		}
		kv = built
		closer = built.Close
	}
	return contextcache.NewCache(kv, contextcache.NewProviderBuilder(store), cfg.Cache), closer
}

// Chat runs one user turn end to end: history load, window assembly, the
// completion round trip with at most one tool round, and the history
// append. See orchestrator.Turn for the degradation contract.
func (a *Assistant) Chat(ctx context.Context, req TurnRequest) (*Reply, error) {
	ctx, span := observability.StartSpan(ctx, "finchat.chat",
		attribute.String("session.key", req.SessionKey),
	)
	defer span.End()

	start := time.Now()
	reply, err := a.orch.Turn(ctx, req)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
	case reply.Degraded:
		status = "degraded"
	}
	observability.RecordTurn(status, time.Since(start))
	if reply != nil {
		observability.RecordPromptSize(reply.PromptBytes, reply.EvictedMessages)
		span.SetAttributes(
			attribute.Int("chat.prompt_bytes", reply.PromptBytes),
			attribute.Bool("chat.tool_round", reply.ToolRound),
			attribute.Bool("chat.degraded", reply.Degraded),
		)
	}
	return reply, err
}

// WarmUp rebuilds every context tier for a user/account pair.
func (a *Assistant) WarmUp(ctx context.Context, userID, accountID, token string) error {
	if a.cache == nil {
		return fmt.Errorf("context cache not configured")
	}
	return a.cache.WarmUp(ctx, userID, accountID, token)
}

// InvalidateContext drops cached context for a user, or for specific
// accounts when ids are given. Call it when account data changed outside
// a conversation.
func (a *Assistant) InvalidateContext(ctx context.Context, userID string, accountIDs ...string) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Invalidate(ctx, userID, accountIDs...)
}

// ClearSession deletes one conversation's stored history.
func (a *Assistant) ClearSession(ctx context.Context, sessionKey string) (bool, error) {
	return a.sessions.Clear(ctx, sessionKey)
}

// NewWarmer builds the background cache warmer from configuration, or nil
// when no schedule is configured.
func (a *Assistant) NewWarmer() (*contextcache.Warmer, error) {
	if a.cache == nil || a.cfg.Cache.WarmSchedule == "" {
		return nil, nil
	}
	return contextcache.NewWarmer(a.cache, a.cfg.Cache.WarmSchedule, a.cfg.Cache.WarmTargets)
}

// RegisterHealthChecks registers this assistant's dependency probes on the
// global health checker. The session store is critical; the providers, the
// context cache, and the completion backend only degrade service.
func (a *Assistant) RegisterHealthChecks() {
	hc := observability.InitHealthChecker()
	hc.RegisterCheck(observability.RedisCheck(a.sessions.Ping))
	hc.RegisterCheck(observability.ProviderCheck("providers", a.store.Ping))
	if a.cache != nil {
		hc.RegisterCheck(observability.ProviderCheck("context_cache", a.cache.Ping))
	}
	hc.RegisterCheck(observability.UpstreamCheck(a.client.Name(), a.pingUpstream))
}

// pingUpstream verifies the completion backend has credentials. Readiness
// polls are frequent and completions are billed, so the probe never makes
// a real request.
func (a *Assistant) pingUpstream(ctx context.Context) error {
	if a.cfg.Upstream.APIKey == "" && a.cfg.Upstream.GCPProject == "" {
		return fmt.Errorf("no %s credentials configured", a.client.Name())
	}
	return nil
}

// Tools lists the registered tool names in sorted order.
func (a *Assistant) Tools() []string {
	return a.registry.Names()
}

// Close releases the backends New built, newest first.
func (a *Assistant) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
