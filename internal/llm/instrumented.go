package llm

import (
	"context"
	"time"

	"github.com/finchat-dev/finchat/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
)

// InstrumentedClient wraps a CompletionClient with tracing and upstream
// request metrics. Retry counters are recorded inside the concrete
// clients, which know why an attempt was repeated.
type InstrumentedClient struct {
	inner CompletionClient
}

// WrapClient wraps a client with instrumentation unless it already is.
func WrapClient(client CompletionClient) CompletionClient {
	if _, ok := client.(*InstrumentedClient); ok {
		return client
	}
	return &InstrumentedClient{inner: client}
}

// CreateCompletion delegates to the wrapped client, recording a span and
// the request outcome.
func (c *InstrumentedClient) CreateCompletion(ctx context.Context, req Request) (*Response, error) {
	ctx, span := observability.StartSpan(ctx, "llm.completion",
		attribute.String("llm.provider", c.inner.Name()),
		attribute.Int("llm.messages_count", len(req.Messages)),
		attribute.Int("llm.tools_count", len(req.Tools)),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.inner.CreateCompletion(ctx, req)
	duration := time.Since(start)

	span.SetAttributes(
		attribute.Int64("llm.duration_ms", duration.Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		observability.RecordUpstreamRequest(c.inner.Name(), "error", duration)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", resp.Usage.CompletionTokens),
		attribute.String("llm.finish_reason", resp.FinishReason),
	)
	if len(resp.ToolCalls) > 0 {
		span.SetAttributes(attribute.Int("llm.tool_calls_count", len(resp.ToolCalls)))
	}
	observability.RecordUpstreamRequest(c.inner.Name(), "ok", duration)
	return resp, nil
}

// Name returns the wrapped client's name.
func (c *InstrumentedClient) Name() string {
	return c.inner.Name()
}

// retryReason labels a retried attempt for the retry counter.
func retryReason(err *UpstreamError) string {
	if err != nil && err.Code == ErrorCodeRateLimit {
		return "rate_limited"
	}
	return "server_error"
}
