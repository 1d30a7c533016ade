package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/finchat-dev/finchat/pkg/chat"
	"github.com/finchat-dev/finchat/pkg/config"
	"github.com/finchat-dev/finchat/pkg/observability"
)

// ChatCompletionAPI is the slice of the OpenAI SDK the client depends on,
// kept narrow for testability.
type ChatCompletionAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient implements CompletionClient against the OpenAI chat
// completions API.
type OpenAIClient struct {
	api               ChatCompletionAPI
	model             string
	temperature       float32
	maxTokens         int
	maxRetries        int
	baseDelay         time.Duration
	retryAfterDefault time.Duration
	limiter           *rate.Limiter
}

// NewOpenAIClient creates a client with the default OpenAI SDK transport.
func NewOpenAIClient(cfg config.UpstreamConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewOpenAIClientWithAPI(cfg, openai.NewClientWithConfig(clientCfg))
}

// NewOpenAIClientWithAPI creates a client with a custom API transport
// (useful for testing).
func NewOpenAIClientWithAPI(cfg config.UpstreamConfig, api ChatCompletionAPI) *OpenAIClient {
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	return &OpenAIClient{
		api:               api,
		model:             cfg.Model,
		temperature:       cfg.Temperature,
		maxTokens:         cfg.MaxTokens,
		maxRetries:        cfg.MaxRetries,
		baseDelay:         cfg.BaseDelay,
		retryAfterDefault: cfg.RetryAfterDefault,
		limiter:           limiter,
	}
}

// Name returns the backend name
func (c *OpenAIClient) Name() string {
	return "openai"
}

// CreateCompletion performs one completion round. Rate-limit and server
// errors are retried up to maxRetries times (maxRetries+1 attempts total);
// other API errors fail immediately.
func (c *OpenAIClient) CreateCompletion(ctx context.Context, req Request) (*Response, error) {
	oaReq := c.buildRequest(req)

	var lastErr *UpstreamError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryDelay(lastErr, attempt, c.baseDelay, c.retryAfterDefault)
			log.Printf("[LLM] openai retry %d/%d after %s: %s", attempt, c.maxRetries, delay, lastErr.Message)
			observability.RecordUpstreamRetry("openai", retryReason(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.api.CreateChatCompletion(ctx, oaReq)
		if err != nil {
			upErr := classifyOpenAIError(err)
			if !upErr.IsRetryable {
				return nil, upErr
			}
			lastErr = upErr
			continue
		}

		return parseOpenAIResponse(&resp)
	}

	return nil, lastErr
}

func (c *OpenAIClient) buildRequest(req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		oaMsg := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		for _, tc := range m.ToolCalls {
			oaMsg.ToolCalls = append(oaMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		if m.Role == chat.RoleTool {
			oaMsg.ToolCallID = m.ToolCallID
		}
		messages = append(messages, oaMsg)
	}

	oaReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	for _, t := range req.Tools {
		oaReq.Tools = append(oaReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if req.ToolChoice == ToolChoiceNone {
		oaReq.ToolChoice = ToolChoiceNone
	}

	return oaReq
}

// classifyOpenAIError maps SDK errors onto UpstreamError codes. The SDK
// does not expose the Retry-After header on rate-limit responses, so
// RetryAfter stays zero and the retry loop falls back to the configured
// default wait.
func classifyOpenAIError(err error) *UpstreamError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{
			Provider:      "openai",
			Code:          ErrorCodeTimeout,
			Message:       err.Error(),
			IsRetryable:   false,
			OriginalError: err,
		}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ErrorCodeUnknown
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			code = ErrorCodeRateLimit
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			code = ErrorCodeAuthentication
		case apiErr.HTTPStatusCode >= 500:
			code = ErrorCodeServerError
		case apiErr.HTTPStatusCode >= 400:
			code = ErrorCodeInvalidRequest
		}
		return &UpstreamError{
			Provider:      "openai",
			Code:          code,
			Message:       apiErr.Message,
			StatusCode:    apiErr.HTTPStatusCode,
			IsRetryable:   isRetryableCode(code),
			OriginalError: err,
		}
	}

	// Transport failures (connection reset, DNS) are retryable.
	return NewUpstreamError("openai", ErrorCodeTimeout, err.Error(), err)
}

func parseOpenAIResponse(resp *openai.ChatCompletionResponse) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, NewUpstreamError("openai", ErrorCodeMalformed, "no choices in response", nil)
	}

	choice := resp.Choices[0]
	result := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, chat.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	return result, nil
}
