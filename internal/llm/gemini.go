package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/finchat-dev/finchat/pkg/chat"
	"github.com/finchat-dev/finchat/pkg/config"
	"github.com/finchat-dev/finchat/pkg/observability"
)

const geminiClientTimeout = 30 * time.Second

// GeminiClient implements CompletionClient through the Google Gen AI SDK.
// With a GCP project configured it uses the Vertex AI backend and
// Application Default Credentials; otherwise the public Gemini API with
// an API key.
type GeminiClient struct {
	client            *genai.Client
	model             string
	temperature       float32
	maxTokens         int
	maxRetries        int
	baseDelay         time.Duration
	retryAfterDefault time.Duration
	limiter           *rate.Limiter
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(cfg config.UpstreamConfig) (*GeminiClient, error) {
	// Add timeout for client creation to prevent hanging
	ctx, cancel := context.WithTimeout(context.Background(), geminiClientTimeout)
	defer cancel()

	clientCfg := &genai.ClientConfig{}
	if cfg.GCPProject != "" {
		clientCfg.Project = cfg.GCPProject
		clientCfg.Location = cfg.GCPLocation
		clientCfg.Backend = genai.BackendVertexAI
	} else {
		clientCfg.APIKey = cfg.APIKey
		clientCfg.Backend = genai.BackendGeminiAPI
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	return &GeminiClient{
		client:            client,
		model:             cfg.Model,
		temperature:       cfg.Temperature,
		maxTokens:         cfg.MaxTokens,
		maxRetries:        cfg.MaxRetries,
		baseDelay:         cfg.BaseDelay,
		retryAfterDefault: cfg.RetryAfterDefault,
		limiter:           limiter,
	}, nil
}

// Name returns the backend name
func (c *GeminiClient) Name() string {
	return "gemini"
}

// CreateCompletion performs one completion round with the same retry
// policy as the OpenAI client.
func (c *GeminiClient) CreateCompletion(ctx context.Context, req Request) (*Response, error) {
	genCfg := &genai.GenerateContentConfig{}
	genCfg.Temperature = genai.Ptr(c.temperature)
	if c.maxTokens > 0 && c.maxTokens <= math.MaxInt32 {
		genCfg.MaxOutputTokens = int32(c.maxTokens)
	}

	contents, systemInstruction := buildGeminiContents(req.Messages)
	if systemInstruction != nil {
		genCfg.SystemInstruction = systemInstruction
	}
	if len(req.Tools) > 0 {
		genCfg.Tools = buildGeminiTools(req.Tools)
	}
	if req.ToolChoice == ToolChoiceNone {
		genCfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeNone,
			},
		}
	}

	var lastErr *UpstreamError
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryDelay(lastErr, attempt, c.baseDelay, c.retryAfterDefault)
			log.Printf("[LLM] gemini retry %d/%d after %s: %s", attempt, c.maxRetries, delay, lastErr.Message)
			observability.RecordUpstreamRetry("gemini", retryReason(lastErr))
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

		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
		if err != nil {
			upErr := classifyGeminiError(err)
			if !upErr.IsRetryable {
				return nil, upErr
			}
			lastErr = upErr
			continue
		}

		return parseGeminiResponse(resp)
	}

	return nil, lastErr
}

// buildGeminiContents converts messages to Gen AI content format. The
// system turn becomes the system instruction; assistant turns map to the
// "model" role with their tool calls as function-call parts; tool turns
// become function responses keyed by the call id, which for Gemini calls
// carries the function name.
func buildGeminiContents(messages []chat.Message) ([]*genai.Content, *genai.Content) {
	var systemInstruction *genai.Content
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case chat.RoleSystem:
			systemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: m.Content}},
			}

		case chat.RoleAssistant:
			parts := make([]*genai.Part, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Arguments, &args)
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: tc.Name,
						Args: args,
					},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, &genai.Part{Text: ""})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})

		case chat.RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"output": m.Content}
			}
			contents = append(contents, &genai.Content{
				Role: "function",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     m.ToolCallID,
						Response: response,
					},
				}},
			})

		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	return contents, systemInstruction
}

// buildGeminiTools converts tool definitions to Gen AI tool format
func buildGeminiTools(tools []ToolDefinition) []*genai.Tool {
	funcDecls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		var params *genai.Schema
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		funcDecls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// parseGeminiResponse parses the Gen AI response. Gemini does not issue
// call ids, so the function name doubles as the id; tool results echo it
// back through ToolCallID.
func parseGeminiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewUpstreamError("gemini", ErrorCodeMalformed, "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	var content string
	var toolCalls []chat.ToolCallRequest

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				content += part.Text
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				toolCalls = append(toolCalls, chat.ToolCallRequest{
					ID:        part.FunctionCall.Name,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
	}

	finishReason := string(candidate.FinishReason)
	if finishReason == "STOP" || finishReason == "" {
		finishReason = "stop"
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &Response{
		Content:      content,
		FinishReason: finishReason,
		ToolCalls:    toolCalls,
		Usage:        usage,
	}, nil
}

// classifyGeminiError maps Gen AI SDK errors onto UpstreamError codes.
func classifyGeminiError(err error) *UpstreamError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{
			Provider:      "gemini",
			Code:          ErrorCodeTimeout,
			Message:       err.Error(),
			IsRetryable:   false,
			OriginalError: err,
		}
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		code := ErrorCodeUnknown
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			code = ErrorCodeRateLimit
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			code = ErrorCodeAuthentication
		case apiErr.Code >= 500:
			code = ErrorCodeServerError
		case apiErr.Code >= 400:
			code = ErrorCodeInvalidRequest
		}
		return &UpstreamError{
			Provider:      "gemini",
			Code:          code,
			Message:       apiErr.Message,
			StatusCode:    apiErr.Code,
			IsRetryable:   isRetryableCode(code),
			OriginalError: err,
		}
	}

	// Fall back to message sniffing for transport and credential errors
	// the SDK does not type.
	code := ErrorCodeUnknown
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "authentication") || strings.Contains(errMsg, "credential") || strings.Contains(errMsg, "401") || strings.Contains(errMsg, "403"):
		code = ErrorCodeAuthentication
	case strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "429") || strings.Contains(errMsg, "quota"):
		code = ErrorCodeRateLimit
	case strings.Contains(errMsg, "invalid") || strings.Contains(errMsg, "400"):
		code = ErrorCodeInvalidRequest
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline") || strings.Contains(errMsg, "unavailable"):
		code = ErrorCodeTimeout
	case strings.Contains(errMsg, "500") || strings.Contains(errMsg, "503") || strings.Contains(errMsg, "server"):
		code = ErrorCodeServerError
	}

	return &UpstreamError{
		Provider:      "gemini",
		Code:          code,
		Message:       err.Error(),
		IsRetryable:   isRetryableCode(code),
		OriginalError: err,
	}
}
