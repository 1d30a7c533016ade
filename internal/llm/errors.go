package llm

import "time"

// Common error codes
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeAuthentication = "authentication_error"
	ErrorCodeRateLimit      = "rate_limit_exceeded"
	ErrorCodeServerError    = "server_error"
	ErrorCodeTimeout        = "timeout"
	ErrorCodeMalformed      = "malformed_response"
	ErrorCodeUnknown        = "unknown_error"
)

// UpstreamError represents a failure reported by the completion backend.
type UpstreamError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`

	// RetryAfter is the server-provided wait hint on rate-limit errors.
	// Zero when the backend did not surface one.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error
func (e *UpstreamError) Unwrap() error {
	return e.OriginalError
}

// NewUpstreamError creates a new upstream error
func NewUpstreamError(provider, code, message string, original error) *UpstreamError {
	return &UpstreamError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable
func isRetryableCode(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}
