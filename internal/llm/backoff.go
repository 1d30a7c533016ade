package llm

import "time"

const maxRetryDelay = 32 * time.Second

// RetryDelay returns how long to wait before retry number attempt
// (1-based). Rate-limit errors honor the backend's retry-after hint when
// one was captured and fall back to retryAfterDefault otherwise. Server
// errors and transport failures back off exponentially from baseDelay,
// capped at maxRetryDelay.
//
// Kept free of sleeping and clock access so tests can assert the exact
// schedule.
func RetryDelay(lastErr *UpstreamError, attempt int, baseDelay, retryAfterDefault time.Duration) time.Duration {
	if lastErr != nil && lastErr.Code == ErrorCodeRateLimit {
		if lastErr.RetryAfter > 0 {
			return lastErr.RetryAfter
		}
		return retryAfterDefault
	}

	// Exponential: baseDelay, 2x, 4x, ...
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 31 {
		shift = 31
	}
	delay := baseDelay * time.Duration(1<<uint(shift))
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}
