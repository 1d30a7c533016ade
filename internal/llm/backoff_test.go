package llm

import (
	"testing"
	"time"
)

func TestRetryDelay_RateLimitUsesDefault(t *testing.T) {
	rateErr := &UpstreamError{Code: ErrorCodeRateLimit}

	got := RetryDelay(rateErr, 1, 500*time.Millisecond, 2*time.Second)
	if got != 2*time.Second {
		t.Errorf("RetryDelay = %s, want 2s", got)
	}

	// The default applies on every attempt, not just the first
	got = RetryDelay(rateErr, 3, 500*time.Millisecond, 2*time.Second)
	if got != 2*time.Second {
		t.Errorf("RetryDelay = %s, want 2s", got)
	}
}

func TestRetryDelay_RateLimitHonorsHint(t *testing.T) {
	rateErr := &UpstreamError{Code: ErrorCodeRateLimit, RetryAfter: 7 * time.Second}

	got := RetryDelay(rateErr, 1, 500*time.Millisecond, 2*time.Second)
	if got != 7*time.Second {
		t.Errorf("RetryDelay = %s, want 7s", got)
	}
}

func TestRetryDelay_ServerErrorExponential(t *testing.T) {
	srvErr := &UpstreamError{Code: ErrorCodeServerError}
	base := 500 * time.Millisecond

	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
	}
	for i, w := range want {
		got := RetryDelay(srvErr, i+1, base, 2*time.Second)
		if got != w {
			t.Errorf("attempt %d: RetryDelay = %s, want %s", i+1, got, w)
		}
	}
}

func TestRetryDelay_Capped(t *testing.T) {
	srvErr := &UpstreamError{Code: ErrorCodeServerError}

	got := RetryDelay(srvErr, 30, time.Second, 2*time.Second)
	if got != maxRetryDelay {
		t.Errorf("RetryDelay = %s, want cap %s", got, maxRetryDelay)
	}

	// Shift guard for very large attempts
	got = RetryDelay(srvErr, 100, time.Second, 2*time.Second)
	if got != maxRetryDelay {
		t.Errorf("RetryDelay = %s, want cap %s", got, maxRetryDelay)
	}
}
