package dispatch

import (
	"testing"
	"time"
)

func TestRetryPolicyNextRetryStopsAfterMaxRetries(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		if _, ok := p.NextRetry(attempt); !ok {
			t.Fatalf("attempt %d: expected shouldRetry true", attempt)
		}
	}
	if _, ok := p.NextRetry(p.MaxRetries); ok {
		t.Fatalf("expected shouldRetry false once attempts reach MaxRetries")
	}
}

func TestRetryPolicyDelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{MaxRetries: 10, InitialDelay: 1, BackoffFactor: 2, MaxDelay: 8}
	prev := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		delay, ok := p.NextRetry(attempt)
		if !ok {
			t.Fatalf("attempt %d: expected shouldRetry true", attempt)
		}
		if delay > p.MaxDelay {
			t.Fatalf("attempt %d: delay %v exceeds max %v", attempt, delay, p.MaxDelay)
		}
		if delay < prev && delay != p.MaxDelay {
			t.Fatalf("attempt %d: delay %v should not shrink below previous %v before capping", attempt, delay, prev)
		}
		prev = delay
	}
}
