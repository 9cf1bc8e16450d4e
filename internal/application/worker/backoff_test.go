package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		Multiplier:    2.0,
		MaxDelay:      time.Minute,
		RetryAfterCap: 5 * time.Minute,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorClass
	}{
		{
			name: "classified error wins",
			err:  NewClassified(domain.ErrorClassAuthDenied, errors.New("401")),
			want: domain.ErrorClassAuthDenied,
		},
		{
			name: "classified error survives wrapping",
			err:  fmt.Errorf("fetch changelist 42: %w", NewClassified(domain.ErrorClassRateLimited, errors.New("429"))),
			want: domain.ErrorClassRateLimited,
		},
		{
			name: "deadline expiry is a network timeout",
			err:  fmt.Errorf("model call: %w", context.DeadlineExceeded),
			want: domain.ErrorClassNetworkTimeout,
		},
		{
			name: "panic is an invariant violation",
			err:  PanicError{Value: "nil deref", StackTrace: "stack"},
			want: domain.ErrorClassInvariantViolation,
		},
		{
			name: "unknown errors default to retryable upstream internal",
			err:  errors.New("connection refused"),
			want: domain.ErrorClassUpstreamInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ClassifiedError{
		Class:      domain.ErrorClassRateLimited,
		RetryAfter: 30 * time.Second,
		Err:        errors.New("429"),
	})
	if got := RetryAfterHint(err); got != 30*time.Second {
		t.Errorf("RetryAfterHint() = %v, want 30s", got)
	}
	if got := RetryAfterHint(errors.New("plain")); got != 0 {
		t.Errorf("RetryAfterHint() = %v, want 0 for unclassified errors", got)
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := testRetryPolicy()
	if p.Exhausted(4) {
		t.Error("attempt 4 of 5 must leave budget")
	}
	if !p.Exhausted(5) {
		t.Error("attempt 5 of 5 must exhaust the budget")
	}
}

func TestRetryPolicy_DelayWithinJitterBounds(t *testing.T) {
	p := testRetryPolicy()

	for attempt := 1; attempt <= 10; attempt++ {
		for range 20 {
			d := p.Delay(attempt, 0)
			if d < 0 {
				t.Fatalf("attempt %d: negative delay %v", attempt, d)
			}
			ceiling := time.Duration(float64(p.InitialDelay) * pow(p.Multiplier, attempt-1))
			if ceiling > p.MaxDelay {
				ceiling = p.MaxDelay
			}
			if d > ceiling {
				t.Fatalf("attempt %d: delay %v above jitter ceiling %v", attempt, d, ceiling)
			}
		}
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for range exp {
		out *= base
	}
	return out
}

func TestRetryPolicy_RetryAfterRaisesFloor(t *testing.T) {
	p := testRetryPolicy()

	// Attempt 1 jitters within [0, 1s); a 10s Retry-After must win.
	for range 20 {
		if d := p.Delay(1, 10*time.Second); d != 10*time.Second {
			t.Fatalf("expected Retry-After floor of 10s, got %v", d)
		}
	}
}

func TestRetryPolicy_RetryAfterIsCapped(t *testing.T) {
	p := testRetryPolicy()

	if d := p.Delay(1, time.Hour); d != p.RetryAfterCap {
		t.Errorf("expected cap %v, got %v", p.RetryAfterCap, d)
	}
}
