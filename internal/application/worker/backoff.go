package worker

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/config"
)

// RetryPolicy computes per-attempt delays and bounds the per-stage budget.
type RetryPolicy struct {
	// MaxAttempts is the per-stage attempt budget, inclusive of the first
	// attempt. Budgets never bleed across stages because each stage is its
	// own queue row.
	MaxAttempts int

	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// RetryAfterCap bounds the effective delay when an upstream Retry-After
	// raises it above the jittered value.
	RetryAfterCap time.Duration
}

// DefaultRetryPolicy matches the queue config defaults.
func DefaultRetryPolicy() RetryPolicy {
	cfg := config.QueueConfig{}
	cfg.ApplyDefaults()
	return RetryPolicyFromConfig(cfg)
}

// RetryPolicyFromConfig builds the policy from loaded queue configuration.
func RetryPolicyFromConfig(cfg config.QueueConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   cfg.MaxAttemptsPerStage,
		InitialDelay:  cfg.RetryInitialDelay,
		Multiplier:    cfg.RetryMultiplier,
		MaxDelay:      cfg.RetryMaxDelay,
		RetryAfterCap: cfg.RetryAfterCap,
	}
}

// Exhausted reports whether attempt (1-based, the attempt that just failed)
// used up the stage budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay computes the wait before the next attempt with full jitter:
// rand(0, min(MaxDelay, InitialDelay * Multiplier^(attempt-1))). An upstream
// retryAfter raises the floor to at least its value, capped at RetryAfterCap.
// Delays are recomputed on every call; nothing is memoized.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}

	delay := p.InitialDelay
	if maxJitter := int64(backoff); maxJitter > 0 {
		// Full jitter: random(0, backoff). crypto/rand so concurrent workers
		// never share a seed and collide on retry storms.
		if jitter, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			delay = time.Duration(jitter.Int64())
		}
	}

	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > p.RetryAfterCap {
		delay = p.RetryAfterCap
	}
	return delay
}
