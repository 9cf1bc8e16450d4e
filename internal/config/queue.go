package config

import (
	"errors"
	"time"
)

// Queue validation errors.
var (
	ErrLeaseTooShort      = errors.New("lease duration must exceed the heartbeat interval")
	ErrNonPositiveSweep   = errors.New("sweep interval must be positive")
	ErrNonPositiveAttempt = errors.New("max attempts per stage must be positive")
)

// QueueConfig holds work queue and retry policy configuration.
//
// The retry defaults implement full-jitter backoff:
// delay = rand(0, min(RetryMaxDelay, RetryInitialDelay * RetryMultiplier^(attempt-1)))
// with an upstream Retry-After raising the floor, capped at RetryAfterCap.
type QueueConfig struct {
	LeaseDuration     time.Duration `env:"REVIEWPIPE_QUEUE_LEASE_DURATION"`
	HeartbeatInterval time.Duration `env:"REVIEWPIPE_QUEUE_HEARTBEAT_INTERVAL"`
	PollInterval      time.Duration `env:"REVIEWPIPE_QUEUE_POLL_INTERVAL"`

	SweepInterval time.Duration `env:"REVIEWPIPE_QUEUE_SWEEP_INTERVAL"`
	SweepLimit    int           `env:"REVIEWPIPE_QUEUE_SWEEP_LIMIT"`

	ReconcileInterval time.Duration `env:"REVIEWPIPE_OUTBOX_RECONCILE_INTERVAL"`

	MaxAttemptsPerStage int           `env:"REVIEWPIPE_RETRY_MAX_ATTEMPTS_PER_STAGE"`
	RetryInitialDelay   time.Duration `env:"REVIEWPIPE_RETRY_INITIAL_DELAY"`
	RetryMultiplier     float64       `env:"REVIEWPIPE_RETRY_MULTIPLIER"`
	RetryMaxDelay       time.Duration `env:"REVIEWPIPE_RETRY_MAX_DELAY"`
	RetryAfterCap       time.Duration `env:"REVIEWPIPE_RETRY_AFTER_CAP"`

	DefaultPriority int `env:"REVIEWPIPE_QUEUE_DEFAULT_PRIORITY"`
}

// ApplyDefaults fills unset fields with production defaults.
func (c *QueueConfig) ApplyDefaults() {
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.HeartbeatInterval == 0 {
		// Renew at a third of the lease so two missed beats still leave slack.
		c.HeartbeatInterval = c.LeaseDuration / 3
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.SweepLimit == 0 {
		c.SweepLimit = 100
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.MaxAttemptsPerStage == 0 {
		c.MaxAttemptsPerStage = 5
	}
	if c.RetryInitialDelay == 0 {
		c.RetryInitialDelay = time.Second
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = 2.0
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.RetryAfterCap == 0 {
		c.RetryAfterCap = 5 * time.Minute
	}
}

// Validate normalizes unset fields to defaults and checks the result.
// env.Load calls this automatically after loading.
func (c *QueueConfig) Validate() error {
	if c.SweepInterval < 0 {
		return ErrNonPositiveSweep
	}
	if c.MaxAttemptsPerStage < 0 {
		return ErrNonPositiveAttempt
	}

	c.ApplyDefaults()

	if c.HeartbeatInterval >= c.LeaseDuration {
		return ErrLeaseTooShort
	}
	return nil
}
