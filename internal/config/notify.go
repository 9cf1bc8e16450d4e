package config

import (
	"errors"
	"time"
)

// ErrNotifyBaseURLRequired is returned when the notification endpoint is missing.
var ErrNotifyBaseURLRequired = errors.New("REVIEWPIPE_NOTIFY_BASE_URL is required")

// NotifyConfig holds notification provider configuration. The provider is a
// webhook endpoint accepting idempotent sends and supporting lookup by
// idempotency token.
type NotifyConfig struct {
	BaseURL   string        `env:"REVIEWPIPE_NOTIFY_BASE_URL"`
	AuthToken string        `env:"REVIEWPIPE_NOTIFY_AUTH_TOKEN"`
	Timeout   time.Duration `env:"REVIEWPIPE_NOTIFY_TIMEOUT"`
}

// Validate normalizes and checks the notifier configuration.
func (c *NotifyConfig) Validate() error {
	if c.BaseURL == "" {
		return ErrNotifyBaseURLRequired
	}
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	return nil
}
