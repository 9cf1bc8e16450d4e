package config

import (
	"fmt"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/env"
)

// WorkerConfig holds all configuration for the worker binary.
type WorkerConfig struct {
	Database      DatabaseConfig
	Queue         QueueConfig
	Fetch         FetchConfig
	Model         ModelConfig
	Notify        NotifyConfig
	Payload       PayloadConfig
	Observability ObservabilityConfig

	// WorkerCount is the number of concurrent claim/process loops.
	WorkerCount int `env:"REVIEWPIPE_WORKER_COUNT"`

	// ShutdownGrace bounds the drain period after SIGTERM.
	ShutdownGrace time.Duration `env:"REVIEWPIPE_SHUTDOWN_GRACE"`
}

// Validate normalizes the top-level worker settings. Section structs
// validate themselves during env.Load.
func (c *WorkerConfig) Validate() error {
	if c.WorkerCount == 0 {
		c.WorkerCount = 4
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.WorkerCount)
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return nil
}

// LoadWorkerConfig loads and validates worker configuration from environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	return cfg, nil
}
