package config

import (
	"errors"
	"time"
)

// ErrModelAPIKeyRequired is returned when the review model credential is missing.
var ErrModelAPIKeyRequired = errors.New("REVIEWPIPE_MODEL_API_KEY is required")

// ModelConfig holds review model client configuration plus the contract
// versions the validator accepts.
type ModelConfig struct {
	APIKey    string        `env:"REVIEWPIPE_MODEL_API_KEY"`
	Model     string        `env:"REVIEWPIPE_MODEL_NAME"`
	MaxTokens int           `env:"REVIEWPIPE_MODEL_MAX_TOKENS"`
	Timeout   time.Duration `env:"REVIEWPIPE_MODEL_TIMEOUT"`

	// Output contract gates. SchemaMajor must match the response's
	// schema_version major exactly; the minor must be at least
	// SchemaMinorFloor. PromptVersion pins major.minor, with patch drift
	// tolerated when PromptPatchDrift is true.
	SchemaMajor      int    `env:"REVIEWPIPE_MODEL_SCHEMA_MAJOR"`
	SchemaMinorFloor int    `env:"REVIEWPIPE_MODEL_SCHEMA_MINOR_FLOOR"`
	PromptVersion    string `env:"REVIEWPIPE_MODEL_PROMPT_VERSION"`
	PromptPatchDrift bool   `env:"REVIEWPIPE_MODEL_PROMPT_PATCH_DRIFT"`
}

// Validate normalizes and checks the model configuration.
func (c *ModelConfig) Validate() error {
	if c.APIKey == "" {
		return ErrModelAPIKeyRequired
	}
	if c.Model == "" {
		c.Model = "claude-sonnet-4-5"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.SchemaMajor == 0 {
		c.SchemaMajor = 1
	}
	if c.PromptVersion == "" {
		c.PromptVersion = "1.0"
	}
	return nil
}
