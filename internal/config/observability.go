package config

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTelEnabled bool   `env:"REVIEWPIPE_OTEL_ENABLED"`
	ServiceName string `env:"REVIEWPIPE_SERVICE_NAME"`
}

// Validate normalizes the observability configuration.
func (c *ObservabilityConfig) Validate() error {
	if c.ServiceName == "" {
		c.ServiceName = "reviewpipe-worker"
	}
	return nil
}
