package config

import "fmt"

// Payload store backends.
const (
	PayloadBackendFS  = "fs"
	PayloadBackendGCS = "gcs"
)

// PayloadConfig holds blob storage configuration for diffs, validated
// results, and remediation evidence.
type PayloadConfig struct {
	// Backend selects the payload store: "fs" or "gcs".
	Backend string `env:"REVIEWPIPE_PAYLOAD_BACKEND"`

	// BaseDir is the filesystem root for the fs backend.
	BaseDir string `env:"REVIEWPIPE_PAYLOAD_DIR"`

	// Bucket is the GCS bucket for the gcs backend.
	Bucket string `env:"REVIEWPIPE_PAYLOAD_BUCKET"`
}

// Validate normalizes and checks the payload store configuration.
func (c *PayloadConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = PayloadBackendFS
	}
	switch c.Backend {
	case PayloadBackendFS:
		if c.BaseDir == "" {
			c.BaseDir = "/var/lib/reviewpipe/payloads"
		}
	case PayloadBackendGCS:
		if c.Bucket == "" {
			return fmt.Errorf("REVIEWPIPE_PAYLOAD_BUCKET is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown payload backend %q", c.Backend)
	}
	return nil
}
