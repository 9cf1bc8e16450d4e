package config

import (
	"errors"
	"time"
)

// Fetch validation errors.
var (
	ErrAllowlistRequired = errors.New("REVIEWPIPE_FETCH_ALLOWLIST is required")
	ErrP4PathRelative    = errors.New("REVIEWPIPE_FETCH_P4_PATH must be an absolute path")
)

// FetchConfig holds source-control fetcher configuration.
//
// The fetcher shells out to the p4 client with an argument vector (never a
// shell), so P4Path must be a fixed absolute path and every invocation
// carries Timeout as its context deadline.
type FetchConfig struct {
	// P4Path is the absolute path of the p4 binary.
	P4Path string `env:"REVIEWPIPE_FETCH_P4_PATH"`

	// Allowlist holds permitted depot prefixes, e.g. "//depot/project/...".
	// A bare directory entry matches only that directory; a trailing /...
	// matches the subtree.
	Allowlist []string `env:"REVIEWPIPE_FETCH_ALLOWLIST"`

	// Timeout bounds each p4 invocation.
	Timeout time.Duration `env:"REVIEWPIPE_FETCH_TIMEOUT"`
}

// Validate normalizes and checks the fetcher configuration.
func (c *FetchConfig) Validate() error {
	if c.P4Path == "" {
		c.P4Path = "/usr/local/bin/p4"
	}
	if c.P4Path[0] != '/' {
		return ErrP4PathRelative
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if len(c.Allowlist) == 0 {
		return ErrAllowlistRequired
	}
	return nil
}
