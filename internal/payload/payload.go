// Package payload defines the blob store contract for content that is too
// large or too sensitive for queue rows: diffs, validated review results,
// and dead-letter remediation evidence. Database rows carry only keys into
// this store.
package payload

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when no payload exists under the key.
var ErrNotFound = errors.New("payload not found")

// Store is a content-addressed blob store. Put overwrites. Implementations
// must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ValidateKey rejects keys that could escape a hierarchical namespace.
// Keys are slash-separated relative paths.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("payload key is empty")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("payload key %q is absolute", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" {
			return fmt.Errorf("payload key %q has an empty segment", key)
		}
		if part == "." || part == ".." {
			return fmt.Errorf("payload key %q traverses directories", key)
		}
	}
	return nil
}

// DiffKey is the key of a job's fetched changelist diff.
func DiffKey(jobID string) string {
	return "jobs/" + jobID + "/diff"
}

// ResultKey is the key of a job's validated review result.
func ResultKey(jobID string) string {
	return "jobs/" + jobID + "/result.json"
}

// EvidenceKey is the key of a dead letter's remediation evidence.
func EvidenceKey(deadLetterID string) string {
	return "evidence/" + deadLetterID
}
