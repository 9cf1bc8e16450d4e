// Package fs is a filesystem payload store for single-host deployments.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/reviewpipe/reviewpipe/internal/payload"
)

// Store keeps each payload as one file under a base directory. Keys map to
// relative paths, so `jobs/<id>/diff` becomes a real directory tree.
// Payloads can hold unsanitized diff content, hence the restrictive modes.
type Store struct {
	baseDir string
}

var _ payload.Store = (*Store)(nil)

// NewStore creates the base directory if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) filePath(key string) (string, error) {
	if err := payload.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}

// Put writes the payload, overwriting any previous content.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.filePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create payload directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// Get reads a payload by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.filePath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", payload.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}

// Exists reports whether a payload is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.filePath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat payload: %w", err)
	}
	return true, nil
}
