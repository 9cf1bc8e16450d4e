// Package gcs is a Google Cloud Storage payload store for shared
// deployments where several worker hosts need the same payloads.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/reviewpipe/reviewpipe/internal/payload"
)

// Store maps payload keys directly to object names in one bucket.
type Store struct {
	client *storage.Client
	bucket string
}

var _ payload.Store = (*Store)(nil)

// NewStore creates a GCS-backed store. It assumes ambient authentication
// (e.g. GOOGLE_APPLICATION_CREDENTIALS).
func NewStore(ctx context.Context, bucketName string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{client: client, bucket: bucketName}, nil
}

// Put writes the payload, overwriting any previous object.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := payload.ValidateKey(key); err != nil {
		return err
	}
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize object: %w", err)
	}
	return nil
}

// Get reads a payload by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := payload.ValidateKey(key); err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", payload.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// Exists reports whether an object is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := payload.ValidateKey(key); err != nil {
		return false, err
	}
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
