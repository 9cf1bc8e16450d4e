// Package compliance holds the behavioral test suite every payload store
// backend must pass.
package compliance

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewpipe/reviewpipe/internal/payload"
)

// RunPayloadStoreComplianceTest runs the standard behavior checks against a
// Store implementation. setup returns a fresh store and a teardown func.
func RunPayloadStoreComplianceTest(t *testing.T, setup func() (payload.Store, func())) {
	t.Run("PutAndGet", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		key := payload.ResultKey(uuid.NewString())
		data := []byte(`{"findings":[]}`)

		require.NoError(t, store.Put(ctx, key, data))

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("GetMissingReturnsNotFound", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()

		_, err := store.Get(context.Background(), payload.DiffKey(uuid.NewString()))
		require.Error(t, err)
		assert.True(t, errors.Is(err, payload.ErrNotFound), "expected ErrNotFound, got %v", err)
	})

	t.Run("Exists", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		key := payload.EvidenceKey(uuid.NewString())

		ok, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.Put(ctx, key, []byte("evidence")))

		ok, err = store.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		key := payload.DiffKey(uuid.NewString())
		require.NoError(t, store.Put(ctx, key, []byte("first")))
		require.NoError(t, store.Put(ctx, key, []byte("second")))

		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got)
	})

	t.Run("HierarchicalKeysAreIndependent", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		jobID := uuid.NewString()
		require.NoError(t, store.Put(ctx, payload.DiffKey(jobID), []byte("diff")))
		require.NoError(t, store.Put(ctx, payload.ResultKey(jobID), []byte("result")))

		diff, err := store.Get(ctx, payload.DiffKey(jobID))
		require.NoError(t, err)
		assert.Equal(t, []byte("diff"), diff)

		result, err := store.Get(ctx, payload.ResultKey(jobID))
		require.NoError(t, err)
		assert.Equal(t, []byte("result"), result)
	})

	t.Run("RejectsTraversalKeys", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		for _, key := range []string{"", "/abs", "a//b", "../escape", "jobs/../../etc"} {
			assert.Error(t, store.Put(ctx, key, []byte("x")), "key %q must be rejected", key)
		}
	})
}
