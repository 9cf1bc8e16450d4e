package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reviewpipe/reviewpipe/internal/infrastructure/persistence/compliance"
)

func TestPostgresStore_Compliance(t *testing.T) {
	pgURL := os.Getenv("TEST_POSTGRES_URL")
	if pgURL == "" {
		t.Skip("TEST_POSTGRES_URL not set, skipping PostgreSQL tests")
	}

	ctx := context.Background()
	compliance.RunStoreComplianceTest(t, func() (compliance.Store, func()) {
		store, err := NewPostgresStore(ctx, pgURL)
		require.NoError(t, err)

		// Every subtest starts from empty tables.
		_, err = store.pool.Exec(ctx, "TRUNCATE TABLE audit_events, outbox, dead_letters, work_queue, jobs CASCADE")
		require.NoError(t, err)

		return store, func() {
			_ = store.Close()
		}
	})
}
