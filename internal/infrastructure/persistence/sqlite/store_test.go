package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reviewpipe/reviewpipe/internal/infrastructure/persistence/compliance"
)

func TestSQLiteStore_Compliance(t *testing.T) {
	compliance.RunStoreComplianceTest(t, func() (compliance.Store, func()) {
		store, err := NewStore(context.Background(), ":memory:")
		require.NoError(t, err)

		return store, func() {
			_ = store.Close()
		}
	})
}
