package fs

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewpipe/reviewpipe/internal/payload"
	"github.com/reviewpipe/reviewpipe/internal/payload/compliance"
)

func TestFilesystemStoreCompliance(t *testing.T) {
	compliance.RunPayloadStoreComplianceTest(t, func() (payload.Store, func()) {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)
		return store, func() {}
	})
}

// TestFilePermissions verifies payload files are not world readable. Diff
// payloads can contain unsanitized source.
func TestFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix file modes")
	}

	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	key := payload.DiffKey("job-1")
	require.NoError(t, store.Put(context.Background(), key, []byte("secret diff")))

	info, err := os.Stat(filepath.Join(dir, "jobs", "job-1", "diff"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Join(dir, "jobs", "job-1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestPutRejectsEscapingKeys(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "base"))
	require.NoError(t, err)

	err = store.Put(context.Background(), "../outside", []byte("x"))
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "outside"))
	assert.True(t, os.IsNotExist(statErr), "file must not be created outside the base directory")
}
