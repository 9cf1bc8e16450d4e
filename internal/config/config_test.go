package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REVIEWPIPE_DB_DSN", "postgres://localhost:5432/reviewpipe")
	t.Setenv("REVIEWPIPE_FETCH_ALLOWLIST", "//depot/project/...")
	t.Setenv("REVIEWPIPE_MODEL_API_KEY", "test-key")
	t.Setenv("REVIEWPIPE_NOTIFY_BASE_URL", "https://notify.internal")
}

func TestLoadWorkerConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadWorkerConfig()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 5*time.Minute, cfg.Queue.LeaseDuration)
	assert.Equal(t, cfg.Queue.LeaseDuration/3, cfg.Queue.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Queue.MaxAttemptsPerStage)
	assert.Equal(t, time.Second, cfg.Queue.RetryInitialDelay)
	assert.Equal(t, 2.0, cfg.Queue.RetryMultiplier)
	assert.Equal(t, time.Minute, cfg.Queue.RetryMaxDelay)
	assert.Equal(t, 5*time.Minute, cfg.Queue.RetryAfterCap)
	assert.Equal(t, PayloadBackendFS, cfg.Payload.Backend)
	assert.Equal(t, "reviewpipe-worker", cfg.Observability.ServiceName)
}

func TestLoadWorkerConfig_MissingDSN(t *testing.T) {
	t.Setenv("REVIEWPIPE_DB_DSN", "")
	t.Setenv("REVIEWPIPE_FETCH_ALLOWLIST", "//depot/project/...")
	t.Setenv("REVIEWPIPE_MODEL_API_KEY", "test-key")
	t.Setenv("REVIEWPIPE_NOTIFY_BASE_URL", "https://notify.internal")

	_, err := LoadWorkerConfig()
	require.ErrorIs(t, err, ErrDSNRequired)
}

func TestLoadWorkerConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REVIEWPIPE_DB_DRIVER", "sqlite")
	t.Setenv("REVIEWPIPE_DB_DSN", "/var/lib/reviewpipe/queue.db")
	t.Setenv("REVIEWPIPE_QUEUE_LEASE_DURATION", "30s")
	t.Setenv("REVIEWPIPE_QUEUE_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("REVIEWPIPE_WORKER_COUNT", "8")
	t.Setenv("REVIEWPIPE_FETCH_ALLOWLIST", "//depot/a/...,//depot/b/...")

	cfg, err := LoadWorkerConfig()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Queue.LeaseDuration)
	assert.Equal(t, 10*time.Second, cfg.Queue.HeartbeatInterval)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, []string{"//depot/a/...", "//depot/b/..."}, cfg.Fetch.Allowlist)
}

func TestQueueConfig_HeartbeatMustUndercutLease(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REVIEWPIPE_QUEUE_LEASE_DURATION", "10s")
	t.Setenv("REVIEWPIPE_QUEUE_HEARTBEAT_INTERVAL", "10s")

	_, err := LoadWorkerConfig()
	require.ErrorIs(t, err, ErrLeaseTooShort)
}

func TestFetchConfig_RelativeP4PathRejected(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REVIEWPIPE_FETCH_P4_PATH", "p4")

	_, err := LoadWorkerConfig()
	require.ErrorIs(t, err, ErrP4PathRelative)
}
