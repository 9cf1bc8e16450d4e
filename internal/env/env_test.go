package env

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loaderConfig struct {
	Host       string        `env:"LOADER_HOST"`
	Port       int           `env:"LOADER_PORT"`
	Enabled    bool          `env:"LOADER_ENABLED"`
	Timeout    time.Duration `env:"LOADER_TIMEOUT"`
	Ratio      float64       `env:"LOADER_RATIO"`
	Recipients []string      `env:"LOADER_RECIPIENTS"`
}

func TestLoad(t *testing.T) {
	t.Setenv("LOADER_HOST", "example.com")
	t.Setenv("LOADER_PORT", "9090")
	t.Setenv("LOADER_ENABLED", "true")
	t.Setenv("LOADER_TIMEOUT", "1m30s")
	t.Setenv("LOADER_RATIO", "0.5")
	t.Setenv("LOADER_RECIPIENTS", "alice@example.com, bob@example.com,")

	var cfg loaderConfig
	err := Load(&cfg)
	require.NoError(t, err)

	assert.Equal(t, "example.com", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, 0.5, cfg.Ratio)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, cfg.Recipients)
}

func TestLoad_UnsetLeavesZeroValues(t *testing.T) {
	var cfg loaderConfig
	err := Load(&cfg)
	require.NoError(t, err)

	assert.Empty(t, cfg.Host)
	assert.Zero(t, cfg.Port)
	assert.False(t, cfg.Enabled)
	assert.Nil(t, cfg.Recipients)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("LOADER_PORT", "not-a-number")

	var cfg loaderConfig
	err := Load(&cfg)
	require.Error(t, err)

	var invalid ErrInvalidValue
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "LOADER_PORT", invalid.EnvVar)
	assert.Equal(t, "Port", invalid.Field)
}

func TestLoad_NotStructPointer(t *testing.T) {
	var n int
	err := Load(&n)

	var notStruct ErrNotStructPointer
	assert.ErrorAs(t, err, &notStruct)

	err = Load(loaderConfig{})
	assert.ErrorAs(t, err, &notStruct)
}

type nestedInner struct {
	DSN string `env:"NESTED_DSN"`
}

var errDSNMissing = errors.New("dsn missing")

func (c *nestedInner) Validate() error {
	if c.DSN == "" {
		return errDSNMissing
	}
	return nil
}

type nestedOuter struct {
	Inner nestedInner
	Name  string `env:"NESTED_NAME"`
}

func TestLoad_NestedStructValidation(t *testing.T) {
	t.Run("valid nested struct", func(t *testing.T) {
		t.Setenv("NESTED_DSN", "postgres://localhost/db")
		t.Setenv("NESTED_NAME", "svc")

		var cfg nestedOuter
		err := Load(&cfg)
		require.NoError(t, err)
		assert.Equal(t, "postgres://localhost/db", cfg.Inner.DSN)
		assert.Equal(t, "svc", cfg.Name)
	})

	t.Run("nested Validate is called", func(t *testing.T) {
		var cfg nestedOuter
		err := Load(&cfg)
		assert.ErrorIs(t, err, errDSNMissing)
	})
}

func TestLoad_DurationParseError(t *testing.T) {
	t.Setenv("LOADER_TIMEOUT", "90") // missing unit

	var cfg loaderConfig
	err := Load(&cfg)
	assert.Error(t, err)
}

func TestLoad_ListSplitting(t *testing.T) {
	t.Setenv("LOADER_RECIPIENTS", " , a ,, b,")

	var cfg loaderConfig
	require.NoError(t, Load(&cfg))
	assert.Equal(t, []string{"a", "b"}, cfg.Recipients)
}
