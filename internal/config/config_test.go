package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "kernel.db", cfg.DatabasePath)
	assert.Equal(t, "main", cfg.DefaultBranch)
	assert.Equal(t, 10, cfg.Retry.InitialIntervalMS)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ReadsTOMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.toml")
	contents := `
database_path = "/var/lib/kernel/prod.db"
default_branch = "staging"

[retry]
initial_interval_ms = 25
multiplier = 1.5
max_interval_ms = 500
max_elapsed_ms = 5000
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/kernel/prod.db", cfg.DatabasePath)
	assert.Equal(t, "staging", cfg.DefaultBranch)
	assert.Equal(t, 25, cfg.Retry.InitialIntervalMS)
	assert.Equal(t, 1.5, cfg.Retry.Multiplier)
}

func TestLoad_EnvOverridesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.toml")
	require.NoError(t, os.WriteFile(path, []byte(`database_path = "/from/file.db"`), 0o600))

	t.Setenv("KERNEL_DATABASE_PATH", "/from/env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env.db", cfg.DatabasePath)
}

func TestRetry_RetryTuningConvertsMillisecondsToDurations(t *testing.T) {
	r := Retry{InitialIntervalMS: 10, Multiplier: 2, MaxIntervalMS: 200, MaxElapsedMS: 2000}
	tuning := r.RetryTuning()
	assert.Equal(t, int64(10), tuning.InitialInterval.Milliseconds())
	assert.Equal(t, int64(200), tuning.MaxInterval.Milliseconds())
	assert.Equal(t, int64(2000), tuning.MaxElapsedTime.Milliseconds())
}
