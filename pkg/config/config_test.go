package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	l, err := NewLoader(LoaderOptions{})
	require.NoError(t, err)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "supervised", cfg.Autonomy)
	assert.Equal(t, StorageFile, cfg.StorageBackend)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /var/lib/workflowd\nrisk_policy: aggressive\nautonomy: autonomous\n"), 0o600))

	l, err := NewLoader(LoaderOptions{Path: path})
	require.NoError(t, err)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/workflowd", cfg.DataDir)
	assert.Equal(t, "aggressive", string(cfg.RiskPolicy))
	assert.Equal(t, "autonomous", cfg.Autonomy)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("risk_policy: conservative\n"), 0o600))

	t.Setenv("WORKFLOWD_RISK_POLICY", "balanced")

	l, err := NewLoader(LoaderOptions{Path: path})
	require.NoError(t, err)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "balanced", string(cfg.RiskPolicy))
}

func TestLoad_InvalidRiskPolicyRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("risk_policy: reckless\n"), 0o600))

	l, err := NewLoader(LoaderOptions{Path: path})
	require.NoError(t, err)

	_, err = l.Load()
	require.Error(t, err)
}

func TestLoad_InvalidAutonomyRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("autonomy: yolo\n"), 0o600))

	l, err := NewLoader(LoaderOptions{Path: path})
	require.NoError(t, err)

	_, err = l.Load()
	require.Error(t, err)
}

func TestLoad_SQLStorageBackendRequiresDriverAndDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage_backend: sql\n"), 0o600))

	l, err := NewLoader(LoaderOptions{Path: path})
	require.NoError(t, err)

	_, err = l.Load()
	require.Error(t, err)
}

func TestLoad_SQLStorageBackendWithDriverAndDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage_backend: sql\nsql_driver: sqlite3\nsql_dsn: ./data/cas.db\n"), 0o600))

	l, err := NewLoader(LoaderOptions{Path: path})
	require.NoError(t, err)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, StorageSQL, cfg.StorageBackend)
	assert.Equal(t, "sqlite3", cfg.SQLDriver)
}

func TestMutableFieldChanged(t *testing.T) {
	assert.True(t, MutableFieldChanged("risk_policy"))
	assert.True(t, MutableFieldChanged("autonomy"))
	assert.False(t, MutableFieldChanged("data_dir"))
	assert.False(t, MutableFieldChanged("storage_backend"))
}
