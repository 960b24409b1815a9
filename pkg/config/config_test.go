package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)
	assert.Equal(t, "redis://127.0.0.1:6379/0", cfg.Redis.URL)
	assert.Equal(t, ":8980", cfg.Frontend.Listen)
	assert.Equal(t, ":8981", cfg.Worker.Listen)
	assert.Equal(t, cfg.Worker.Listen, cfg.Worker.PublicName)
	assert.Equal(t, "10GB", cfg.Worker.MaxCacheSize)

	size, err := cfg.Worker.MaxCacheSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000_000), size)
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
redis:
  url: redis://backplane.internal:6379/1
log:
  level: debug
  json: true
frontend:
  listen: ":9000"
  instance:
    transform_tokens: 64
worker:
  listen: ":9001"
  public_name: worker-1.internal:9001
  root: /srv/kiln
  max_cache_size: 512MiB
  link_input_directories: true
  pipeline:
    execute_width: 8
`))
	require.NoError(t, err)
	assert.Equal(t, "redis://backplane.internal:6379/1", cfg.Redis.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, ":9000", cfg.Frontend.Listen)
	assert.Equal(t, 64, cfg.Frontend.Instance.TransformTokens)
	assert.Equal(t, "worker-1.internal:9001", cfg.Worker.PublicName)
	assert.True(t, cfg.Worker.LinkInputDirectories)
	assert.Equal(t, 8, cfg.Worker.Pipeline.ExecuteWidth)

	size, err := cfg.Worker.MaxCacheSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), size)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "worker: [not, a, map]"))
	assert.Error(t, err)

	cfg, err := Load(writeConfig(t, "worker:\n  max_cache_size: lots"))
	require.NoError(t, err)
	_, err = cfg.Worker.MaxCacheSizeBytes()
	assert.Error(t, err)
}
