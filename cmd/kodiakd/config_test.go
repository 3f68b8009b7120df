package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfigFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kodiakd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis_addr: redis.internal:6380\nprefix: myapp\nqueues: [email, sms]\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, "myapp", cfg.Prefix)
	assert.Equal(t, []string{"email", "sms"}, cfg.Queues)
	assert.Equal(t, "info", cfg.LogLevel, "unset fields keep their default")
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kodiakd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis_addr: redis.internal:6380\n"), 0o600))

	t.Setenv("KODIAK_REDIS_ADDR", "override:6379")
	t.Setenv("KODIAK_REDIS_DB", "4")
	t.Setenv("KODIAK_QUEUES", "critical,low")
	t.Setenv("KODIAK_LOG_LEVEL", "debug")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "override:6379", cfg.RedisAddr)
	assert.Equal(t, 4, cfg.RedisDB)
	assert.Equal(t, []string{"critical", "low"}, cfg.Queues)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	_, err := loadConfig("/no/such/path/kodiakd.yaml")
	assert.Error(t, err)
}
