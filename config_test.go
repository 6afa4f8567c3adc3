package gymops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Sections(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
gymops:
  env: production
cache:
  provider: redis
  max_entries: 512
  default_ttl: 90s
auth:
  secure_cookie: true
`))
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.GetString("gymops.env"))
	assert.Equal(t, "redis", cfg.GetString("cache.provider"))
	assert.Equal(t, 512, cfg.GetInt("cache.max_entries"))
	assert.Equal(t, 90*time.Second, cfg.GetDuration("cache.default_ttl", time.Minute))
	assert.True(t, cfg.GetBool("auth.secure_cookie"))
	assert.NotNil(t, cfg.Section("cache"))
	assert.Nil(t, cfg.Section("missing"))
	assert.Nil(t, cfg.Get("cache.provider.deeper"))
}

func TestParseConfig_EnvExpansion(t *testing.T) {
	t.Setenv("GYMOPS_TEST_REDIS", "10.0.0.5:6379")

	cfg, err := ParseConfig([]byte(`
cache:
  redis_addr: ${GYMOPS_TEST_REDIS}
  provider: ${GYMOPS_TEST_UNSET:-memory}
`))
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:6379", cfg.GetString("cache.redis_addr"))
	assert.Equal(t, "memory", cfg.GetString("cache.provider"))
}

func TestConfigData_DurationFallback(t *testing.T) {
	cfg := ConfigData{"access": map[string]any{"profile_ttl": "not-a-duration"}}
	assert.Equal(t, time.Minute, cfg.GetDuration("access.profile_ttl", time.Minute))
	assert.Equal(t, time.Second, cfg.GetDuration("access.other", time.Second))
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  db_path: /tmp/u.db\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/u.db", cfg.GetString("users.db_path"))
}
