package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "redis", cfg.KVBackend)
	assert.Equal(t, 3, cfg.PoolTargets["py"])
	assert.Zero(t, cfg.PoolTargets["go"])
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRUCIBLE_PORT", "9090")
	t.Setenv("STORE_TYPE", "Valkey")
	t.Setenv("POOL_ENABLED", "false")
	t.Setenv("POOL_TARGET_JS", "4")
	t.Setenv("MAX_EXECUTION_TIME_S", "120")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "30")
	t.Setenv("EXEC_PREFACE_BYTE", "true")
	t.Setenv("SESSION_TTL_HOURS", "48")
	t.Setenv("STATE_MAX_SIZE_MIB", "10")

	cfg := Default().LoadEnv()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "valkey", cfg.KVBackend)
	assert.False(t, cfg.PoolEnabled)
	assert.Equal(t, 4, cfg.PoolTargets["js"])
	assert.Equal(t, 120*time.Second, cfg.MaxExecutionTime)
	assert.Equal(t, 30, cfg.RateLimitPerMinute)
	assert.True(t, cfg.ExecPrefaceByte)
	assert.Equal(t, 48*time.Hour, cfg.SessionTTL)
	assert.Equal(t, int64(10), cfg.StateMaxSizeMiB)
}

func TestLoadEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_EXECUTIONS", "lots")
	t.Setenv("POOL_ENABLED", "maybe")

	cfg := Default().LoadEnv()
	assert.Equal(t, Default().MaxConcurrentExecutions, cfg.MaxConcurrentExecutions)
	assert.True(t, cfg.PoolEnabled)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"empty port", func(c *Config) { c.Port = "" }, "port is empty"},
		{"bad backend", func(c *Config) { c.KVBackend = "mysql" }, "unsupported kv backend"},
		{"tiny max execution", func(c *Config) { c.MaxExecutionTime = 500 * time.Millisecond }, "below 1s floor"},
		{"default above max", func(c *Config) { c.DefaultExecutionTimeout = 600 * time.Second }, "exceeds max execution time"},
		{"zero batch", func(c *Config) { c.PoolParallelBatch = 0 }, "parallel batch"},
		{"unknown pool language", func(c *Config) { c.PoolTargets["cobol"] = 1 }, "unknown language"},
		{"zero state cap", func(c *Config) { c.StateMaxSizeMiB = 0 }, "state max size"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestClampTimeout(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.DefaultExecutionTimeout, cfg.ClampTimeout(0))
	assert.Equal(t, cfg.DefaultExecutionTimeout, cfg.ClampTimeout(-5))
	assert.Equal(t, 60*time.Second, cfg.ClampTimeout(60))
	assert.Equal(t, cfg.MaxExecutionTime, cfg.ClampTimeout(99999))
}
