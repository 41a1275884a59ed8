package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 384, cfg.Vector.Dimensions)
	assert.Equal(t, time.Hour, cfg.Memory.STMTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Memory.ITMTTL)
	assert.Equal(t, 4096, cfg.Memory.ContextBudget)
	assert.Equal(t, 2, cfg.Distill.Hour)
	assert.Equal(t, ":8085", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MEMTIER_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("MEMTIER_REDIS_DB", "3")
	t.Setenv("MEMTIER_MEMORY_STM_TTL", "30m")
	t.Setenv("MEMTIER_MEMORY_ITM_TTL", "48h")
	t.Setenv("MEMTIER_DISTILL_HOUR", "4")
	t.Setenv("MEMTIER_DISTILL_BOOTSTRAP", "true")
	t.Setenv("MEMTIER_SERVER_TOKEN_SECRET", "hunter2")
	t.Setenv("MEMTIER_LOG_LEVEL", "debug")
	t.Setenv("MEMTIER_LOG_FORMAT", "console")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 30*time.Minute, cfg.Memory.STMTTL)
	assert.Equal(t, 48*time.Hour, cfg.Memory.ITMTTL)
	assert.Equal(t, 4, cfg.Distill.Hour)
	assert.True(t, cfg.Distill.Bootstrap)
	assert.Equal(t, "hunter2", cfg.Server.TokenSecret.Value())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"hour out of range", func(c *Config) { c.Distill.Hour = 24 }},
		{"stm outlives itm", func(c *Config) {
			c.Memory.STMTTL = 10 * 24 * time.Hour
		}},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			cfg.ApplyDefaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSecretNeverLeaks(t *testing.T) {
	s := Secret("super-secret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "super-secret", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())

	out, err := json.Marshal(struct {
		Password Secret `json:"password"`
	}{Password: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "super-secret")
}
