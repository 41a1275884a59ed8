// Package config loads memtierd settings from environment variables.
//
// Variables carry the MEMTIER_ prefix and map to section.field names,
// split on the first underscore after the prefix:
//
//	MEMTIER_REDIS_ADDR        -> redis.addr
//	MEMTIER_MEMORY_STM_TTL    -> memory.stm_ttl
//	MEMTIER_DISTILL_HOUR      -> distill.hour
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Secret wraps strings that must not leak through logs or JSON.
type Secret string

func (s Secret) String() string   { return "[REDACTED]" }
func (s Secret) GoString() string { return "Secret([REDACTED])" }

// Value returns the raw secret for actual use.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"[REDACTED]"`), nil }
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

// Config is the full memtierd configuration tree.
type Config struct {
	Redis   RedisConfig   `koanf:"redis"`
	Vector  VectorConfig  `koanf:"vector"`
	Memory  MemoryConfig  `koanf:"memory"`
	Policy  PolicyConfig  `koanf:"policy"`
	Distill DistillConfig `koanf:"distill"`
	Server  ServerConfig  `koanf:"server"`
	Log     LogConfig     `koanf:"log"`
}

// RedisConfig addresses the ephemeral tier store.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password Secret `koanf:"password"`
	DB       int    `koanf:"db"`
}

// VectorConfig addresses the durable vector store.
type VectorConfig struct {
	// Path is the persistence directory; empty keeps everything
	// in memory.
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	Dimensions int    `koanf:"dimensions"`
}

// MemoryConfig tunes tier lifetimes and context assembly.
type MemoryConfig struct {
	STMTTL        time.Duration `koanf:"stm_ttl"`
	ITMTTL        time.Duration `koanf:"itm_ttl"`
	ContextBudget int           `koanf:"context_budget"`
}

// PolicyConfig points at the constitutional validation service. An
// empty URL disables remote validation and treats every memory as
// valid.
type PolicyConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// DistillConfig schedules the nightly batch job.
type DistillConfig struct {
	// Hour is the daily UTC run hour (0-23).
	Hour int `koanf:"hour"`
	// Bootstrap also runs the job once at startup.
	Bootstrap bool `koanf:"bootstrap"`
	// AnthropicModel, when set together with ANTHROPIC_API_KEY in the
	// environment, selects LLM synthesis over the template.
	AnthropicModel string `koanf:"anthropic_model"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr        string `koanf:"addr"`
	TokenSecret Secret `koanf:"token_secret"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

const envPrefix = "MEMTIER_"

// Load reads the environment, applies defaults, and validates.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Vector.Dimensions <= 0 {
		c.Vector.Dimensions = 384
	}
	if c.Memory.STMTTL <= 0 {
		c.Memory.STMTTL = time.Hour
	}
	if c.Memory.ITMTTL <= 0 {
		c.Memory.ITMTTL = 7 * 24 * time.Hour
	}
	if c.Memory.ContextBudget <= 0 {
		c.Memory.ContextBudget = 4096
	}
	if c.Policy.Timeout <= 0 {
		c.Policy.Timeout = 5 * time.Second
	}
	if c.Distill.Hour == 0 {
		c.Distill.Hour = 2
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8085"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate rejects values that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Distill.Hour < 0 || c.Distill.Hour > 23 {
		return fmt.Errorf("distill.hour %d out of range 0-23", c.Distill.Hour)
	}
	if c.Memory.STMTTL >= c.Memory.ITMTTL {
		return fmt.Errorf("memory.stm_ttl %s must be shorter than memory.itm_ttl %s",
			c.Memory.STMTTL, c.Memory.ITMTTL)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q not one of json, console", c.Log.Format)
	}
	return nil
}
