package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML config at path, applies defaults and then environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 10000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 35000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	cfg.Engine = cfg.Engine.WithDefaults()
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Email.Backend == "" {
		cfg.Email.Backend = EmailNone
	}
	if cfg.Email.Queue == "" {
		cfg.Email.Queue = "default"
	}
	if cfg.CDC.Channel == "" {
		cfg.CDC.Channel = "record_changes"
	}
	if cfg.Scheduler.RefreshIntervalSec == 0 {
		cfg.Scheduler.RefreshIntervalSec = 60
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = envOrDefault("LISTEN_ADDR", cfg.Server.Addr)
	cfg.Log.Level = envOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Storage.DatabaseURL = Secret(envOrDefault("DATABASE_URL", cfg.Storage.DatabaseURL.Value()))
	cfg.Storage.RulesFile = envOrDefault("RULES_FILE", cfg.Storage.RulesFile)
	cfg.Email.RedisAddr = envOrDefault("REDIS_ADDR", cfg.Email.RedisAddr)
	cfg.Email.RedisPassword = Secret(envOrDefault("REDIS_PASSWORD", cfg.Email.RedisPassword.Value()))
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
