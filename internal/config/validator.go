package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks the config for:
//   - Known storage driver, email backend and log settings
//   - Settings each enabled component requires (DSN, rules file, Redis address)
//   - Sane engine limits
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level: unknown level %q", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format: unknown format %q", cfg.Log.Format))
	}

	needsDB := false
	switch cfg.Storage.Driver {
	case DriverMemory:
	case DriverFile:
		if cfg.Storage.RulesFile == "" {
			errs = append(errs, "storage.rules_file is required for the file driver")
		}
	case DriverPostgres:
		needsDB = true
	default:
		errs = append(errs, fmt.Sprintf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	switch cfg.Email.Backend {
	case EmailNone:
	case EmailPostgres:
		needsDB = true
	case EmailAsynq:
		if cfg.Email.RedisAddr == "" {
			errs = append(errs, "email.redis_addr is required for the asynq backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("email.backend: unknown backend %q", cfg.Email.Backend))
	}

	if cfg.Mutation.Enabled {
		needsDB = true
		for i, t := range cfg.Mutation.AllowedTables {
			if !identPattern.MatchString(t) {
				errs = append(errs, fmt.Sprintf("mutation.allowed_tables[%d]: invalid table name %q", i, t))
			}
		}
	}
	if cfg.CDC.Enabled {
		needsDB = true
		if !identPattern.MatchString(cfg.CDC.Channel) {
			errs = append(errs, fmt.Sprintf("cdc.channel: invalid channel name %q", cfg.CDC.Channel))
		}
	}
	if needsDB && cfg.Storage.DatabaseURL.Value() == "" {
		errs = append(errs, "storage.database_url (or DATABASE_URL) is required by the configured components")
	}

	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.RefreshIntervalSec < 1 {
			errs = append(errs, "scheduler.refresh_interval_sec must be at least 1")
		}
		if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("scheduler.timezone: %v", err))
		}
	}

	e := cfg.Engine
	if e.EventWorkers < 1 || e.EventWorkers > 1024 {
		errs = append(errs, fmt.Sprintf("engine.event_workers must be between 1 and 1024, got %d", e.EventWorkers))
	}
	if e.QueueDepth < 1 {
		errs = append(errs, "engine.queue_depth must be positive")
	}
	if e.RuleParallelism < 1 {
		errs = append(errs, "engine.rule_parallelism must be positive")
	}
	if e.ActionTimeoutMs < 1 || e.StoreTimeoutMs < 1 || e.EventTimeoutMs < 1 {
		errs = append(errs, "engine timeouts must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
