package config

// Config is the top-level YAML structure of the service configuration.
type Config struct {
	Server    ServerConf    `yaml:"server"`
	Log       LogConf       `yaml:"log"`
	Engine    EngineConf    `yaml:"engine"`
	Storage   StorageConf   `yaml:"storage"`
	Email     EmailConf     `yaml:"email"`
	Mutation  MutationConf  `yaml:"mutation"`
	CDC       CDCConf       `yaml:"cdc"`
	Scheduler SchedulerConf `yaml:"scheduler"`
}

// ServerConf configures the HTTP listener.
type ServerConf struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
}

// LogConf configures the slog handler.
type LogConf struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// EngineConf holds tunable concurrency settings.
type EngineConf struct {
	EventWorkers    int `yaml:"event_workers"`
	QueueDepth      int `yaml:"queue_depth"`
	RuleParallelism int `yaml:"rule_parallelism"`
	ActionTimeoutMs int `yaml:"action_timeout_ms"`
	StoreTimeoutMs  int `yaml:"store_timeout_ms"`
	EventTimeoutMs  int `yaml:"event_timeout_ms"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// StorageConf selects where rules and execution logs live.
type StorageConf struct {
	Driver      string `yaml:"driver"`
	DatabaseURL Secret `yaml:"database_url"`
	RulesFile   string `yaml:"rules_file"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// Email backends.
const (
	EmailNone     = "none"
	EmailPostgres = "postgres"
	EmailAsynq    = "asynq"
)

// EmailConf selects the email queueing service.
type EmailConf struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword Secret `yaml:"redis_password"`
	Queue         string `yaml:"queue"`
}

// MutationConf controls the record mutation sink.
type MutationConf struct {
	Enabled       bool     `yaml:"enabled"`
	AllowedTables []string `yaml:"allowed_tables"` // empty = any table
}

// CDCConf configures the LISTEN/NOTIFY change-data source.
type CDCConf struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
}

// SchedulerConf configures time_based rule scheduling.
type SchedulerConf struct {
	Enabled            bool   `yaml:"enabled"`
	RefreshIntervalSec int    `yaml:"refresh_interval_sec"`
	Timezone           string `yaml:"timezone"`
}

// Secret wraps a sensitive string to prevent accidental logging or marshalling.
type Secret string

// String implements fmt.Stringer, returning a redacted placeholder.
func (s Secret) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer, returning a redacted placeholder.
func (s Secret) GoString() string { return "[REDACTED]" }

// MarshalText implements encoding.TextMarshaler, returning a redacted placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the underlying secret string.
func (s Secret) Value() string { return string(s) }

// WithDefaults fills unset engine settings.
func (c EngineConf) WithDefaults() EngineConf {
	if c.EventWorkers <= 0 {
		c.EventWorkers = 32
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 10000
	}
	if c.RuleParallelism <= 0 {
		c.RuleParallelism = 8
	}
	if c.ActionTimeoutMs <= 0 {
		c.ActionTimeoutMs = 5000
	}
	if c.StoreTimeoutMs <= 0 {
		c.StoreTimeoutMs = 5000
	}
	if c.EventTimeoutMs <= 0 {
		c.EventTimeoutMs = 30000
	}
	return c
}
