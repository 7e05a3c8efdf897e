package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store" validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth" validate:"required"`
	Engine    EngineConfig    `mapstructure:"engine" validate:"required"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
// URL is required when the postgres store backend is selected.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// RedisConfig holds the Redis connection settings used by the redis store backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// Store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// StoreConfig selects where task records are kept.
type StoreConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=memory postgres redis"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// EngineConfig tunes the task manager and the streaming reconciliation strategy.
type EngineConfig struct {
	MaxConcurrency         int           `mapstructure:"max_concurrency" validate:"gt=0"`
	FetchBatchSize         int           `mapstructure:"fetch_batch_size" validate:"gt=0"`
	ProcessChunkSize       int           `mapstructure:"process_chunk_size" validate:"gt=0"`
	MaxExecutionTime       time.Duration `mapstructure:"max_execution_time" validate:"gt=0"`
	BufferTime             time.Duration `mapstructure:"buffer_time" validate:"gte=0,ltfield=MaxExecutionTime"`
	ChunkDelay             time.Duration `mapstructure:"chunk_delay" validate:"gte=0"`
	BatchDelay             time.Duration `mapstructure:"batch_delay" validate:"gte=0"`
	ContinuationDelay      time.Duration `mapstructure:"continuation_delay" validate:"gte=0"`
	RetryAttempts          int           `mapstructure:"retry_attempts" validate:"gt=0"`
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	DependencyPollInterval time.Duration `mapstructure:"dependency_poll_interval" validate:"gt=0"`
	DependencyTimeout      time.Duration `mapstructure:"dependency_timeout" validate:"gt=0"`
	CleanupSchedule        string        `mapstructure:"cleanup_schedule" validate:"required"`
}

// TelemetryConfig holds metrics and tracing endpoints. Empty values disable them.
type TelemetryConfig struct {
	MetricsAddr  string `mapstructure:"metrics_addr"`
	OTELEndpoint string `mapstructure:"otel_endpoint"`
}
