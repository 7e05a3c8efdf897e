package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "SIMSYNC"

// SetDefaults registers default values for every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("engine.max_concurrency", 5)
	v.SetDefault("engine.fetch_batch_size", 500)
	v.SetDefault("engine.process_chunk_size", 50)
	v.SetDefault("engine.max_execution_time", 105*time.Second)
	v.SetDefault("engine.buffer_time", 15*time.Second)
	v.SetDefault("engine.chunk_delay", 50*time.Millisecond)
	v.SetDefault("engine.batch_delay", 200*time.Millisecond)
	v.SetDefault("engine.continuation_delay", time.Second)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.retry_base_delay", time.Second)
	v.SetDefault("engine.dependency_poll_interval", time.Second)
	v.SetDefault("engine.dependency_timeout", 5*time.Minute)
	v.SetDefault("engine.cleanup_schedule", "@every 15m")

	v.SetDefault("telemetry.metrics_addr", "")
	v.SetDefault("telemetry.otel_endpoint", "")
}

// Load reads configuration into a Config and validates it.
// Values come from defaults, the config file set on v (if any) and
// environment variables prefixed with SIMSYNC_, in increasing precedence.
// A nil v uses a fresh viper instance.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints and backend-specific requirements.
func Validate(cfg *Config) error {
	validate := validator.New()
	validate.RegisterStructValidation(validateBackend, Config{})

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func validateBackend(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	switch cfg.Store.Backend {
	case BackendPostgres:
		if cfg.Database.URL == "" {
			sl.ReportError(cfg.Database.URL, "Database.URL", "URL", "required_for_backend", BackendPostgres)
		}
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			sl.ReportError(cfg.Redis.Addr, "Redis.Addr", "Addr", "required_for_backend", BackendRedis)
		}
	}
}
