package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so that
// server.port is read from ARCHIVIST_SERVER_PORT.
const EnvPrefix = "ARCHIVIST"

// Load configuration from environment variables and optionally a config.yaml
// in the working directory. Environment variables take precedence over values
// from the file. Returns a populated Config struct or an error if
// loading/validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile behaves like Load but reads the given config file instead of
// searching the working directory. An empty path falls back to the search.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct constraints and the cross-field rules the tags
// cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" {
		return errors.New("config validation failed: database.url is required for the postgres driver")
	}
	switch cfg.Workers.Registry {
	case "static":
		if len(cfg.Workers.URLs) == 0 {
			return errors.New("config validation failed: workers.urls is required for the static registry")
		}
	case "etcd":
		if len(cfg.Workers.Etcd.Endpoints) == 0 {
			return errors.New("config validation failed: workers.etcd.endpoints is required for the etcd registry")
		}
	}
	if cfg.Assets.Backend == "minio" && (cfg.Assets.Minio.Endpoint == "" || cfg.Assets.Minio.Bucket == "") {
		return errors.New("config validation failed: assets.minio.endpoint and assets.minio.bucket are required")
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("scheduler.interval", 5*time.Second)
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.dispatch_workers", 4)
	v.SetDefault("scheduler.dispatch_queue_size", 100)

	v.SetDefault("reaper.interval", time.Minute)
	v.SetDefault("reaper.orphan_timeout", 30*time.Minute)
	v.SetDefault("reaper.batch_size", 100)

	v.SetDefault("workers.registry", "memory")
	v.SetDefault("workers.urls", []string{})
	v.SetDefault("workers.max_queue_size", 1)
	v.SetDefault("workers.connect_timeout", 5*time.Second)
	v.SetDefault("workers.execute_timeout", 30*time.Minute)
	v.SetDefault("workers.refresh_interval", 30*time.Second)
	v.SetDefault("workers.heartbeat_ttl", 30*time.Second)
	v.SetDefault("workers.failure_threshold", 3)
	v.SetDefault("workers.etcd.endpoints", []string{})
	v.SetDefault("workers.etcd.prefix", "/archivist/workers/")
	v.SetDefault("workers.etcd.dial_timeout", 5*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.reaction_subject", "archivist.reactions")
	v.SetDefault("nats.queue_group", "archivist")
	v.SetDefault("nats.job_event_subject", "archivist.jobs.finished")

	v.SetDefault("assets.backend", "memory")
	v.SetDefault("assets.minio.endpoint", "")
	v.SetDefault("assets.minio.access_key", "")
	v.SetDefault("assets.minio.secret_key", "")
	v.SetDefault("assets.minio.bucket", "")
	v.SetDefault("assets.minio.use_ssl", false)

	v.SetDefault("storage.shared_root", "")
	v.SetDefault("storage.master_address", "")

	v.SetDefault("maintenance.schedule", "@hourly")
	v.SetDefault("maintenance.expire_after", 7*24*time.Hour)
	v.SetDefault("maintenance.batch_size", 500)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "archivist")
}
