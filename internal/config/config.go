package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"      validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database"    validate:"required"`
	Auth        AuthConfig        `mapstructure:"auth"        validate:"required"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"   validate:"required"`
	Reaper      ReaperConfig      `mapstructure:"reaper"      validate:"required"`
	Workers     WorkersConfig     `mapstructure:"workers"     validate:"required"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Assets      AssetsConfig      `mapstructure:"assets"      validate:"required"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" validate:"required"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level"        validate:"required,oneof=debug info warn error"`
	LogFormat       string        `mapstructure:"log_format"       validate:"required,oneof=json text"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
// Driver "memory" keeps jobs in process and ignores URL.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"            validate:"required,oneof=postgres memory"`
	URL             string        `mapstructure:"url"               validate:"omitempty,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"             validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// SchedulerConfig tunes the scheduling pass.
type SchedulerConfig struct {
	// Interval between periodic passes. Passes are also triggered eagerly.
	Interval time.Duration `mapstructure:"interval"          validate:"gt=0"`
	// BatchSize is the maximum number of tasks a single pass considers.
	BatchSize int `mapstructure:"batch_size"        validate:"gt=0"`
	// DispatchWorkers is the number of goroutines sending tasks to workers.
	DispatchWorkers int `mapstructure:"dispatch_workers"  validate:"gt=0"`
	// DispatchQueueSize bounds the hand-off between a pass and the dispatchers.
	DispatchQueueSize int `mapstructure:"dispatch_queue_size" validate:"gt=0"`
}

// ReaperConfig tunes orphan recovery.
type ReaperConfig struct {
	Interval      time.Duration `mapstructure:"interval"       validate:"gt=0"`
	OrphanTimeout time.Duration `mapstructure:"orphan_timeout" validate:"gt=0"`
	BatchSize     int           `mapstructure:"batch_size"     validate:"gt=0"`
}

// WorkersConfig describes the worker fleet and how to reach it.
type WorkersConfig struct {
	// Registry selects where worker nodes are discovered: a static list of
	// URLs, an in-process heartbeat table, or etcd.
	Registry         string        `mapstructure:"registry"          validate:"required,oneof=static memory etcd"`
	URLs             []string      `mapstructure:"urls"              validate:"dive,url"`
	MaxQueueSize     int           `mapstructure:"max_queue_size"    validate:"gt=0"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"   validate:"gt=0"`
	ExecuteTimeout   time.Duration `mapstructure:"execute_timeout"   validate:"gt=0"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"  validate:"gt=0"`
	HeartbeatTTL     time.Duration `mapstructure:"heartbeat_ttl"     validate:"gt=0"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gt=0"`
	Etcd             EtcdConfig    `mapstructure:"etcd"`
}

// EtcdConfig holds the etcd connection used by the etcd worker registry.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// NATSConfig configures the message bus. An empty URL disables it.
type NATSConfig struct {
	URL             string `mapstructure:"url"              validate:"omitempty,url"`
	ReactionSubject string `mapstructure:"reaction_subject"`
	QueueGroup      string `mapstructure:"queue_group"`
	JobEventSubject string `mapstructure:"job_event_subject"`
}

// AssetsConfig selects the asset index backend.
type AssetsConfig struct {
	Backend string      `mapstructure:"backend" validate:"required,oneof=memory minio"`
	Minio   MinioConfig `mapstructure:"minio"`
}

// MinioConfig holds S3-compatible object storage settings.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// StorageConfig is forwarded to workers with every dispatched task.
type StorageConfig struct {
	SharedRoot    string `mapstructure:"shared_root"`
	MasterAddress string `mapstructure:"master_address"`
}

// MaintenanceConfig drives the periodic expiry of finished jobs.
type MaintenanceConfig struct {
	Schedule    string        `mapstructure:"schedule"     validate:"required"`
	ExpireAfter time.Duration `mapstructure:"expire_after" validate:"gt=0"`
	BatchSize   int           `mapstructure:"batch_size"   validate:"gt=0"`
}

// TracingConfig enables span export to stdout.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}
