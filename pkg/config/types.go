package config

import "time"

// Config is the fully loaded, validated runtime configuration for
// llmlb-server: YAML file values merged with environment overrides.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Registry  RegistryConfig  `yaml:"registry"`
	History   HistoryConfig   `yaml:"history"`
	Audit     AuditConfig     `yaml:"audit"`
	ModelHub  ModelHubConfig  `yaml:"model_hub"`
	Retention RetentionConfig `yaml:"retention"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig controls the HTTP listener and process-wide limits.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	DataDir        string        `yaml:"data_dir" validate:"required"`
	GinMode        string        `yaml:"gin_mode"`
	MaxInFlight    int           `yaml:"max_in_flight" validate:"min=1"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	HeaderTimeout  time.Duration `yaml:"header_timeout"`
}

// DatabaseConfig carries the connection parameters for the primary
// Postgres pool; ArchiveDSN, when set, enables the audit archive pool.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	ArchiveDSN      string        `yaml:"archive_dsn,omitempty"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RegistryConfig tunes the endpoint state machine and probe cadence.
type RegistryConfig struct {
	DefaultHealthCheckInterval time.Duration `yaml:"default_health_check_interval"`
	DefaultInferenceTimeout    time.Duration `yaml:"default_inference_timeout"`
	ConsecutiveFailThreshold   int           `yaml:"consecutive_fail_threshold" validate:"min=1"`
	StaleWindowMultiplier      int           `yaml:"stale_window_multiplier" validate:"min=1"`
	LatencyEMAAlpha            float64       `yaml:"latency_ema_alpha" validate:"gt=0,lt=1"`
}

// HistoryConfig tunes the request-history batch writer.
type HistoryConfig struct {
	BatchSize       int           `yaml:"batch_size" validate:"min=1"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	QueueDepth      int           `yaml:"queue_depth" validate:"min=1"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AuditConfig tunes the hash-chained audit writer.
type AuditConfig struct {
	BatchSize        int           `yaml:"batch_size" validate:"min=1"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	QueueDepth       int           `yaml:"queue_depth" validate:"min=1"`
	ArchiveAfterDays int           `yaml:"archive_after_days"`
}

// ModelHubConfig tunes the external-registry TTL cache.
type ModelHubConfig struct {
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	RedisAddr        string        `yaml:"redis_addr,omitempty"`
	MaxConcurrentHub int           `yaml:"max_concurrent_hub_calls" validate:"min=1"`
}

// RetentionConfig controls the three cleaner tasks.
type RetentionConfig struct {
	HealthCheckRetentionDays int           `yaml:"health_check_retention_days"`
	CleanupInterval          time.Duration `yaml:"cleanup_interval"`
	CronSchedule             string        `yaml:"cron_schedule,omitempty"`
}

// AuthConfig holds JWT/admin-session settings for the management API.
type AuthConfig struct {
	JWTSigningKeyEnv string        `yaml:"jwt_signing_key_env"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
}

// Stats summarizes loaded configuration for the startup log line.
type Stats struct {
	Port              int
	MaxInFlight       int
	RedisCacheEnabled bool
	ArchiveDBEnabled  bool
}

// Stats returns a snapshot that Initialize logs once configuration is loaded.
func (c *Config) Stats() Stats {
	return Stats{
		Port:              c.Server.Port,
		MaxInFlight:       c.Server.MaxInFlight,
		RedisCacheEnabled: c.ModelHub.RedisAddr != "",
		ArchiveDBEnabled:  c.Database.ArchiveDSN != "",
	}
}
