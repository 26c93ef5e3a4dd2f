package config

import "time"

// Defaults returns the built-in configuration used for any field the YAML
// file and environment overrides leave unset.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			DataDir:        "./data",
			GinMode:        "release",
			MaxInFlight:    1024,
			ShutdownGrace:  30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			HeaderTimeout:  30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 1 * time.Hour,
			ConnMaxIdleTime: 15 * time.Minute,
		},
		Registry: RegistryConfig{
			DefaultHealthCheckInterval: 15 * time.Second,
			DefaultInferenceTimeout:    60 * time.Second,
			ConsecutiveFailThreshold:   3,
			StaleWindowMultiplier:      3,
			LatencyEMAAlpha:            0.2,
		},
		History: HistoryConfig{
			BatchSize:       100,
			FlushInterval:   500 * time.Millisecond,
			QueueDepth:      1024,
			RetentionDays:   7,
			CleanupInterval: 24 * time.Hour,
		},
		Audit: AuditConfig{
			BatchSize:        100,
			FlushInterval:    500 * time.Millisecond,
			QueueDepth:       1024,
			ArchiveAfterDays: 90,
		},
		ModelHub: ModelHubConfig{
			CacheTTL:         10 * time.Minute,
			MaxConcurrentHub: 4,
		},
		Retention: RetentionConfig{
			HealthCheckRetentionDays: 30,
			CleanupInterval:          12 * time.Hour,
			CronSchedule:             "0 * * * *",
		},
		Auth: AuthConfig{
			JWTSigningKeyEnv: "LLMLB_JWT_SIGNING_KEY",
			SessionTTL:       24 * time.Hour,
		},
	}
}
