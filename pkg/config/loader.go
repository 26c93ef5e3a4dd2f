package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read llmlb.yaml from configDir (optional — defaults apply if absent)
//  2. Expand ${VAR} references against the environment
//  3. Parse YAML into a Config, merged over the built-in Defaults()
//  4. Apply LLMLB_* environment overrides (these win over the YAML file)
//  5. Validate the result
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized",
		"port", stats.Port,
		"max_in_flight", stats.MaxInFlight,
		"redis_cache", stats.RedisCacheEnabled,
		"archive_db", stats.ArchiveDBEnabled)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	cfg := Defaults()

	path := filepath.Join(configDir, "llmlb.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = ExpandEnv(data)
		var fileCfg Config
		if yamlErr := yaml.Unmarshal(data, &fileCfg); yamlErr != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, yamlErr))
		}
		if mergeErr := mergo.Merge(cfg, fileCfg, mergo.WithOverride); mergeErr != nil {
			return nil, NewLoadError(path, mergeErr)
		}
	case os.IsNotExist(err):
		slog.Info("no llmlb.yaml found, using built-in defaults", "path", path)
	default:
		return nil, NewLoadError(path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides layers LLMLB_* environment variables over the loaded
// config. Env vars always win over the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMLB_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("LLMLB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("LLMLB_REQUEST_HISTORY_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.History.RetentionDays = n
		}
	}
	if v := os.Getenv("LLMLB_REQUEST_HISTORY_CLEANUP_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.History.CleanupInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LLMLB_ARCHIVE_DSN"); v != "" {
		cfg.Database.ArchiveDSN = v
	}
	if v := os.Getenv("LLMLB_REDIS_ADDR"); v != "" {
		cfg.ModelHub.RedisAddr = v
	}
}
