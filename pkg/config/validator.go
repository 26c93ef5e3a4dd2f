package config

import (
	"fmt"
)

// validate runs structural checks on a fully merged Config. It intentionally
// does not use a reflection-based validator library: the gateway's config
// surface is small and flat enough that explicit field checks stay more
// readable than tag-driven validation, and every check here produces a
// *ValidationError pinpointing the offending section/field.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.DataDir == "" {
		return NewValidationError("server", "data_dir", ErrMissingRequiredField)
	}
	if cfg.Server.MaxInFlight < 1 {
		return NewValidationError("server", "max_in_flight", fmt.Errorf("must be >= 1, got %d", cfg.Server.MaxInFlight))
	}

	if cfg.Database.DSN == "" {
		return NewValidationError("database", "dsn", ErrMissingRequiredField)
	}
	if cfg.Database.MaxIdleConns > cfg.Database.MaxOpenConns {
		return NewValidationError("database", "max_idle_conns", fmt.Errorf("(%d) cannot exceed max_open_conns (%d)", cfg.Database.MaxIdleConns, cfg.Database.MaxOpenConns))
	}

	if cfg.Registry.ConsecutiveFailThreshold < 1 {
		return NewValidationError("registry", "consecutive_fail_threshold", fmt.Errorf("must be >= 1, got %d", cfg.Registry.ConsecutiveFailThreshold))
	}
	if cfg.Registry.StaleWindowMultiplier < 1 {
		return NewValidationError("registry", "stale_window_multiplier", fmt.Errorf("must be >= 1, got %d", cfg.Registry.StaleWindowMultiplier))
	}
	if cfg.Registry.LatencyEMAAlpha <= 0 || cfg.Registry.LatencyEMAAlpha >= 1 {
		return NewValidationError("registry", "latency_ema_alpha", fmt.Errorf("must be in (0, 1), got %f", cfg.Registry.LatencyEMAAlpha))
	}

	if cfg.History.BatchSize < 1 {
		return NewValidationError("history", "batch_size", fmt.Errorf("must be >= 1, got %d", cfg.History.BatchSize))
	}
	if cfg.History.QueueDepth < 1 {
		return NewValidationError("history", "queue_depth", fmt.Errorf("must be >= 1, got %d", cfg.History.QueueDepth))
	}

	if cfg.Audit.BatchSize < 1 {
		return NewValidationError("audit", "batch_size", fmt.Errorf("must be >= 1, got %d", cfg.Audit.BatchSize))
	}
	if cfg.Audit.QueueDepth < 1 {
		return NewValidationError("audit", "queue_depth", fmt.Errorf("must be >= 1, got %d", cfg.Audit.QueueDepth))
	}

	if cfg.ModelHub.MaxConcurrentHub < 1 {
		return NewValidationError("model_hub", "max_concurrent_hub_calls", fmt.Errorf("must be >= 1, got %d", cfg.ModelHub.MaxConcurrentHub))
	}

	return nil
}
