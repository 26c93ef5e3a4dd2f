package models

import "time"

// HealthCheck is one append-only probe-result row. Every state-machine
// transition in the registry writes exactly one of these.
type HealthCheck struct {
	ID           string
	EndpointID   string
	CheckedAt    time.Time
	Success      bool
	LatencyMs    *float64
	ErrorMessage *string
	StatusBefore EndpointStatus
	StatusAfter  EndpointStatus
}
