// Package events implements the in-process event bus: typed
// publish/subscribe whose subscriber is the dashboard WebSocket hub
// (pkg/dashboard). In-process only: there is no secondary process to
// notify.
package events

import "time"

// Topic names one of the fixed event kinds the bus carries.
type Topic string

// Supported topics.
const (
	TopicEndpointStatusChanged Topic = "endpoint-status-changed"
	TopicEndpointRegistered    Topic = "endpoint-registered"
	TopicEndpointRemoved       Topic = "endpoint-removed"
	TopicModelsSynced          Topic = "models-synced"
	TopicDownloadProgress      Topic = "download-progress"
)

// Event is one published occurrence. Payload is topic-specific; see the
// Payload types below.
type Event struct {
	Topic   Topic
	At      time.Time
	Payload any
}

// EndpointStatusChangedPayload accompanies TopicEndpointStatusChanged.
type EndpointStatusChangedPayload struct {
	EndpointID string
	Name       string
	OldStatus  string
	NewStatus  string
}

// EndpointRegisteredPayload accompanies TopicEndpointRegistered.
type EndpointRegisteredPayload struct {
	EndpointID string
	Name       string
}

// EndpointRemovedPayload accompanies TopicEndpointRemoved.
type EndpointRemovedPayload struct {
	EndpointID string
	Name       string
}

// ModelsSyncedPayload accompanies TopicModelsSynced.
type ModelsSyncedPayload struct {
	EndpointID string
	ModelCount int
}

// DownloadProgressPayload accompanies TopicDownloadProgress.
type DownloadProgressPayload struct {
	EndpointID string
	ModelID    string
	Progress   float64 // 0..1
	Status     string
	Err        string
}
