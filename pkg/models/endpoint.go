// Package models defines the in-memory domain types shared by the registry,
// selector, prober, proxy, and store. Columns for the persisted subset are
// declared in pkg/database/migrations.
package models

import (
	"math"
	"time"
)

// EndpointKind is the adapter category the proxy knows how to talk to.
type EndpointKind string

// Supported endpoint kinds.
const (
	EndpointKindXLLM             EndpointKind = "xllm"
	EndpointKindOllama           EndpointKind = "ollama"
	EndpointKindVLLM             EndpointKind = "vllm"
	EndpointKindLMStudio         EndpointKind = "lm-studio"
	EndpointKindOpenAICompatible EndpointKind = "openai-compatible"
)

// SupportsModelDownload reports whether this endpoint kind exposes a
// multi-file model-download manifest endpoint.
func (k EndpointKind) SupportsModelDownload() bool {
	return k == EndpointKindXLLM
}

// SupportsModelMetadata reports whether this endpoint kind can report
// richer per-model metadata (size, quantization, device placement) beyond
// a bare model id list. Only xllm and ollama kinds expose this today.
func (k EndpointKind) SupportsModelMetadata() bool {
	return k == EndpointKindXLLM || k == EndpointKindOllama
}

// EndpointStatus is a node in the registry's status state machine.
type EndpointStatus string

// Endpoint lifecycle states.
const (
	StatusPending EndpointStatus = "pending"
	StatusOnline  EndpointStatus = "online"
	StatusOffline EndpointStatus = "offline"
	StatusError   EndpointStatus = "error"
)

// Capability is a coarse API family an endpoint or model advertises.
type Capability string

// Supported capabilities.
const (
	CapabilityChat               Capability = "chat"
	CapabilityEmbeddings         Capability = "embeddings"
	CapabilityImageGeneration    Capability = "image-generation"
	CapabilityAudioTranscription Capability = "audio-transcription"
	CapabilityAudioSpeech        Capability = "audio-speech"
)

// APIFamily is one of the wire-protocol shapes an endpoint model exposes.
type APIFamily string

// Supported API families.
const (
	APIFamilyChatCompletions APIFamily = "chat-completions"
	APIFamilyResponses       APIFamily = "responses"
	APIFamilyEmbeddings      APIFamily = "embeddings"
)

// DeviceInfo carries CPU/GPU telemetry reported by xllm/ollama probes.
type DeviceInfo struct {
	Devices []Device `json:"devices,omitempty"`
}

// Device describes one compute device (CPU or a GPU) on an endpoint host.
type Device struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"` // "cpu" or "gpu"
	MemTotalMB int64  `json:"mem_total_mb,omitempty"`
	MemUsedMB  int64  `json:"mem_used_mb,omitempty"`
}

// Endpoint is the authoritative in-memory representation of one registered
// backend. The Registry (pkg/registry) is the sole mutator of these rows.
type Endpoint struct {
	ID         string
	Name       string
	BaseURL    string
	Credential string // write-only: never included in any JSON marshaling path used by handlers
	Kind       EndpointKind
	Status     EndpointStatus

	HealthCheckInterval time.Duration
	InferenceTimeout    time.Duration

	LastProbeLatencyMs float64 // InitialEMALatency (+Inf) when unset
	LastProbeAt        time.Time
	LastError          string
	ConsecutiveErrors  int

	RegisteredAt time.Time
	Notes        string
	Capabilities map[Capability]struct{}

	DeviceInfo DeviceInfo

	// EMAInferenceLatencyMs is +Inf when unmeasured or while offline, so
	// unmeasured endpoints sort last.
	EMAInferenceLatencyMs float64

	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
}

// HasCapability reports whether the endpoint advertises cap.
func (e *Endpoint) HasCapability(cap Capability) bool {
	_, ok := e.Capabilities[cap]
	return ok
}

// Clone returns a deep-enough copy safe to hand out of the registry's lock:
// the Capabilities map and Devices slice are copied so callers can't mutate
// registry state through a returned snapshot.
func (e *Endpoint) Clone() *Endpoint {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Capabilities = make(map[Capability]struct{}, len(e.Capabilities))
	for k := range e.Capabilities {
		cp.Capabilities[k] = struct{}{}
	}
	cp.DeviceInfo.Devices = append([]Device(nil), e.DeviceInfo.Devices...)
	return &cp
}

// InitialEMALatency is the sentinel used before any inference sample has
// been recorded, and after an offline transition. Sorts last for the
// selector (lower latency ranks first).
var InitialEMALatency = math.Inf(1)
