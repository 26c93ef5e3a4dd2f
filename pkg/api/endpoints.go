package api

import (
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/store"
)

// EndpointHandlers serves the management API's endpoint CRUD surface over
// the Endpoint Registry, the sole mutator of endpoint rows. The store is
// read directly only for append-only probe history, which the registry
// doesn't hold in memory.
type EndpointHandlers struct {
	reg *registry.Registry
	st  *store.Store
}

// NewEndpointHandlers constructs the endpoint route handlers.
func NewEndpointHandlers(reg *registry.Registry, st *store.Store) *EndpointHandlers {
	return &EndpointHandlers{reg: reg, st: st}
}

type endpointInput struct {
	Name                string   `json:"name" binding:"required"`
	BaseURL             string   `json:"base_url" binding:"required"`
	Credential          string   `json:"credential"`
	Kind                string   `json:"kind" binding:"required"`
	HealthCheckInterval *int     `json:"health_check_interval_seconds"`
	InferenceTimeout    *int     `json:"inference_timeout_seconds"`
	Notes               string   `json:"notes"`
	Capabilities        []string `json:"capabilities"`
}

func capSet(in []string) map[models.Capability]struct{} {
	out := make(map[models.Capability]struct{}, len(in))
	for _, c := range in {
		out[models.Capability(c)] = struct{}{}
	}
	return out
}

// endpointView is the outbound JSON shape for an endpoint. The credential
// is deliberately absent: it is write-only and never serialized.
type endpointView struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	BaseURL             string            `json:"base_url"`
	HasCredential       bool              `json:"has_credential"`
	Kind                string            `json:"kind"`
	Status              string            `json:"status"`
	HealthCheckInterval int               `json:"health_check_interval_seconds"`
	InferenceTimeout    int               `json:"inference_timeout_seconds"`
	LastProbeLatencyMs  *float64          `json:"last_probe_latency_ms,omitempty"`
	LastProbeAt         *time.Time        `json:"last_probe_at,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	ConsecutiveErrors   int               `json:"consecutive_errors"`
	RegisteredAt        time.Time         `json:"registered_at"`
	Notes               string            `json:"notes,omitempty"`
	Capabilities        []string          `json:"capabilities"`
	DeviceInfo          models.DeviceInfo `json:"device_info"`
	EMALatencyMs        *float64          `json:"ema_inference_latency_ms,omitempty"`
	TotalRequests       int64             `json:"total_requests"`
	SuccessfulRequests  int64             `json:"successful_requests"`
	FailedRequests      int64             `json:"failed_requests"`
}

func viewOf(e *models.Endpoint) endpointView {
	caps := make([]string, 0, len(e.Capabilities))
	for c := range e.Capabilities {
		caps = append(caps, string(c))
	}
	sort.Strings(caps)

	v := endpointView{
		ID:                  e.ID,
		Name:                e.Name,
		BaseURL:             e.BaseURL,
		HasCredential:       e.Credential != "",
		Kind:                string(e.Kind),
		Status:              string(e.Status),
		HealthCheckInterval: int(e.HealthCheckInterval.Seconds()),
		InferenceTimeout:    int(e.InferenceTimeout.Seconds()),
		LastError:           e.LastError,
		ConsecutiveErrors:   e.ConsecutiveErrors,
		RegisteredAt:        e.RegisteredAt,
		Notes:               e.Notes,
		Capabilities:        caps,
		DeviceInfo:          e.DeviceInfo,
		TotalRequests:       e.TotalRequests,
		SuccessfulRequests:  e.SuccessfulRequests,
		FailedRequests:      e.FailedRequests,
	}
	if !e.LastProbeAt.IsZero() {
		at := e.LastProbeAt
		v.LastProbeAt = &at
	}
	// Infinity is the in-memory "unmeasured" sentinel and has no JSON
	// representation; it is simply omitted.
	if isFiniteFloat(e.LastProbeLatencyMs) {
		ms := e.LastProbeLatencyMs
		v.LastProbeLatencyMs = &ms
	}
	if isFiniteFloat(e.EMAInferenceLatencyMs) {
		ms := e.EMAInferenceLatencyMs
		v.EMALatencyMs = &ms
	}
	return v
}

func isFiniteFloat(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}

func viewsOf(eps []*models.Endpoint) []endpointView {
	out := make([]endpointView, len(eps))
	for i, e := range eps {
		out[i] = viewOf(e)
	}
	return out
}

// Create handles POST /api/endpoints.
func (h *EndpointHandlers) Create(c *gin.Context) {
	var in endpointInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec := registry.EndpointSpec{
		Name: in.Name, BaseURL: in.BaseURL, Credential: in.Credential,
		Kind: models.EndpointKind(in.Kind), Notes: in.Notes, Capabilities: capSet(in.Capabilities),
		HealthCheckInterval: durationOrDefault(in.HealthCheckInterval, 30*time.Second),
		InferenceTimeout:    durationOrDefault(in.InferenceTimeout, 60*time.Second),
	}
	ep, err := h.reg.Register(c.Request.Context(), spec)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(ep))
}

func durationOrDefault(seconds *int, def time.Duration) time.Duration {
	if seconds == nil {
		return def
	}
	return time.Duration(*seconds) * time.Second
}

// List handles GET /api/endpoints.
func (h *EndpointHandlers) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"endpoints": viewsOf(h.reg.List())})
}

// Get handles GET /api/endpoints/:id.
func (h *EndpointHandlers) Get(c *gin.Context) {
	ep, err := h.reg.Get(c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(ep))
}

type endpointUpdateInput struct {
	Name                *string  `json:"name"`
	BaseURL             *string  `json:"base_url"`
	Credential          *string  `json:"credential"`
	Kind                *string  `json:"kind"`
	HealthCheckInterval *int     `json:"health_check_interval_seconds"`
	InferenceTimeout    *int     `json:"inference_timeout_seconds"`
	Notes               *string  `json:"notes"`
	Capabilities        []string `json:"capabilities"`
}

// Update handles PATCH /api/endpoints/:id.
func (h *EndpointHandlers) Update(c *gin.Context) {
	var in endpointUpdateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec := registry.UpdateSpec{
		Name: in.Name, BaseURL: in.BaseURL, Credential: in.Credential, Notes: in.Notes,
	}
	if in.HealthCheckInterval != nil {
		d := time.Duration(*in.HealthCheckInterval) * time.Second
		spec.HealthCheckInterval = &d
	}
	if in.InferenceTimeout != nil {
		d := time.Duration(*in.InferenceTimeout) * time.Second
		spec.InferenceTimeout = &d
	}
	if in.Capabilities != nil {
		spec.Capabilities = capSet(in.Capabilities)
	}
	ep, err := h.reg.Update(c.Request.Context(), c.Param("id"), spec)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if in.Kind != nil {
		if err := h.reg.UpdateKind(c.Request.Context(), ep.ID, models.EndpointKind(*in.Kind)); err != nil {
			writeServiceError(c, err)
			return
		}
		ep.Kind = models.EndpointKind(*in.Kind)
	}
	c.JSON(http.StatusOK, viewOf(ep))
}

// Delete handles DELETE /api/endpoints/:id.
func (h *EndpointHandlers) Delete(c *gin.Context) {
	if err := h.reg.Remove(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListModels handles GET /api/endpoints/:id/models: the endpoint's
// last-synced EM rows, for the dashboard's per-endpoint model view.
func (h *EndpointHandlers) ListModels(c *gin.Context) {
	ems, err := h.reg.ListModels(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": ems})
}

// ListHealthChecks handles GET /api/endpoints/:id/health: the endpoint's
// recent probe history, newest first.
func (h *EndpointHandlers) ListHealthChecks(c *gin.Context) {
	limit := atoiOrDefault(c.Query("limit"), 50)
	checks, err := h.st.ListHealthChecks(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"health_checks": checks})
}

// Heartbeat handles POST /api/endpoints/:id/heartbeat: an offline endpoint
// announcing it is back moves to pending, where the prober picks it up for
// a recovery probe. A no-op for endpoints in any other state.
func (h *EndpointHandlers) Heartbeat(c *gin.Context) {
	ep, err := h.reg.Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(ep))
}
