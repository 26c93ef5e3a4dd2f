package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/gateway/pkg/modelhub"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/store"
)

// ModelHubHandlers serves the composed catalog to both the
// OpenAI-compatible listing and the management API's richer view, the
// management CRUD that approves/removes catalog entries, and the model
// download surface for endpoints that support it.
type ModelHubHandlers struct {
	st        *store.Store
	hub       *modelhub.Coordinator
	downloads *modelhub.DownloadManager
}

// NewModelHubHandlers constructs the model-hub route handlers. downloads
// may be nil, in which case the download routes respond 501.
func NewModelHubHandlers(st *store.Store, hub *modelhub.Coordinator, downloads *modelhub.DownloadManager) *ModelHubHandlers {
	return &ModelHubHandlers{st: st, hub: hub, downloads: downloads}
}

// openAIModel is one /v1/models entry in the shape OpenAI clients expect.
type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ListModels answers GET /v1/models with the OpenAI-shaped model list.
func (h *ModelHubHandlers) ListModels(c *gin.Context) {
	composed, err := h.hub.Compose(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	out := make([]openAIModel, len(composed))
	for i, m := range composed {
		out[i] = openAIModel{ID: m.ID, Object: "model", OwnedBy: "llmlb"}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": out})
}

// ListHub answers GET /api/models/hub with the full composed view
// (availability, external metadata) the dashboard renders.
func (h *ModelHubHandlers) ListHub(c *gin.Context) {
	composed, err := h.hub.Compose(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": composed})
}

// catalogModelInput is the create/update request body for the management
// catalog CRUD.
type catalogModelInput struct {
	ID           string   `json:"id" binding:"required"`
	Name         string   `json:"name" binding:"required"`
	Description  string   `json:"description"`
	SizeBytes    *int64   `json:"size_bytes"`
	Tags         []string `json:"tags"`
	Capabilities []string `json:"capabilities"`
}

// UpsertCatalogModel handles POST /api/models: admin-only approval of a
// model descriptor into the catalog.
func (h *ModelHubHandlers) UpsertCatalogModel(c *gin.Context) {
	var in catalogModelInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	caps := make(map[models.Capability]struct{}, len(in.Capabilities))
	for _, cap := range in.Capabilities {
		caps[models.Capability(cap)] = struct{}{}
	}
	m := &models.CatalogModel{
		ID: in.ID, Name: in.Name, Description: in.Description,
		SizeBytes: in.SizeBytes, Tags: in.Tags, Capabilities: caps,
	}
	if err := h.st.UpsertCatalogModel(c.Request.Context(), m); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ListCatalogModels handles GET /api/models.
func (h *ModelHubHandlers) ListCatalogModels(c *gin.Context) {
	out, err := h.st.ListCatalogModels(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

// DeleteCatalogModel handles DELETE /api/models/:id. A missing id is not
// an error (store.DeleteCatalogModel treats zero rows affected as a no-op).
func (h *ModelHubHandlers) DeleteCatalogModel(c *gin.Context) {
	if err := h.st.DeleteCatalogModel(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// startDownloadInput is the request body for StartDownload.
type startDownloadInput struct {
	EndpointID string `json:"endpoint_id" binding:"required"`
}

// StartDownload handles POST /api/models/:id/download: instructs an
// endpoint to pull the model and returns the tracking task.
func (h *ModelHubHandlers) StartDownload(c *gin.Context) {
	if h.downloads == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "model downloads not configured"})
		return
	}
	var in startDownloadInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.downloads.Start(c.Request.Context(), in.EndpointID, c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// ListDownloads handles GET /api/downloads.
func (h *ModelHubHandlers) ListDownloads(c *gin.Context) {
	if h.downloads == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "model downloads not configured"})
		return
	}
	tasks, err := h.downloads.List(c.Request.Context(), c.Query("endpoint_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// CancelDownload handles POST /api/downloads/:id/cancel.
func (h *ModelHubHandlers) CancelDownload(c *gin.Context) {
	if h.downloads == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "model downloads not configured"})
		return
	}
	task, err := h.downloads.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
