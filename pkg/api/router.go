package api

import (
	"github.com/gin-gonic/gin"

	"github.com/llmlb/gateway/pkg/auth"
	"github.com/llmlb/gateway/pkg/dashboard"
	"github.com/llmlb/gateway/pkg/modelhub"
	"github.com/llmlb/gateway/pkg/proxy"
	"github.com/llmlb/gateway/pkg/ratelimit"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/store"
)

// Dependencies bundles every collaborator the router needs to wire its
// handlers. Constructed once at startup in cmd/llmlb-server.
type Dependencies struct {
	Store     *store.Store
	Registry  *registry.Registry
	Proxy     *proxy.Proxy
	Limiter   *ratelimit.Limiter
	Authn     *auth.Authenticator
	ModelHub  *modelhub.Coordinator
	Downloads *modelhub.DownloadManager
	Dashboard *dashboard.Hub
}

// NewRouter builds the full gin engine: security/request-id middleware on
// every route, the OpenAI-compatible inference surface under /v1 (any
// authenticated actor, via RequireAuth(false)), the unauthenticated
// login/signup routes, and the admin-scoped management API under /api.
func NewRouter(deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders(), requestID())

	inference := NewInferenceHandlers(deps.Proxy, deps.Limiter)
	hub := NewModelHubHandlers(deps.Store, deps.ModelHub, deps.Downloads)
	endpoints := NewEndpointHandlers(deps.Registry, deps.Store)
	accounts := NewAccountHandlers(deps.Store, deps.Authn)
	auditH := NewAuditHandlers(deps.Store)
	historyH := NewHistoryHandlers(deps.Store)
	overview := NewOverviewHandlers(deps.Registry)

	v1 := r.Group("/v1")
	v1.Use(deps.Authn.RequireAuth(false))
	{
		inference.RegisterRoutes(v1)
		v1.GET("/models", hub.ListModels)
	}

	r.POST("/api/auth/login", accounts.Login)
	r.POST("/api/auth/signup", accounts.Signup)

	admin := r.Group("/api")
	admin.Use(deps.Authn.RequireAuth(true))
	{
		admin.POST("/auth/invitations", accounts.CreateInvitation)

		admin.POST("/keys", accounts.CreateAPIKey)
		admin.GET("/keys", accounts.ListAPIKeys)
		admin.DELETE("/keys/:id", accounts.RevokeAPIKey)

		admin.POST("/endpoints", endpoints.Create)
		admin.GET("/endpoints", endpoints.List)
		admin.GET("/endpoints/:id", endpoints.Get)
		admin.PATCH("/endpoints/:id", endpoints.Update)
		admin.DELETE("/endpoints/:id", endpoints.Delete)
		admin.GET("/endpoints/:id/models", endpoints.ListModels)
		admin.GET("/endpoints/:id/health", endpoints.ListHealthChecks)
		admin.POST("/endpoints/:id/heartbeat", endpoints.Heartbeat)

		admin.POST("/models", hub.UpsertCatalogModel)
		admin.GET("/models", hub.ListCatalogModels)
		admin.DELETE("/models/:id", hub.DeleteCatalogModel)
		admin.GET("/models/hub", hub.ListHub)
		admin.POST("/models/:id/download", hub.StartDownload)

		admin.GET("/downloads", hub.ListDownloads)
		admin.POST("/downloads/:id/cancel", hub.CancelDownload)

		admin.GET("/audit", auditH.List)
		admin.GET("/audit/stats", auditH.Stats)
		admin.GET("/audit/verify", auditH.Verify)

		admin.GET("/history", historyH.List)
		admin.GET("/history/export", historyH.Export)
		admin.GET("/history/tokens", historyH.TokenUsage)
		admin.GET("/history/client-ips", historyH.ClientIPRanking)
		admin.GET("/history/unique-ips", historyH.UniqueIPTimeline)
		admin.GET("/history/model-distribution", historyH.ModelDistribution)
		admin.GET("/history/:id", historyH.Get)

		admin.GET("/dashboard/overview", overview.Overview)
		admin.GET("/dashboard/ws", dashboard.Handler(deps.Dashboard))
	}

	return r
}
