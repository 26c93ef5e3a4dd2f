package api

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/version"
)

// OverviewHandlers serves the dashboard's top-of-page summary.
type OverviewHandlers struct {
	reg *registry.Registry
}

// NewOverviewHandlers constructs the dashboard overview handler.
func NewOverviewHandlers(reg *registry.Registry) *OverviewHandlers {
	return &OverviewHandlers{reg: reg}
}

// cloudProviderEnvKeys maps provider display names to the environment
// variable whose presence marks that provider usable for prefix routing.
var cloudProviderEnvKeys = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"google":    "GOOGLE_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// Overview handles GET /api/dashboard/overview: endpoint counts by status,
// cumulative request counters, and which cloud providers have credentials
// configured.
func (h *OverviewHandlers) Overview(c *gin.Context) {
	byStatus := map[string]int{
		string(models.StatusPending): 0,
		string(models.StatusOnline):  0,
		string(models.StatusOffline): 0,
		string(models.StatusError):   0,
	}
	var total, successful, failed int64
	endpoints := h.reg.List()
	for _, e := range endpoints {
		byStatus[string(e.Status)]++
		total += e.TotalRequests
		successful += e.SuccessfulRequests
		failed += e.FailedRequests
	}

	providers := make(map[string]bool, len(cloudProviderEnvKeys))
	for name, env := range cloudProviderEnvKeys {
		providers[name] = os.Getenv(env) != ""
	}

	c.JSON(http.StatusOK, gin.H{
		"version":         version.Full(),
		"endpoints":       len(endpoints),
		"by_status":       byStatus,
		"total_requests":  total,
		"successful":      successful,
		"failed":          failed,
		"cloud_providers": providers,
	})
}
