package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/store"
)

// AuditHandlers serves the hash-chained audit log's query and
// chain-verification endpoints.
type AuditHandlers struct {
	st *store.Store
}

// NewAuditHandlers constructs the audit route handlers.
func NewAuditHandlers(st *store.Store) *AuditHandlers {
	return &AuditHandlers{st: st}
}

// List handles GET /api/audit.
func (h *AuditHandlers) List(c *gin.Context) {
	f := store.AuditLogFilter{
		ActorType:      models.ActorType(c.Query("actor_type")),
		ActorID:        c.Query("actor_id"),
		EndpointID:     c.Query("endpoint_id"),
		SearchText:     c.Query("q"),
		Page:           atoiOrDefault(c.Query("page"), 1),
		PerPage:        atoiOrDefault(c.Query("per_page"), 50),
		IncludeArchive: c.Query("include_archive") == "true",
	}
	if since := c.Query("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	if until := c.Query("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			f.Until = t
		}
	}
	entries, total, err := h.st.QueryAuditLog(c.Request.Context(), f)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total, "page": f.Page, "per_page": f.PerPage})
}

// Verify handles GET /api/audit/verify: walks the full chain and reports
// whether it's intact.
func (h *AuditHandlers) Verify(c *gin.Context) {
	result, err := h.st.VerifyChain(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Stats handles GET /api/audit/stats: total entry count plus per-actor-type
// counts over an optional window.
func (h *AuditHandlers) Stats(c *gin.Context) {
	var since, until time.Time
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			since = t
		}
	}
	if u := c.Query("until"); u != "" {
		if t, err := time.Parse(time.RFC3339, u); err == nil {
			until = t
		}
	}

	ctx := c.Request.Context()
	total, err := h.st.CountAuditEntries(ctx, store.AuditLogFilter{Since: since, Until: until})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	byActor := make(map[string]int, 3)
	for _, at := range []models.ActorType{models.ActorTypeUser, models.ActorTypeAPIKey, models.ActorTypeAnonymous} {
		n, err := h.st.CountAuditEntries(ctx, store.AuditLogFilter{ActorType: at, Since: since, Until: until})
		if err != nil {
			writeServiceError(c, err)
			return
		}
		byActor[string(at)] = n
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "by_actor_type": byActor})
}

func atoiOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
