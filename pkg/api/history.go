package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/store"
)

// HistoryHandlers serves the request-history query/detail/export and
// aggregate dashboard endpoints.
type HistoryHandlers struct {
	st *store.Store
}

// NewHistoryHandlers constructs the request-history route handlers.
func NewHistoryHandlers(st *store.Store) *HistoryHandlers {
	return &HistoryHandlers{st: st}
}

func historyFilterFromQuery(c *gin.Context) store.RequestHistoryFilter {
	f := store.RequestHistoryFilter{
		ModelSubstring: c.Query("model"),
		EndpointID:     c.Query("endpoint_id"),
		Status:         models.RequestStatus(c.Query("status")),
		ClientIP:       c.Query("client_ip"),
		Page:           atoiOrDefault(c.Query("page"), 1),
		PerPage:        atoiOrDefault(c.Query("per_page"), 50),
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
	return f
}

// List handles GET /api/history.
func (h *HistoryHandlers) List(c *gin.Context) {
	f := historyFilterFromQuery(c)
	records, total, err := h.st.FilterRequestHistory(c.Request.Context(), f)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "total": total, "page": f.Page, "per_page": f.PerPage})
}

// Export handles GET /api/history/export: the same filter, serialized as
// CSV for spreadsheet download.
func (h *HistoryHandlers) Export(c *gin.Context) {
	f := historyFilterFromQuery(c)
	f.Page, f.PerPage = 1, 100000 // export ignores pagination, capped to one large page
	records, _, err := h.st.FilterRequestHistory(c.Request.Context(), f)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/csv")
	c.Writer.Header().Set("Content-Disposition", `attachment; filename="request_history.csv"`)
	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"id", "timestamp", "kind", "model", "endpoint_id", "client_ip", "duration_ms", "status", "input_tokens", "output_tokens", "total_tokens"})
	for _, r := range records {
		_ = w.Write([]string{
			r.ID, r.Timestamp.Format(time.RFC3339), string(r.Kind), r.Model,
			derefOrDash(r.EndpointID), r.ClientIP, strconv.FormatInt(r.DurationMs, 10), string(r.Status),
			strconv.Itoa(r.Tokens.Input), strconv.Itoa(r.Tokens.Output), strconv.Itoa(r.Tokens.Total),
		})
	}
	w.Flush()
}

func derefOrDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

// Get handles GET /api/history/:id: the full record detail, including the
// redacted request body and captured response body the list view omits.
func (h *HistoryHandlers) Get(c *gin.Context) {
	rec, err := h.st.GetRequestHistoryRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// TokenUsage handles GET /api/history/tokens: overall, per-period, and
// per-model/per-endpoint token totals over a window, feeding the
// dashboard's usage charts.
func (h *HistoryHandlers) TokenUsage(c *gin.Context) {
	ctx := c.Request.Context()
	since, until := windowFromQuery(c)
	overall, err := h.st.TokenTotalsOverall(ctx, since, until)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	daily, err := h.st.DailyTokenStats(ctx, since, until)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	monthly, err := h.st.MonthlyTokenStats(ctx, since, until)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	perModel, err := h.st.PerModelTokenStats(ctx, since, until)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	perEndpoint, err := h.st.PerEndpointTokenStats(ctx, since, until)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"overall":      overall,
		"daily":        daily,
		"monthly":      monthly,
		"per_model":    perModel,
		"per_endpoint": perEndpoint,
	})
}

// UniqueIPTimeline handles GET /api/history/unique-ips: distinct client
// IPs per hour over a window.
func (h *HistoryHandlers) UniqueIPTimeline(c *gin.Context) {
	since, until := windowFromQuery(c)
	timeline, err := h.st.UniqueIPHourlyTimeline(c.Request.Context(), since, until)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeline": timeline})
}

// ClientIPRanking handles GET /api/history/client-ips: the top-N client-IP
// leaderboard over a window.
func (h *HistoryHandlers) ClientIPRanking(c *gin.Context) {
	since, until := windowFromQuery(c)
	topN := atoiOrDefault(c.Query("top"), 10)
	ranking, err := h.st.ClientIPRankingTopN(c.Request.Context(), since, until, topN)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ranking": ranking})
}

// ModelDistribution handles GET /api/history/model-distribution.
func (h *HistoryHandlers) ModelDistribution(c *gin.Context) {
	since, until := windowFromQuery(c)
	dist, err := h.st.ModelShareDistribution(c.Request.Context(), since, until)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"distribution": dist})
}

func windowFromQuery(c *gin.Context) (time.Time, time.Time) {
	until := time.Now()
	since := until.AddDate(0, 0, -7)
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
	return since, until
}
