package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/store"
)

func newTestHistoryHandlers(t *testing.T) (*HistoryHandlers, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(database.NewClientFromDB(db), nil)
	return NewHistoryHandlers(st), mock
}

var historyCols = []string{"id", "timestamp", "kind", "model", "endpoint_id", "endpoint_name",
	"client_ip", "redacted_request_body", "response_body", "duration_ms", "status", "error_message",
	"input_tokens", "output_tokens", "total_tokens", "api_key_id"}

func TestList_ReturnsPageAndTotal(t *testing.T) {
	h, mock := newTestHistoryHandlers(t)
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	rows := sqlmock.NewRows(historyCols).AddRow(
		"req-1", time.Now(), "chat", "llama3", nil, nil, "1.2.3.4",
		"{}", nil, 120, "success", nil, 10, 20, 30, nil)
	mock.ExpectQuery(".*").WillReturnRows(rows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/history?model=llama3", nil)

	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"total":1`)
}

func TestExport_WritesCSVHeaderAndRows(t *testing.T) {
	h, mock := newTestHistoryHandlers(t)
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	rows := sqlmock.NewRows(historyCols).AddRow(
		"req-1", time.Now(), "chat", "llama3", nil, nil, "1.2.3.4",
		"{}", nil, 120, "success", nil, 10, 20, 30, nil)
	mock.ExpectQuery(".*").WillReturnRows(rows)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/history/export", nil)

	h.Export(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	body := w.Body.String()
	require.Contains(t, body, "id,timestamp,kind,model,endpoint_id,client_ip,duration_ms,status,input_tokens,output_tokens,total_tokens")
	require.Contains(t, body, "req-1")
	require.Contains(t, body, "llama3")
}
