package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/store"
)

func newTestAuditHandlers(t *testing.T) (*AuditHandlers, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(database.NewClientFromDB(db), nil)
	return NewAuditHandlers(st), mock
}

func TestVerify_EmptyChainIsValid(t *testing.T) {
	h, mock := newTestAuditHandlers(t)
	cols := []string{"id", "timestamp", "http_method", "request_path", "status_code", "actor_type",
		"actor_id", "username", "api_key_owner", "client_ip", "duration_ms", "input_tokens",
		"output_tokens", "model_name", "endpoint_id", "detail", "batch_id", "prev_hash", "this_hash"}
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows(cols))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/audit/verify", nil)

	h.Verify(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"Valid":true,"BatchesChecked":0,"BrokenAtID":""}`, w.Body.String())
}

func TestList_FiltersByQueryParams(t *testing.T) {
	h, mock := newTestAuditHandlers(t)
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	cols := []string{"id", "timestamp", "http_method", "request_path", "status_code", "actor_type",
		"actor_id", "username", "api_key_owner", "client_ip", "duration_ms", "input_tokens",
		"output_tokens", "model_name", "endpoint_id", "detail", "batch_id", "prev_hash", "this_hash"}
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows(cols))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/audit?actor_type=user&page=2&per_page=10", nil)

	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"page":2`)
}
