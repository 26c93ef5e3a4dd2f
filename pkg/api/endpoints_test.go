package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/events"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/store"
)

func newTestEndpointHandlers(t *testing.T) (*EndpointHandlers, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(database.NewClientFromDB(db), nil)
	reg := registry.New(st, events.New())
	return NewEndpointHandlers(reg, st), mock
}

func TestCreateEndpoint_DefaultsIntervalsAndPersists(t *testing.T) {
	h, mock := newTestEndpointHandlers(t)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := bytes.NewBufferString(`{"name":"gpu-1","base_url":"http://10.0.0.1:8000","kind":"vllm"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/endpoints", body)
	c.Request.Header.Set("Content-Type", "application/json")

	h.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), `"name":"gpu-1"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEndpoint_DuplicateNameConflicts(t *testing.T) {
	h, mock := newTestEndpointHandlers(t)

	// Seed the in-memory registry with an existing endpoint of the same
	// name via a successful first Create, then attempt a second with the
	// same name — Register rejects it before ever reaching the store.
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	w1 := httptest.NewRecorder()
	c1, _ := gin.CreateTestContext(w1)
	c1.Request = httptest.NewRequest(http.MethodPost, "/api/endpoints",
		bytes.NewBufferString(`{"name":"gpu-1","base_url":"http://10.0.0.1:8000","kind":"vllm"}`))
	c1.Request.Header.Set("Content-Type", "application/json")
	h.Create(c1)
	require.Equal(t, http.StatusCreated, w1.Code)

	w2 := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(w2)
	c2.Request = httptest.NewRequest(http.MethodPost, "/api/endpoints",
		bytes.NewBufferString(`{"name":"gpu-1","base_url":"http://10.0.0.2:8000","kind":"vllm"}`))
	c2.Request.Header.Set("Content-Type", "application/json")
	h.Create(c2)
	require.Equal(t, http.StatusConflict, w2.Code)
}

func TestCreateEndpoint_CredentialNeverSerialized(t *testing.T) {
	h, mock := newTestEndpointHandlers(t)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body := bytes.NewBufferString(`{"name":"gpu-1","base_url":"http://10.0.0.1:8000","kind":"vllm","credential":"sk-secret-token"}`)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/endpoints", body)
	c.Request.Header.Set("Content-Type", "application/json")

	h.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	require.NotContains(t, w.Body.String(), "sk-secret-token")
	require.Contains(t, w.Body.String(), `"has_credential":true`)
}

func TestGetEndpoint_UnknownIDReturnsNotFound(t *testing.T) {
	h, _ := newTestEndpointHandlers(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/endpoints/missing", nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}

	h.Get(c)

	require.Equal(t, http.StatusNotFound, w.Code)
}
