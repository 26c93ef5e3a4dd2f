package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/events"
	"github.com/llmlb/gateway/pkg/modelhub"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/store"
)

func newTestModelHubHandlers(t *testing.T) (*ModelHubHandlers, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(database.NewClientFromDB(db), nil)
	reg := registry.New(st, events.New())
	hub := modelhub.New(st, reg)
	return NewModelHubHandlers(st, hub, nil), mock
}

func TestListModels_EmptyCatalogReturnsEmptyList(t *testing.T) {
	h, mock := newTestModelHubHandlers(t)
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "size_bytes"}))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/models", nil)

	h.ListModels(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"object":"list","data":[]}`, w.Body.String())
}

func TestDeleteCatalogModel_NoRowsAffectedStillReturnsNoContent(t *testing.T) {
	h, mock := newTestModelHubHandlers(t)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/api/models/missing", nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}

	h.DeleteCatalogModel(c)
	// c.Status only records the code; flush it to the recorder the way
	// gin's engine does at the end of a real request.
	c.Writer.WriteHeaderNow()

	require.Equal(t, http.StatusNoContent, w.Code)
}
