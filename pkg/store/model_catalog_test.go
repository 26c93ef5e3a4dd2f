package store

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/models"
)

func newTestStoreForCatalog(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(database.NewClientFromDB(db), nil), mock
}

func TestUpsertCatalogModel_WritesModelTagsAndCapabilities(t *testing.T) {
	st, mock := newTestStoreForCatalog(t)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectBegin()
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.UpsertCatalogModel(context.Background(), &models.CatalogModel{
		ID: "llama3", Name: "Llama 3", Tags: []string{"text"},
		Capabilities: map[models.Capability]struct{}{models.CapabilityChat: {}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCatalogModel_NoRowsIsNotAnError(t *testing.T) {
	st, mock := newTestStoreForCatalog(t)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.DeleteCatalogModel(context.Background(), "missing")
	require.NoError(t, err)
}

func TestListCatalogModels_ComposesTagsAndCapabilities(t *testing.T) {
	st, mock := newTestStoreForCatalog(t)

	mock.ExpectQuery("SELECT id, name, description, size_bytes FROM models").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "size_bytes"}).
			AddRow("llama3", "Llama 3", "", nil))
	mock.ExpectQuery("SELECT tag FROM model_tags").
		WillReturnRows(sqlmock.NewRows([]string{"tag"}).AddRow("text"))
	mock.ExpectQuery("SELECT capability FROM model_capabilities").
		WillReturnRows(sqlmock.NewRows([]string{"capability"}).AddRow("chat"))

	out, err := st.ListCatalogModels(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, []string{"text"}, out[0].Tags)
	_, ok := out[0].Capabilities[models.CapabilityChat]
	require.True(t, ok)
}
