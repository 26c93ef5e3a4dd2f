package selector

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/store"
)

func TestSelect_NoCapableBackend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.New(database.NewClientFromDB(db), nil)
	reg := registry.New(st, nil)

	mock.ExpectQuery("SELECT endpoint_id, model_id").WillReturnRows(sqlmock.NewRows(
		[]string{"endpoint_id", "model_id", "capabilities", "max_tokens", "last_checked_at", "api_families"}))

	_, err = Select(context.Background(), reg, Request{
		ModelID: "llama3", RequiredCapability: models.CapabilityChat,
	}, nil)
	require.ErrorIs(t, err, gwerrors.ErrNoCapableBackend)
}

// TestSelect_RanksByActiveRequestsThenLatency exercises the pass-through
// fallback (both endpoints are openai-compatible with no synced models) and
// confirms the ranking prefers fewer active requests over lower latency.
func TestSelect_RanksByActiveRequestsThenLatency(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	// Every statement this test exercises (inserts, transactional status
	// updates, and the EM lookup queries) is mocked permissively since the
	// point under test is the selector's ranking, not the store's SQL.
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	emColumns := []string{"endpoint_id", "model_id", "capabilities", "max_tokens", "last_checked_at", "api_families"}
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows(emColumns))
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows(emColumns))
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows(emColumns))

	st := store.New(database.NewClientFromDB(db), nil)
	reg := registry.New(st, nil)

	a, err := reg.Register(context.Background(), registry.EndpointSpec{
		Name: "a", Kind: models.EndpointKindOpenAICompatible,
		Capabilities: map[models.Capability]struct{}{models.CapabilityChat: {}},
	})
	require.NoError(t, err)

	b, err := reg.Register(context.Background(), registry.EndpointSpec{
		Name: "b", Kind: models.EndpointKindOpenAICompatible,
		Capabilities: map[models.Capability]struct{}{models.CapabilityChat: {}},
	})
	require.NoError(t, err)

	latencyA, latencyB := 5.0, 10.0
	_, err = reg.SetStatus(context.Background(), a.ID, true, &latencyA, nil)
	require.NoError(t, err)
	_, err = reg.SetStatus(context.Background(), b.ID, true, &latencyB, nil)
	require.NoError(t, err)

	active := map[string]int{a.ID: 5, b.ID: 0}
	chosen, err := Select(context.Background(), reg, Request{
		ModelID: "anything", RequiredCapability: models.CapabilityChat,
	}, func(id string) int { return active[id] })
	require.NoError(t, err)
	require.Equal(t, b.ID, chosen.ID)
}
