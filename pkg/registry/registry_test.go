package registry

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(database.NewClientFromDB(db), nil)
	return New(st, nil), mock
}

func TestRegister_DuplicateName(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectExec("INSERT INTO endpoints").WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := r.Register(context.Background(), EndpointSpec{Name: "alpha", Kind: models.EndpointKindOllama})
	require.NoError(t, err)

	_, err = r.Register(context.Background(), EndpointSpec{Name: "alpha", Kind: models.EndpointKindOllama})
	require.ErrorIs(t, err, gwerrors.ErrAlreadyExists)
}

func TestUpdateInferenceLatency_InitializesThenSmooths(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectExec("INSERT INTO endpoints").WillReturnResult(sqlmock.NewResult(0, 1))

	e, err := r.Register(context.Background(), EndpointSpec{Name: "beta", Kind: models.EndpointKindOllama})
	require.NoError(t, err)
	require.False(t, isFinite(e.EMAInferenceLatencyMs))

	mock.ExpectExec("UPDATE endpoints SET ema_inference_latency_ms").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, r.UpdateInferenceLatency(context.Background(), e.ID, 100))
	got, err := r.Get(e.ID)
	require.NoError(t, err)
	require.Equal(t, 100.0, got.EMAInferenceLatencyMs)

	mock.ExpectExec("UPDATE endpoints SET ema_inference_latency_ms").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, r.UpdateInferenceLatency(context.Background(), e.ID, 200))
	got, err = r.Get(e.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.2*200+0.8*100, got.EMAInferenceLatencyMs, 0.0001)
}

func TestSetStatus_OfflineRecoveryGoesThroughPending(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO endpoints").WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE endpoints").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE endpoints").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO endpoint_health_checks").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	ctx := context.Background()
	e, err := r.Register(ctx, EndpointSpec{Name: "gamma", Kind: models.EndpointKindOllama})
	require.NoError(t, err)

	_, err = r.MarkOffline(ctx, e.ID, "stale: no successful probe within window")
	require.NoError(t, err)

	// First successful probe after offline lands in pending, not online.
	rtt := 20.0
	got, err := r.SetStatus(ctx, e.ID, true, &rtt, nil)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)

	// The next one completes the recovery.
	got, err = r.SetStatus(ctx, e.ID, true, &rtt, nil)
	require.NoError(t, err)
	require.Equal(t, models.StatusOnline, got.Status)
}
