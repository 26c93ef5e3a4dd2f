package history

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/store"
)

func newTestWriter(t *testing.T, cfg Config) (*Writer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(database.NewClientFromDB(db), nil)
	return New(st, cfg), mock
}

func TestSubmit_FlushesOnBatchSizeTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.FlushInterval = time.Hour
	w, mock := newTestWriter(t, cfg)

	mock.ExpectBegin()
	mock.ExpectPrepare(".*")
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	w.Submit(&models.RequestHistoryRecord{ID: "1", Status: models.RequestStatusSuccess})
	w.Submit(&models.RequestHistoryRecord{ID: "2", Status: models.RequestStatusSuccess})

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 10*time.Millisecond)
}

func TestSubmit_DropsOldestNonErrorWhenQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepth = 2
	w, _ := newTestWriter(t, cfg)

	w.Submit(&models.RequestHistoryRecord{ID: "1", Status: models.RequestStatusSuccess})
	w.Submit(&models.RequestHistoryRecord{ID: "2", Status: models.RequestStatusError})
	w.Submit(&models.RequestHistoryRecord{ID: "3", Status: models.RequestStatusSuccess})

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.pending, 2)
	ids := []string{w.pending[0].ID, w.pending[1].ID}
	require.ElementsMatch(t, []string{"2", "3"}, ids)
}

func TestSubmit_DropsIncomingWhenQueueFullOfErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepth = 1
	w, _ := newTestWriter(t, cfg)

	w.Submit(&models.RequestHistoryRecord{ID: "1", Status: models.RequestStatusError})
	w.Submit(&models.RequestHistoryRecord{ID: "2", Status: models.RequestStatusSuccess})

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.pending, 1)
	require.Equal(t, "1", w.pending[0].ID)
}
