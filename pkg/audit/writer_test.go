package audit

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
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows([]string{"this_hash"}))
	mock.ExpectPrepare(".*")
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	w.Submit(&models.AuditLogEntry{ID: "1", ActorType: models.ActorTypeAnonymous})
	w.Submit(&models.AuditLogEntry{ID: "2", ActorType: models.ActorTypeAnonymous})

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 10*time.Millisecond)
}

func TestSubmit_BlocksWhenQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepth = 1
	cfg.FlushInterval = time.Hour
	w, _ := newTestWriter(t, cfg)

	w.Submit(&models.AuditLogEntry{ID: "1"})

	done := make(chan struct{})
	go func() {
		w.Submit(&models.AuditLogEntry{ID: "2"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Submit should have blocked with the queue full")
	case <-time.After(50 * time.Millisecond):
	}

	w.mu.Lock()
	w.pending = nil
	w.notFull.Broadcast()
	w.mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit did not unblock after queue drained")
	}
}
