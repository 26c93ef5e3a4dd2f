package cleanup

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/store"
)

func TestRunAll_PrunesHistoryAndHealthChecksNotArchiveWithoutArchivePool(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM request_history").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM endpoint_health_checks").WillReturnResult(sqlmock.NewResult(0, 2))

	st := store.New(database.NewClientFromDB(db), nil)
	svc := NewService(st, DefaultConfig())
	svc.runAll(context.Background())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunAll_ArchivesAuditWhenArchivePoolConfigured(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	archiveDB, archiveMock, err := sqlmock.New()
	require.NoError(t, err)
	defer archiveDB.Close()

	mock.ExpectExec("DELETE FROM request_history").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM endpoint_health_checks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, timestamp").WillReturnRows(sqlmock.NewRows(
		[]string{"id", "timestamp", "http_method", "request_path", "status_code", "actor_type", "actor_id",
			"username", "api_key_owner", "client_ip", "duration_ms", "input_tokens", "output_tokens",
			"model_name", "endpoint_id", "detail", "batch_id", "prev_hash", "this_hash"}))

	st := store.New(database.NewClientFromDB(db), database.NewClientFromDB(archiveDB))
	svc := NewService(st, DefaultConfig())
	svc.runAll(context.Background())

	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, archiveMock.ExpectationsWereMet())
}

func TestSchedule_InvalidCronDisablesTaskWithoutPanicking(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.New(database.NewClientFromDB(db), nil)
	cfg := DefaultConfig()
	cfg.RequestHistorySchedule = "not-a-cron-expression"
	svc := NewService(st, cfg)
	svc.schedule("request-history", cfg.RequestHistorySchedule, func() {})
}

func TestDefaultConfig_HasPositiveRetentionWindows(t *testing.T) {
	cfg := DefaultConfig()
	require.Positive(t, cfg.RequestHistoryRetentionDays)
	require.Positive(t, cfg.HealthCheckRetention)
	require.Positive(t, cfg.AuditArchiveAfter)
	require.NotEmpty(t, cfg.RequestHistorySchedule)
}
