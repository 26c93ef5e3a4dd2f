package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/llmlb/gateway/pkg/database"
	"github.com/llmlb/gateway/pkg/models"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(database.NewClientFromDB(db), nil), mock
}

func sampleEntry(id string) *models.AuditLogEntry {
	return &models.AuditLogEntry{
		ID:          id,
		Timestamp:   time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
		HTTPMethod:  "POST",
		RequestPath: "/v1/chat/completions",
		StatusCode:  200,
		ActorType:   models.ActorTypeAPIKey,
		ActorID:     "key-1",
		ClientIP:    "203.0.113.9",
		DurationMs:  42,
		BatchID:     "batch-1",
	}
}

func TestHashAuditEntry_IsDeterministicAndChains(t *testing.T) {
	e := sampleEntry("a")

	h1 := hashAuditEntry(e, models.ZeroHash)
	h2 := hashAuditEntry(e, models.ZeroHash)
	require.Equal(t, h1, h2)

	// Chaining to a different predecessor changes the digest.
	h3 := hashAuditEntry(e, h1)
	require.NotEqual(t, h1, h3)

	// Mutating any covered field changes the digest.
	tampered := *e
	tampered.Detail = "edited"
	require.NotEqual(t, h1, hashAuditEntry(&tampered, models.ZeroHash))
}

func TestAppendAuditBatch_ChainsEntriesInArrivalOrder(t *testing.T) {
	st, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT this_hash FROM audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"this_hash"})) // empty store
	mock.ExpectPrepare("INSERT INTO audit_log")
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a, b := sampleEntry("a"), sampleEntry("b")
	err := st.AppendAuditBatch(context.Background(), []*models.AuditLogEntry{a, b})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// First entry chains from the zero hash; second from the first.
	require.Equal(t, models.ZeroHash, a.PrevHash)
	require.Equal(t, hashAuditEntry(a, models.ZeroHash), a.ThisHash)
	require.Equal(t, a.ThisHash, b.PrevHash)
	require.Equal(t, hashAuditEntry(b, a.ThisHash), b.ThisHash)
}

func TestMergeAuditEntries_InterleavesNewestFirst(t *testing.T) {
	at := func(sec int) *models.AuditLogEntry {
		e := sampleEntry("id")
		e.Timestamp = time.Date(2026, 7, 1, 12, 0, sec, 0, time.UTC)
		return e
	}
	a := []*models.AuditLogEntry{at(30), at(10)}
	b := []*models.AuditLogEntry{at(20), at(5)}

	merged := mergeAuditEntries(a, b, 3)
	require.Len(t, merged, 3)
	require.Equal(t, 30, merged[0].Timestamp.Second())
	require.Equal(t, 20, merged[1].Timestamp.Second())
	require.Equal(t, 10, merged[2].Timestamp.Second())
}

func TestVerifyChain_EmptyStoreIsValid(t *testing.T) {
	st, mock := newTestStore(t)
	mock.ExpectQuery("SELECT .* FROM audit_log ORDER BY").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "timestamp", "http_method", "request_path", "status_code", "actor_type", "actor_id",
			"username", "api_key_owner", "client_ip", "duration_ms", "input_tokens", "output_tokens",
			"model_name", "endpoint_id", "detail", "batch_id", "prev_hash", "this_hash",
		}))

	res, err := st.VerifyChain(context.Background())
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, 0, res.BatchesChecked)
}

func TestVerifyChain_DetectsTamperedDetailField(t *testing.T) {
	st, mock := newTestStore(t)

	a, b := sampleEntry("a"), sampleEntry("b")
	a.PrevHash = models.ZeroHash
	a.ThisHash = hashAuditEntry(a, a.PrevHash)
	b.PrevHash = a.ThisHash
	b.ThisHash = hashAuditEntry(b, b.PrevHash)
	b.Detail = "tampered after the fact" // breaks b's stored hash

	rows := sqlmock.NewRows([]string{
		"id", "timestamp", "http_method", "request_path", "status_code", "actor_type", "actor_id",
		"username", "api_key_owner", "client_ip", "duration_ms", "input_tokens", "output_tokens",
		"model_name", "endpoint_id", "detail", "batch_id", "prev_hash", "this_hash",
	})
	for _, e := range []*models.AuditLogEntry{a, b} {
		rows.AddRow(e.ID, e.Timestamp, e.HTTPMethod, e.RequestPath, e.StatusCode, string(e.ActorType), e.ActorID,
			e.Username, e.APIKeyOwner, e.ClientIP, e.DurationMs, e.InputTokens, e.OutputTokens,
			e.ModelName, e.EndpointID, e.Detail, e.BatchID, e.PrevHash[:], e.ThisHash[:])
	}
	mock.ExpectQuery("SELECT .* FROM audit_log ORDER BY").WillReturnRows(rows)

	res, err := st.VerifyChain(context.Background())
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, "b", res.BrokenAtID)
	require.Equal(t, 1, res.BatchesChecked)
}
