package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/models"
)

// AppendAuditBatch inserts entries in arrival order, assigning each a
// contiguous hash chained to the previous entry. The chain's starting
// point is the last persisted this_hash, read inside the same transaction
// that performs the insert so a concurrent batch (or a restart between
// batches) can never observe or create a duplicate prev_hash.
func (s *Store) AppendAuditBatch(ctx context.Context, entries []*models.AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := lastAuditHashTx(ctx, tx)
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO audit_log (
				id, timestamp, http_method, request_path, status_code, actor_type, actor_id,
				username, api_key_owner, client_ip, duration_ms, input_tokens, output_tokens,
				model_name, endpoint_id, detail, batch_id, prev_hash, this_hash
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`)
		if err != nil {
			return fmt.Errorf("%w: prepare audit insert: %v", gwerrors.ErrStorage, err)
		}
		defer stmt.Close()

		for _, e := range entries {
			if e.Timestamp.IsZero() {
				e.Timestamp = time.Now()
			}
			e.PrevHash = prev
			e.ThisHash = hashAuditEntry(e, prev)

			if _, err := stmt.ExecContext(ctx,
				e.ID, e.Timestamp, e.HTTPMethod, e.RequestPath, e.StatusCode, string(e.ActorType), e.ActorID,
				e.Username, e.APIKeyOwner, e.ClientIP, e.DurationMs, e.InputTokens, e.OutputTokens,
				e.ModelName, e.EndpointID, e.Detail, e.BatchID, e.PrevHash[:], e.ThisHash[:],
			); err != nil {
				return fmt.Errorf("%w: insert audit entry: %v", gwerrors.ErrStorage, err)
			}
			prev = e.ThisHash
		}
		return nil
	})
}

func lastAuditHashTx(ctx context.Context, tx *sql.Tx) ([32]byte, error) {
	var raw []byte
	err := tx.QueryRowContext(ctx, `SELECT this_hash FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return models.ZeroHash, nil
	}
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: read last audit hash: %v", gwerrors.ErrStorage, err)
	}
	var h [32]byte
	copy(h[:], raw)
	return h, nil
}

// hashAuditEntry computes this_hash = SHA256(serialize(fields) || prev_hash).
// The serialization is a fixed, order-stable field concatenation rather than
// JSON so that hash verification never depends on map/struct field ordering.
func hashAuditEntry(e *models.AuditLogEntry, prev [32]byte) [32]byte {
	h := sha256.New()
	var buf [8]byte

	writeString := func(s string) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	writeInt64 := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}

	writeString(e.ID)
	binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp.UnixNano()))
	h.Write(buf[:])
	writeString(e.HTTPMethod)
	writeString(e.RequestPath)
	writeInt64(int64(e.StatusCode))
	writeString(string(e.ActorType))
	writeString(e.ActorID)
	writeString(derefOrEmpty(e.Username))
	writeString(derefOrEmpty(e.APIKeyOwner))
	writeString(e.ClientIP)
	writeInt64(e.DurationMs)
	writeInt64(int64(derefOrZero(e.InputTokens)))
	writeInt64(int64(derefOrZero(e.OutputTokens)))
	writeString(derefOrEmpty(e.ModelName))
	writeString(derefOrEmpty(e.EndpointID))
	writeString(e.Detail)
	writeString(e.BatchID)
	h.Write(prev[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// AuditLogFilter narrows a QueryAuditLog call.
type AuditLogFilter struct {
	ActorType      models.ActorType
	ActorID        string
	EndpointID     string
	Since          time.Time
	Until          time.Time
	SearchText     string // matched against request_path and detail
	Page           int
	PerPage        int
	IncludeArchive bool
}

// QueryAuditLog returns a page of matching entries (primary pool, plus the
// archive pool when IncludeArchive is set and configured) ordered newest
// first, and the combined total count across both pools.
func (s *Store) QueryAuditLog(ctx context.Context, f AuditLogFilter) ([]*models.AuditLogEntry, int, error) {
	where, args := buildAuditWhere(f)

	primary, primaryTotal, err := s.queryAuditPool(ctx, s.db, where, args, f.Page, f.PerPage)
	if err != nil {
		return nil, 0, err
	}
	if !f.IncludeArchive || s.archiveDB == nil {
		return primary, primaryTotal, nil
	}

	archive, archiveTotal, err := s.queryAuditPool(ctx, s.archiveDB, where, args, f.Page, f.PerPage)
	if err != nil {
		return nil, 0, err
	}

	merged := mergeAuditEntries(primary, archive, f.PerPage)
	return merged, primaryTotal + archiveTotal, nil
}

func (s *Store) queryAuditPool(ctx context.Context, db *sql.DB, where string, args []any, page, perPage int) ([]*models.AuditLogEntry, int, error) {
	var total int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count audit_log: %v", gwerrors.ErrStorage, err)
	}

	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	qargs := append(append([]any{}, args...), perPage, (page-1)*perPage)
	query := fmt.Sprintf(`
		SELECT id, timestamp, http_method, request_path, status_code, actor_type, actor_id,
			username, api_key_owner, client_ip, duration_ms, input_tokens, output_tokens,
			model_name, endpoint_id, detail, batch_id, prev_hash, this_hash
		FROM audit_log%s ORDER BY timestamp DESC, id DESC, request_path DESC LIMIT $%d OFFSET $%d`,
		where, len(qargs)-1, len(qargs))

	rows, err := db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: query audit_log: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()

	var out []*models.AuditLogEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: iterate audit_log: %v", gwerrors.ErrStorage, err)
	}
	return out, total, nil
}

func scanAuditEntry(rows *sql.Rows) (*models.AuditLogEntry, error) {
	var e models.AuditLogEntry
	var actorType string
	var prevRaw, thisRaw []byte
	if err := rows.Scan(&e.ID, &e.Timestamp, &e.HTTPMethod, &e.RequestPath, &e.StatusCode, &actorType, &e.ActorID,
		&e.Username, &e.APIKeyOwner, &e.ClientIP, &e.DurationMs, &e.InputTokens, &e.OutputTokens,
		&e.ModelName, &e.EndpointID, &e.Detail, &e.BatchID, &prevRaw, &thisRaw); err != nil {
		return nil, fmt.Errorf("%w: scan audit entry: %v", gwerrors.ErrStorage, err)
	}
	e.ActorType = models.ActorType(actorType)
	copy(e.PrevHash[:], prevRaw)
	copy(e.ThisHash[:], thisRaw)
	return &e, nil
}

// mergeAuditEntries merges two newest-first slices into one newest-first
// slice truncated to perPage, for archive-union queries.
func mergeAuditEntries(a, b []*models.AuditLogEntry, perPage int) []*models.AuditLogEntry {
	if perPage < 1 {
		perPage = 50
	}
	out := make([]*models.AuditLogEntry, 0, perPage)
	i, j := 0, 0
	for len(out) < perPage && (i < len(a) || j < len(b)) {
		switch {
		case i >= len(a):
			out = append(out, b[j])
			j++
		case j >= len(b):
			out = append(out, a[i])
			i++
		case auditLess(a[i], b[j]):
			out = append(out, a[i])
			i++
		default:
			out = append(out, b[j])
			j++
		}
	}
	return out
}

// auditLess reports whether x sorts before y under (timestamp desc, id
// desc, request_path desc).
func auditLess(x, y *models.AuditLogEntry) bool {
	if !x.Timestamp.Equal(y.Timestamp) {
		return x.Timestamp.After(y.Timestamp)
	}
	if x.ID != y.ID {
		return x.ID > y.ID
	}
	return strings.Compare(x.RequestPath, y.RequestPath) > 0
}

func buildAuditWhere(f AuditLogFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ActorType != "" {
		add("actor_type = $%d", string(f.ActorType))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.EndpointID != "" {
		add("endpoint_id = $%d", f.EndpointID)
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("timestamp <= $%d", f.Until)
	}
	if f.SearchText != "" {
		args = append(args, "%"+f.SearchText+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(request_path ILIKE $%d OR detail ILIKE $%d)", n, n))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// VerifyResult is the outcome of walking the audit chain.
type VerifyResult struct {
	Valid          bool
	BatchesChecked int
	BrokenAtID     string
}

// VerifyChain walks the audit log oldest-to-newest, recomputing each
// entry's hash from its fields and the previous entry's this_hash, and
// reports the first entry whose stored hash doesn't match. An empty chain
// is trivially valid.
func (s *Store) VerifyChain(ctx context.Context) (VerifyResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, http_method, request_path, status_code, actor_type, actor_id,
			username, api_key_owner, client_ip, duration_ms, input_tokens, output_tokens,
			model_name, endpoint_id, detail, batch_id, prev_hash, this_hash
		FROM audit_log ORDER BY timestamp ASC, id ASC, request_path ASC`)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: verify chain scan: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()

	expectedPrev := models.ZeroHash
	checked := 0
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return VerifyResult{}, err
		}
		if e.PrevHash != expectedPrev {
			return VerifyResult{Valid: false, BatchesChecked: checked, BrokenAtID: e.ID}, nil
		}
		if hashAuditEntry(e, e.PrevHash) != e.ThisHash {
			return VerifyResult{Valid: false, BatchesChecked: checked, BrokenAtID: e.ID}, nil
		}
		expectedPrev = e.ThisHash
		checked++
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: iterate audit chain: %v", gwerrors.ErrStorage, err)
	}
	return VerifyResult{Valid: true, BatchesChecked: checked}, nil
}

// CountAuditEntries returns the total row count, honoring the same filter
// shape as QueryAuditLog but without pagination.
func (s *Store) CountAuditEntries(ctx context.Context, f AuditLogFilter) (int, error) {
	where, args := buildAuditWhere(f)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: count audit_log: %v", gwerrors.ErrStorage, err)
	}
	return total, nil
}

// ArchiveAuditEntries migrates entries older than olderThan from the
// primary database into the archive pool, preserving ids and the hash
// chain verbatim, then deletes the migrated rows from the primary. A no-op
// (with an error) if no archive pool is configured. Entries are copied
// batch-at-a-time inside one transaction per batch so a crash mid-rotation
// leaves both pools consistent (a row is either fully migrated or still
// only in the primary, never in neither).
func (s *Store) ArchiveAuditEntries(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.archiveDB == nil {
		return 0, fmt.Errorf("%w: no archive pool configured", gwerrors.ErrStorage)
	}
	cutoff := time.Now().Add(-olderThan)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, http_method, request_path, status_code, actor_type, actor_id,
			username, api_key_owner, client_ip, duration_ms, input_tokens, output_tokens,
			model_name, endpoint_id, detail, batch_id, prev_hash, this_hash
		FROM audit_log WHERE timestamp < $1 ORDER BY timestamp ASC, id ASC`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: select rows to archive: %v", gwerrors.ErrStorage, err)
	}
	var batch []*models.AuditLogEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, e)
	}
	closeErr := rows.Err()
	rows.Close()
	if closeErr != nil {
		return 0, fmt.Errorf("%w: iterate rows to archive: %v", gwerrors.ErrStorage, closeErr)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	archiveTx, err := s.archiveDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin archive tx: %v", gwerrors.ErrStorage, err)
	}
	insertStmt, err := archiveTx.PrepareContext(ctx, `
		INSERT INTO audit_log (
			id, timestamp, http_method, request_path, status_code, actor_type, actor_id,
			username, api_key_owner, client_ip, duration_ms, input_tokens, output_tokens,
			model_name, endpoint_id, detail, batch_id, prev_hash, this_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		_ = archiveTx.Rollback()
		return 0, fmt.Errorf("%w: prepare archive insert: %v", gwerrors.ErrStorage, err)
	}
	for _, e := range batch {
		if _, err := insertStmt.ExecContext(ctx,
			e.ID, e.Timestamp, e.HTTPMethod, e.RequestPath, e.StatusCode, string(e.ActorType), e.ActorID,
			e.Username, e.APIKeyOwner, e.ClientIP, e.DurationMs, e.InputTokens, e.OutputTokens,
			e.ModelName, e.EndpointID, e.Detail, e.BatchID, e.PrevHash[:], e.ThisHash[:],
		); err != nil {
			insertStmt.Close()
			_ = archiveTx.Rollback()
			return 0, fmt.Errorf("%w: archive insert: %v", gwerrors.ErrStorage, err)
		}
	}
	insertStmt.Close()
	if err := archiveTx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit archive tx: %v", gwerrors.ErrStorage, err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: delete archived rows from primary: %v", gwerrors.ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
