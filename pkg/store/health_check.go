package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/models"
)

// appendHealthCheckTx inserts a health-check row inside an existing
// transaction. Used by UpdateEndpointStatus so the status write and its
// accompanying health-check row commit atomically together.
func (s *Store) appendHealthCheckTx(ctx context.Context, tx *sql.Tx, hc *models.HealthCheck) error {
	if hc.CheckedAt.IsZero() {
		hc.CheckedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO endpoint_health_checks (id, endpoint_id, checked_at, success, latency_ms, error_message, status_before, status_after)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		hc.ID, hc.EndpointID, hc.CheckedAt, hc.Success, hc.LatencyMs, hc.ErrorMessage, string(hc.StatusBefore), string(hc.StatusAfter),
	)
	if err != nil {
		return fmt.Errorf("%w: insert health check: %v", gwerrors.ErrStorage, err)
	}
	return nil
}

// ListHealthChecks returns the most recent health checks for one endpoint,
// newest first, bounded by limit.
func (s *Store) ListHealthChecks(ctx context.Context, endpointID string, limit int) ([]*models.HealthCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_id, checked_at, success, latency_ms, error_message, status_before, status_after
		FROM endpoint_health_checks WHERE endpoint_id = $1 ORDER BY checked_at DESC LIMIT $2`, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list health checks: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()

	var out []*models.HealthCheck
	for rows.Next() {
		var hc models.HealthCheck
		var before, after string
		if err := rows.Scan(&hc.ID, &hc.EndpointID, &hc.CheckedAt, &hc.Success, &hc.LatencyMs, &hc.ErrorMessage, &before, &after); err != nil {
			return nil, fmt.Errorf("%w: scan health check: %v", gwerrors.ErrStorage, err)
		}
		hc.StatusBefore = models.EndpointStatus(before)
		hc.StatusAfter = models.EndpointStatus(after)
		out = append(out, &hc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate health checks: %v", gwerrors.ErrStorage, err)
	}
	return out, nil
}

// PruneHealthChecks deletes health-check rows older than the retention
// window (default 30 days) and returns the number of rows removed.
func (s *Store) PruneHealthChecks(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoint_health_checks WHERE checked_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("%w: prune health checks: %v", gwerrors.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", gwerrors.ErrStorage, err)
	}
	return n, nil
}
