package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/models"
)

// CreateEndpoint inserts a new endpoint row. Returns gwerrors.ErrAlreadyExists
// if the name is already taken.
func (s *Store) CreateEndpoint(ctx context.Context, e *models.Endpoint) error {
	caps, err := marshalCapabilities(e.Capabilities)
	if err != nil {
		return err
	}
	device, err := json.Marshal(e.DeviceInfo)
	if err != nil {
		return fmt.Errorf("%w: marshal device_info: %v", gwerrors.ErrStorage, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO endpoints (
			id, name, base_url, credential, kind, status,
			health_check_interval_secs, inference_timeout_secs,
			registered_at, notes, capabilities, device_info,
			total_requests, successful_requests, failed_requests
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,0,0)`,
		e.ID, e.Name, e.BaseURL, nullableString(e.Credential), string(e.Kind), string(e.Status),
		int(e.HealthCheckInterval.Seconds()), int(e.InferenceTimeout.Seconds()),
		e.RegisteredAt, e.Notes, caps, device,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return gwerrors.ErrAlreadyExists
		}
		return fmt.Errorf("%w: insert endpoint: %v", gwerrors.ErrStorage, err)
	}
	return nil
}

// GetEndpoint reads one endpoint by id.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, endpointSelectColumns+` WHERE id = $1`, id)
	return scanEndpoint(row)
}

// FindEndpointByName reads one endpoint by its unique name.
func (s *Store) FindEndpointByName(ctx context.Context, name string) (*models.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, endpointSelectColumns+` WHERE name = $1`, name)
	return scanEndpoint(row)
}

// ListEndpoints reads every endpoint row.
func (s *Store) ListEndpoints(ctx context.Context) ([]*models.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, endpointSelectColumns+` ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list endpoints: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	return scanEndpoints(rows)
}

// ListEndpointsByStatus reads every endpoint with the given status.
func (s *Store) ListEndpointsByStatus(ctx context.Context, status models.EndpointStatus) ([]*models.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, endpointSelectColumns+` WHERE status = $1 ORDER BY registered_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("%w: list endpoints by status: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	return scanEndpoints(rows)
}

// ListEndpointsByKindAndStatus reads every endpoint with the given kind and
// status.
func (s *Store) ListEndpointsByKindAndStatus(ctx context.Context, kind models.EndpointKind, status models.EndpointStatus) ([]*models.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, endpointSelectColumns+` WHERE kind = $1 AND status = $2 ORDER BY registered_at ASC`, string(kind), string(status))
	if err != nil {
		return nil, fmt.Errorf("%w: list endpoints by kind/status: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	return scanEndpoints(rows)
}

// UpdateEndpoint applies an operator-initiated partial update (name, url,
// credential, intervals, notes, capabilities). Status and counters are
// untouched; use UpdateEndpointStatus / IncrementRequestCounters for those.
func (s *Store) UpdateEndpoint(ctx context.Context, e *models.Endpoint) error {
	caps, err := marshalCapabilities(e.Capabilities)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET
			name = $2, base_url = $3, credential = $4,
			health_check_interval_secs = $5, inference_timeout_secs = $6,
			notes = $7, capabilities = $8
		WHERE id = $1`,
		e.ID, e.Name, e.BaseURL, nullableString(e.Credential),
		int(e.HealthCheckInterval.Seconds()), int(e.InferenceTimeout.Seconds()),
		e.Notes, caps,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return gwerrors.ErrAlreadyExists
		}
		return fmt.Errorf("%w: update endpoint: %v", gwerrors.ErrStorage, err)
	}
	return ignoreZeroRows(res)
}

// DeleteEndpoint removes an endpoint and its dependent rows (cascaded by FK).
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete endpoint: %v", gwerrors.ErrStorage, err)
	}
	return nil
}

// UpdateEndpointStatus applies a status transition, bumping the consecutive
// error counter on failure and resetting it on success, and recording the
// accompanying health-check row in the same transaction. No status write
// happens without one.
func (s *Store) UpdateEndpointStatus(ctx context.Context, hc *models.HealthCheck, newStatus models.EndpointStatus, latencyMs *float64, errMsg *string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if errMsg != nil {
			_, err := tx.ExecContext(ctx, `
				UPDATE endpoints SET status=$2, last_error=$3, consecutive_error_count = consecutive_error_count + 1,
					last_probe_latency_ms = COALESCE($4, last_probe_latency_ms), last_probe_at = now()
				WHERE id = $1`, hc.EndpointID, string(newStatus), *errMsg, latencyMs)
			if err != nil {
				return fmt.Errorf("%w: update endpoint status (fail): %v", gwerrors.ErrStorage, err)
			}
		} else {
			_, err := tx.ExecContext(ctx, `
				UPDATE endpoints SET status=$2, last_error=NULL, consecutive_error_count = 0,
					last_probe_latency_ms = COALESCE($3, last_probe_latency_ms), last_probe_at = now()
				WHERE id = $1`, hc.EndpointID, string(newStatus), latencyMs)
			if err != nil {
				return fmt.Errorf("%w: update endpoint status (ok): %v", gwerrors.ErrStorage, err)
			}
		}
		if newStatus == models.StatusOffline {
			if _, err := tx.ExecContext(ctx, `UPDATE endpoints SET ema_inference_latency_ms = NULL WHERE id = $1`, hc.EndpointID); err != nil {
				return fmt.Errorf("%w: reset ema on offline: %v", gwerrors.ErrStorage, err)
			}
		}
		return s.appendHealthCheckTx(ctx, tx, hc)
	})
}

// UpdateKind changes an endpoint's declared adapter kind.
func (s *Store) UpdateKind(ctx context.Context, id string, kind models.EndpointKind) error {
	res, err := s.db.ExecContext(ctx, `UPDATE endpoints SET kind = $2 WHERE id = $1`, id, string(kind))
	if err != nil {
		return fmt.Errorf("%w: update kind: %v", gwerrors.ErrStorage, err)
	}
	return ignoreZeroRows(res)
}

// UpdateInferenceLatency writes the new EMA latency value (nil clears it,
// i.e. sets it to the unmeasured/offline sentinel).
func (s *Store) UpdateInferenceLatency(ctx context.Context, id string, emaMs *float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE endpoints SET ema_inference_latency_ms = $2 WHERE id = $1`, id, emaMs)
	if err != nil {
		return fmt.Errorf("%w: update inference latency: %v", gwerrors.ErrStorage, err)
	}
	return ignoreZeroRows(res)
}

// UpdateDeviceInfo overwrites an endpoint's reported device telemetry.
func (s *Store) UpdateDeviceInfo(ctx context.Context, id string, info models.DeviceInfo) error {
	device, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("%w: marshal device_info: %v", gwerrors.ErrStorage, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE endpoints SET device_info = $2 WHERE id = $1`, id, device)
	if err != nil {
		return fmt.Errorf("%w: update device info: %v", gwerrors.ErrStorage, err)
	}
	return ignoreZeroRows(res)
}

// IncrementRequestCounters bumps total and exactly one of
// successful/failed.
func (s *Store) IncrementRequestCounters(ctx context.Context, id string, success bool) error {
	col := "failed_requests"
	if success {
		col = "successful_requests"
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE endpoints SET total_requests = total_requests + 1, %s = %s + 1
		WHERE id = $1`, col, col), id)
	if err != nil {
		return fmt.Errorf("%w: increment counters: %v", gwerrors.ErrStorage, err)
	}
	return ignoreZeroRows(res)
}

const endpointSelectColumns = `
	SELECT id, name, base_url, credential, kind, status,
		health_check_interval_secs, inference_timeout_secs,
		last_probe_latency_ms, last_probe_at, last_error, consecutive_error_count,
		registered_at, notes, capabilities, device_info, ema_inference_latency_ms,
		total_requests, successful_requests, failed_requests
	FROM endpoints`

type scannable interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scannable) (*models.Endpoint, error) {
	var e models.Endpoint
	var credential, lastError sql.NullString
	var lastProbeLatency, emaLatency sql.NullFloat64
	var lastProbeAt sql.NullTime
	var capsRaw, deviceRaw []byte
	var hcSecs, infSecs int

	if err := row.Scan(
		&e.ID, &e.Name, &e.BaseURL, &credential, &e.Kind, &e.Status,
		&hcSecs, &infSecs,
		&lastProbeLatency, &lastProbeAt, &lastError, &e.ConsecutiveErrors,
		&e.RegisteredAt, &e.Notes, &capsRaw, &deviceRaw, &emaLatency,
		&e.TotalRequests, &e.SuccessfulRequests, &e.FailedRequests,
	); err != nil {
		if isNotFound(err) {
			return nil, gwerrors.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan endpoint: %v", gwerrors.ErrStorage, err)
	}

	e.Credential = credential.String
	e.LastError = lastError.String
	e.HealthCheckInterval = time.Duration(hcSecs) * time.Second
	e.InferenceTimeout = time.Duration(infSecs) * time.Second
	if lastProbeLatency.Valid {
		e.LastProbeLatencyMs = lastProbeLatency.Float64
	} else {
		e.LastProbeLatencyMs = models.InitialEMALatency
	}
	if lastProbeAt.Valid {
		e.LastProbeAt = lastProbeAt.Time
	}
	if emaLatency.Valid {
		e.EMAInferenceLatencyMs = emaLatency.Float64
	} else {
		e.EMAInferenceLatencyMs = models.InitialEMALatency
	}

	caps, err := unmarshalCapabilities(capsRaw)
	if err != nil {
		return nil, err
	}
	e.Capabilities = caps

	if len(deviceRaw) > 0 {
		if err := json.Unmarshal(deviceRaw, &e.DeviceInfo); err != nil {
			return nil, fmt.Errorf("%w: unmarshal device_info: %v", gwerrors.ErrStorage, err)
		}
	}

	return &e, nil
}

func scanEndpoints(rows *sql.Rows) ([]*models.Endpoint, error) {
	var out []*models.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate endpoints: %v", gwerrors.ErrStorage, err)
	}
	return out, nil
}

func marshalCapabilities(caps map[models.Capability]struct{}) ([]byte, error) {
	list := make([]string, 0, len(caps))
	for c := range caps {
		list = append(list, string(c))
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal capabilities: %v", gwerrors.ErrStorage, err)
	}
	return b, nil
}

func unmarshalCapabilities(raw []byte) (map[models.Capability]struct{}, error) {
	var list []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: unmarshal capabilities: %v", gwerrors.ErrStorage, err)
		}
	}
	out := make(map[models.Capability]struct{}, len(list))
	for _, c := range list {
		out[models.Capability(c)] = struct{}{}
	}
	return out, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ignoreZeroRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", gwerrors.ErrStorage, err)
	}
	if n == 0 {
		return nil // missing row means "not modified", not an error
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// pgx reports unique_violation as SQLSTATE 23505; match on the stable
	// substring database/sql's generic error wrapping preserves rather than
	// importing pgconn just for the code, since this package talks through
	// the stdlib driver interface.
	return err != nil && (strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key"))
}
