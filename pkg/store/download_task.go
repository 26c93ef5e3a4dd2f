package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/models"
)

// CreateDownloadTask inserts a new task in status=pending.
func (s *Store) CreateDownloadTask(ctx context.Context, t *models.DownloadTask) error {
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_tasks (id, endpoint_id, model, filename, status, progress, mbps, eta_secs, error, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.EndpointID, t.Model, t.Filename, string(t.Status), t.Progress, t.Mbps,
		etaSecs(t.ETA), t.Error, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert download_task: %v", gwerrors.ErrStorage, err)
	}
	return nil
}

// UpdateDownloadTask overwrites a task's mutable progress fields.
func (s *Store) UpdateDownloadTask(ctx context.Context, t *models.DownloadTask) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE download_tasks SET status=$2, progress=$3, mbps=$4, eta_secs=$5, error=$6, completed_at=$7
		WHERE id = $1`,
		t.ID, string(t.Status), t.Progress, t.Mbps, etaSecs(t.ETA), t.Error, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: update download_task: %v", gwerrors.ErrStorage, err)
	}
	return ignoreZeroRows(res)
}

// GetDownloadTask reads one task by id.
func (s *Store) GetDownloadTask(ctx context.Context, id string) (*models.DownloadTask, error) {
	row := s.db.QueryRowContext(ctx, downloadTaskSelect+` WHERE id = $1`, id)
	return scanDownloadTask(row)
}

// ListDownloadTasks returns every task, newest first, optionally narrowed
// to one endpoint.
func (s *Store) ListDownloadTasks(ctx context.Context, endpointID string) ([]*models.DownloadTask, error) {
	query := downloadTaskSelect + ` ORDER BY started_at DESC`
	args := []any{}
	if endpointID != "" {
		query = downloadTaskSelect + ` WHERE endpoint_id = $1 ORDER BY started_at DESC`
		args = append(args, endpointID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list download_tasks: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	return scanDownloadTasks(rows)
}

// ListActiveDownloadTasks returns tasks still in flight (pending or
// downloading), used by the model hub to report "downloading" availability.
func (s *Store) ListActiveDownloadTasks(ctx context.Context) ([]*models.DownloadTask, error) {
	rows, err := s.db.QueryContext(ctx, downloadTaskSelect+` WHERE status IN ($1, $2) ORDER BY started_at DESC`,
		string(models.DownloadStatusPending), string(models.DownloadStatusDownloading))
	if err != nil {
		return nil, fmt.Errorf("%w: list active download_tasks: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	return scanDownloadTasks(rows)
}

const downloadTaskSelect = `
	SELECT id, endpoint_id, model, filename, status, progress, mbps, eta_secs, error, started_at, completed_at
	FROM download_tasks`

func scanDownloadTask(row scannable) (*models.DownloadTask, error) {
	var t models.DownloadTask
	var status string
	var eta sql.NullInt64
	var completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.EndpointID, &t.Model, &t.Filename, &status, &t.Progress, &t.Mbps,
		&eta, &t.Error, &t.StartedAt, &completedAt); err != nil {
		if isNotFound(err) {
			return nil, gwerrors.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan download_task: %v", gwerrors.ErrStorage, err)
	}
	t.Status = models.DownloadStatus(status)
	if eta.Valid {
		d := time.Duration(eta.Int64) * time.Second
		t.ETA = &d
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func scanDownloadTasks(rows *sql.Rows) ([]*models.DownloadTask, error) {
	var out []*models.DownloadTask
	for rows.Next() {
		t, err := scanDownloadTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate download_tasks: %v", gwerrors.ErrStorage, err)
	}
	return out, nil
}

func etaSecs(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	secs := int64(d.Seconds())
	return &secs
}
