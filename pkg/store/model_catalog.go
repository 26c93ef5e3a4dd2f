package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/models"
)

// UpsertCatalogModel inserts or replaces the catalog descriptor for a
// model id, along with its tags and capabilities. Used by the management
// API's "approve model for the catalog" flow; the model hub reads this table to
// compose /v1/models.
func (s *Store) UpsertCatalogModel(ctx context.Context, m *models.CatalogModel) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO models (id, name, description, size_bytes)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (id) DO UPDATE SET name = $2, description = $3, size_bytes = $4`,
			m.ID, m.Name, m.Description, m.SizeBytes,
		); err != nil {
			return fmt.Errorf("%w: upsert model: %v", gwerrors.ErrStorage, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM model_tags WHERE model_id = $1`, m.ID); err != nil {
			return fmt.Errorf("%w: clear model_tags: %v", gwerrors.ErrStorage, err)
		}
		for _, tag := range m.Tags {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO model_tags (id, model_id, tag) VALUES ($1,$2,$3)
				ON CONFLICT (model_id, tag) DO NOTHING`, uuid.NewString(), m.ID, tag,
			); err != nil {
				return fmt.Errorf("%w: insert model_tag: %v", gwerrors.ErrStorage, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM model_capabilities WHERE model_id = $1`, m.ID); err != nil {
			return fmt.Errorf("%w: clear model_capabilities: %v", gwerrors.ErrStorage, err)
		}
		for cap := range m.Capabilities {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO model_capabilities (id, model_id, capability) VALUES ($1,$2,$3)
				ON CONFLICT (model_id, capability) DO NOTHING`, uuid.NewString(), m.ID, string(cap),
			); err != nil {
				return fmt.Errorf("%w: insert model_capability: %v", gwerrors.ErrStorage, err)
			}
		}
		return nil
	})
}

// DeleteCatalogModel removes a model from the catalog; endpoint-reported
// EM rows for it are untouched, since EM ownership is independent of
// catalog approval.
func (s *Store) DeleteCatalogModel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete model: %v", gwerrors.ErrStorage, err)
	}
	return ignoreZeroRows(res)
}

// ListCatalogModels returns every approved catalog model with its tags and
// capabilities, ordered by name.
func (s *Store) ListCatalogModels(ctx context.Context) ([]*models.CatalogModel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, size_bytes FROM models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%w: list models: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()

	var out []*models.CatalogModel
	for rows.Next() {
		var m models.CatalogModel
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &m.SizeBytes); err != nil {
			return nil, fmt.Errorf("%w: scan model: %v", gwerrors.ErrStorage, err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate models: %v", gwerrors.ErrStorage, err)
	}

	for _, m := range out {
		tags, err := s.listModelTags(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		m.Tags = tags

		caps, err := s.listModelCapabilities(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		m.Capabilities = caps
	}
	return out, nil
}

func (s *Store) listModelTags(ctx context.Context, modelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM model_tags WHERE model_id = $1 ORDER BY tag`, modelID)
	if err != nil {
		return nil, fmt.Errorf("%w: list model_tags: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("%w: scan model_tag: %v", gwerrors.ErrStorage, err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *Store) listModelCapabilities(ctx context.Context, modelID string) (map[models.Capability]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT capability FROM model_capabilities WHERE model_id = $1`, modelID)
	if err != nil {
		return nil, fmt.Errorf("%w: list model_capabilities: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[models.Capability]struct{})
	for rows.Next() {
		var cap string
		if err := rows.Scan(&cap); err != nil {
			return nil, fmt.Errorf("%w: scan model_capability: %v", gwerrors.ErrStorage, err)
		}
		out[models.Capability(cap)] = struct{}{}
	}
	return out, rows.Err()
}
