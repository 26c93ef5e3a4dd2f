package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/models"
)

// SyncEndpointModels atomically replaces every EndpointModel row for one
// endpoint with the freshly reported set, per the EM invariant "overwritten
// wholesale on each model-list sync".
func (s *Store) SyncEndpointModels(ctx context.Context, endpointID string, reported []*models.EndpointModel) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM endpoint_models WHERE endpoint_id = $1`, endpointID); err != nil {
			return fmt.Errorf("%w: clear endpoint_models: %v", gwerrors.ErrStorage, err)
		}
		for _, em := range reported {
			caps, err := json.Marshal(capSliceFromSet(em.Capabilities))
			if err != nil {
				return fmt.Errorf("%w: marshal em capabilities: %v", gwerrors.ErrStorage, err)
			}
			families, err := json.Marshal(familySliceFromSet(em.APIFamilies))
			if err != nil {
				return fmt.Errorf("%w: marshal em families: %v", gwerrors.ErrStorage, err)
			}
			if em.LastCheckedAt.IsZero() {
				em.LastCheckedAt = time.Now()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO endpoint_models (id, endpoint_id, model_id, capabilities, max_tokens, last_checked_at, api_families)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				uuid.NewString(), endpointID, em.ModelID, caps, em.MaxTokens, em.LastCheckedAt, families,
			); err != nil {
				return fmt.Errorf("%w: insert endpoint_model: %v", gwerrors.ErrStorage, err)
			}
		}
		return nil
	})
}

// ListEndpointModels returns every EM row for one endpoint.
func (s *Store) ListEndpointModels(ctx context.Context, endpointID string) ([]*models.EndpointModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint_id, model_id, capabilities, max_tokens, last_checked_at, api_families
		FROM endpoint_models WHERE endpoint_id = $1 ORDER BY model_id`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("%w: list endpoint_models: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	return scanEndpointModels(rows)
}

// ListEndpointModelsByModelID returns every EM row across all endpoints for
// one model id, used by the selector to find candidates for a request.
func (s *Store) ListEndpointModelsByModelID(ctx context.Context, modelID string) ([]*models.EndpointModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint_id, model_id, capabilities, max_tokens, last_checked_at, api_families
		FROM endpoint_models WHERE model_id = $1`, modelID)
	if err != nil {
		return nil, fmt.Errorf("%w: list endpoint_models by model: %v", gwerrors.ErrStorage, err)
	}
	defer rows.Close()
	return scanEndpointModels(rows)
}

// UpdateMaxTokens updates the max-tokens hint for one (endpoint, model) pair.
func (s *Store) UpdateMaxTokens(ctx context.Context, endpointID, modelID string, maxTokens *int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE endpoint_models SET max_tokens = $3 WHERE endpoint_id = $1 AND model_id = $2`,
		endpointID, modelID, maxTokens)
	if err != nil {
		return fmt.Errorf("%w: update max_tokens: %v", gwerrors.ErrStorage, err)
	}
	return ignoreZeroRows(res)
}

// DeleteEndpointModels bulk-deletes every EM row for one endpoint.
func (s *Store) DeleteEndpointModels(ctx context.Context, endpointID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM endpoint_models WHERE endpoint_id = $1`, endpointID); err != nil {
		return fmt.Errorf("%w: delete endpoint_models: %v", gwerrors.ErrStorage, err)
	}
	return nil
}

func scanEndpointModels(rows *sql.Rows) ([]*models.EndpointModel, error) {
	var out []*models.EndpointModel
	for rows.Next() {
		var em models.EndpointModel
		var capsRaw, familiesRaw []byte
		if err := rows.Scan(&em.EndpointID, &em.ModelID, &capsRaw, &em.MaxTokens, &em.LastCheckedAt, &familiesRaw); err != nil {
			return nil, fmt.Errorf("%w: scan endpoint_model: %v", gwerrors.ErrStorage, err)
		}
		caps, err := unmarshalCapabilities(capsRaw)
		if err != nil {
			return nil, err
		}
		em.Capabilities = caps

		var families []string
		if len(familiesRaw) > 0 {
			if err := json.Unmarshal(familiesRaw, &families); err != nil {
				return nil, fmt.Errorf("%w: unmarshal api_families: %v", gwerrors.ErrStorage, err)
			}
		}
		em.APIFamilies = make(map[models.APIFamily]struct{}, len(families))
		for _, f := range families {
			em.APIFamilies[models.APIFamily(f)] = struct{}{}
		}
		out = append(out, &em)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate endpoint_models: %v", gwerrors.ErrStorage, err)
	}
	return out, nil
}

func capSliceFromSet(caps map[models.Capability]struct{}) []string {
	out := make([]string, 0, len(caps))
	for c := range caps {
		out = append(out, string(c))
	}
	return out
}

func familySliceFromSet(families map[models.APIFamily]struct{}) []string {
	out := make([]string, 0, len(families))
	for f := range families {
		out = append(out, string(f))
	}
	return out
}
