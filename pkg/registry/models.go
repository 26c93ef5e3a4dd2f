package registry

import (
	"context"
	"time"

	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/events"
	"github.com/llmlb/gateway/pkg/models"
)

// SyncModels atomically replaces one endpoint's reported model list and
// emits a models-synced event. The write-through to the store happens
// outside the registry's lock.
func (r *Registry) SyncModels(ctx context.Context, id string, reported []*models.EndpointModel) error {
	r.mu.RLock()
	_, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return gwerrors.ErrNotFound
	}

	if err := r.store.SyncEndpointModels(ctx, id, reported); err != nil {
		return err
	}
	r.publish(events.Event{Topic: events.TopicModelsSynced, At: time.Now(),
		Payload: events.ModelsSyncedPayload{EndpointID: id, ModelCount: len(reported)}})
	return nil
}

// ListModels returns one endpoint's reported model list.
func (r *Registry) ListModels(ctx context.Context, id string) ([]*models.EndpointModel, error) {
	return r.store.ListEndpointModels(ctx, id)
}

// ModelCandidate pairs an endpoint with the EM row that makes it a
// candidate for a request.
type ModelCandidate struct {
	Endpoint *models.Endpoint
	Model    *models.EndpointModel
}

// ModelsForRequest returns every online endpoint advertising requiredCap
// that also lists modelID among its synced models (or, when modelID is
// absent from every endpoint's list, every online openai-compatible
// endpoint with an empty synced model list, as a pass-through fallback).
// This backs the Backend Selector's candidate pool.
func (r *Registry) ModelsForRequest(ctx context.Context, modelID string, requiredCap models.Capability) ([]ModelCandidate, error) {
	online := r.ListOnlineByCapability(requiredCap)
	if len(online) == 0 {
		return nil, nil
	}

	ems, err := r.store.ListEndpointModelsByModelID(ctx, modelID)
	if err != nil {
		return nil, err
	}
	emByEndpoint := make(map[string]*models.EndpointModel, len(ems))
	for _, em := range ems {
		emByEndpoint[em.EndpointID] = em
	}

	var candidates []ModelCandidate
	for _, e := range online {
		if em, ok := emByEndpoint[e.ID]; ok {
			candidates = append(candidates, ModelCandidate{Endpoint: e, Model: em})
		}
	}
	if len(candidates) > 0 {
		return candidates, nil
	}

	// Pass-through fallback: openai-compatible endpoints with no synced
	// models at all are assumed to support any model id.
	for _, e := range online {
		if e.Kind != models.EndpointKindOpenAICompatible {
			continue
		}
		list, err := r.store.ListEndpointModels(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			candidates = append(candidates, ModelCandidate{Endpoint: e, Model: nil})
		}
	}
	return candidates, nil
}

// UpdateKind changes an endpoint's declared adapter kind.
func (r *Registry) UpdateKind(ctx context.Context, id string, kind models.EndpointKind) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return gwerrors.ErrNotFound
	}
	updated := e.Clone()
	updated.Kind = kind
	r.byID[id] = updated
	r.mu.Unlock()

	return r.store.UpdateKind(ctx, id, kind)
}
