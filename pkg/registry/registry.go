// Package registry implements the endpoint registry: the sole
// in-memory authoritative map of endpoints, write-through persisted via
// pkg/store, and the only component permitted to mutate endpoint rows.
// Readers take a shared lock; writers take an exclusive lock and never
// hold it across I/O.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/llmlb/gateway/internal/gwerrors"
	"github.com/llmlb/gateway/pkg/events"
	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/store"
)

// ConsecutiveFailThreshold is the default k in the state-machine rules:
// k consecutive probe failures move an endpoint to error.
const ConsecutiveFailThreshold = 3

// Registry is the authoritative in-memory endpoint map.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*models.Endpoint

	store *store.Store
	bus   *events.Bus
	k     int
}

// New constructs an empty registry. Call Reload to populate it from the
// store before serving traffic.
func New(st *store.Store, bus *events.Bus) *Registry {
	return &Registry{
		byID:  make(map[string]*models.Endpoint),
		store: st,
		bus:   bus,
		k:     ConsecutiveFailThreshold,
	}
}

// EndpointSpec is the caller-supplied shape for Register.
type EndpointSpec struct {
	Name                string
	BaseURL             string
	Credential          string
	Kind                models.EndpointKind
	HealthCheckInterval time.Duration
	InferenceTimeout    time.Duration
	Notes               string
	Capabilities        map[models.Capability]struct{}
}

// Register adds a new endpoint in status=pending. Fails with
// gwerrors.ErrAlreadyExists if the name is already registered.
func (r *Registry) Register(ctx context.Context, spec EndpointSpec) (*models.Endpoint, error) {
	r.mu.Lock()
	for _, e := range r.byID {
		if e.Name == spec.Name {
			r.mu.Unlock()
			return nil, gwerrors.ErrAlreadyExists
		}
	}
	r.mu.Unlock()

	e := &models.Endpoint{
		ID:                    uuid.NewString(),
		Name:                  spec.Name,
		BaseURL:               spec.BaseURL,
		Credential:            spec.Credential,
		Kind:                  spec.Kind,
		Status:                models.StatusPending,
		HealthCheckInterval:   spec.HealthCheckInterval,
		InferenceTimeout:      spec.InferenceTimeout,
		RegisteredAt:          time.Now(),
		Notes:                 spec.Notes,
		Capabilities:          spec.Capabilities,
		LastProbeLatencyMs:    models.InitialEMALatency,
		EMAInferenceLatencyMs: models.InitialEMALatency,
	}
	if e.Capabilities == nil {
		e.Capabilities = make(map[models.Capability]struct{})
	}

	if err := r.store.CreateEndpoint(ctx, e); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byID[e.ID] = e
	r.mu.Unlock()

	r.publish(events.Event{Topic: events.TopicEndpointRegistered, At: time.Now(),
		Payload: events.EndpointRegisteredPayload{EndpointID: e.ID, Name: e.Name}})
	return e.Clone(), nil
}

// UpdateSpec is the caller-supplied shape for Update; nil fields are left
// unchanged.
type UpdateSpec struct {
	Name                *string
	BaseURL             *string
	Credential          *string
	HealthCheckInterval *time.Duration
	InferenceTimeout    *time.Duration
	Notes               *string
	Capabilities        map[models.Capability]struct{} // nil means unchanged
}

// Update mutates the allowed mutable fields of an endpoint, preserving
// status and request counters.
func (r *Registry) Update(ctx context.Context, id string, spec UpdateSpec) (*models.Endpoint, error) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, gwerrors.ErrNotFound
	}
	updated := e.Clone()
	if spec.Name != nil {
		updated.Name = *spec.Name
	}
	if spec.BaseURL != nil {
		updated.BaseURL = *spec.BaseURL
	}
	if spec.Credential != nil {
		updated.Credential = *spec.Credential
	}
	if spec.HealthCheckInterval != nil {
		updated.HealthCheckInterval = *spec.HealthCheckInterval
	}
	if spec.InferenceTimeout != nil {
		updated.InferenceTimeout = *spec.InferenceTimeout
	}
	if spec.Notes != nil {
		updated.Notes = *spec.Notes
	}
	if spec.Capabilities != nil {
		updated.Capabilities = spec.Capabilities
	}
	r.mu.Unlock()

	if err := r.store.UpdateEndpoint(ctx, updated); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byID[id] = updated
	r.mu.Unlock()
	return updated.Clone(), nil
}

// Remove deletes an endpoint and its dependent rows.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return gwerrors.ErrNotFound
	}
	delete(r.byID, id)
	r.mu.Unlock()

	if err := r.store.DeleteEndpoint(ctx, id); err != nil {
		return err
	}
	r.publish(events.Event{Topic: events.TopicEndpointRemoved, At: time.Now(),
		Payload: events.EndpointRemovedPayload{EndpointID: id, Name: e.Name}})
	return nil
}

// List returns a snapshot of every registered endpoint.
func (r *Registry) List() []*models.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Endpoint, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// Get returns one endpoint snapshot by id.
func (r *Registry) Get(id string) (*models.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, gwerrors.ErrNotFound
	}
	return e.Clone(), nil
}

// ListOnlineByCapability returns every online endpoint advertising cap.
func (r *Registry) ListOnlineByCapability(cap models.Capability) []*models.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Endpoint
	for _, e := range r.byID {
		if e.Status == models.StatusOnline && e.HasCapability(cap) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Reload re-reads every endpoint from the store into memory, replacing the
// current snapshot wholesale. Used at startup and after external changes.
func (r *Registry) Reload(ctx context.Context) error {
	list, err := r.store.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("registry: reload: %w", err)
	}
	byID := make(map[string]*models.Endpoint, len(list))
	for _, e := range list {
		byID[e.ID] = e
	}
	r.mu.Lock()
	r.byID = byID
	r.mu.Unlock()
	slog.Info("registry: reloaded from store", "endpoints", len(list))
	return nil
}

func (r *Registry) publish(evt events.Event) {
	if r.bus != nil {
		r.bus.Publish(evt)
	}
}
