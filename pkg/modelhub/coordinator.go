// Package modelhub implements the Model Hub Coordinator: it
// composes the approved catalog with live per-endpoint availability and
// optional external registry metadata, feeding /v1/models and
// /api/models/hub. External calls fan out under a bounded goroutine
// limiter.
package modelhub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/llmlb/gateway/pkg/models"
	"github.com/llmlb/gateway/pkg/registry"
	"github.com/llmlb/gateway/pkg/store"
)

// DefaultFanoutLimit bounds concurrent external-fetch calls during one
// Compose.
const DefaultFanoutLimit = 8

// Coordinator composes catalog models with endpoint availability and
// external metadata.
type Coordinator struct {
	st          *store.Store
	reg         *registry.Registry
	cache       externalCache
	fetcher     Fetcher
	fanoutLimit int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFetcher overrides the default no-op external fetcher.
func WithFetcher(f Fetcher) Option {
	return func(c *Coordinator) { c.fetcher = f }
}

// WithRedis backs the TTL cache with rdb instead of an in-process map.
// rdb may be nil.
func WithRedis(rdb *redis.Client) Option {
	return func(c *Coordinator) { c.cache = newCache(rdb, DefaultCacheTTL) }
}

// WithFanoutLimit overrides DefaultFanoutLimit.
func WithFanoutLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.fanoutLimit = n
		}
	}
}

// New constructs a Coordinator with an in-process cache and a no-op
// external fetcher; apply Options to change either.
func New(st *store.Store, reg *registry.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		st: st, reg: reg,
		cache:       newCache(nil, DefaultCacheTTL),
		fetcher:     NoopFetcher{},
		fanoutLimit: DefaultFanoutLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose builds the full hub listing: every approved catalog model,
// joined with whether any online endpoint currently reports it and,
// when available, external registry metadata.
func (c *Coordinator) Compose(ctx context.Context) ([]*models.HubModel, error) {
	catalog, err := c.st.ListCatalogModels(ctx)
	if err != nil {
		return nil, err
	}

	downloading := make(map[string]struct{})
	if active, err := c.st.ListActiveDownloadTasks(ctx); err != nil {
		slog.Warn("modelhub: listing active downloads failed", "error", err)
	} else {
		for _, t := range active {
			downloading[t.Model] = struct{}{}
		}
	}

	out := make([]*models.HubModel, len(catalog))
	sem := make(chan struct{}, c.fanoutLimit)
	var wg sync.WaitGroup

	for i, m := range catalog {
		i, m := i, m
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			avail, err := c.availability(ctx, m.ID)
			if err != nil {
				slog.Warn("modelhub: availability check failed", "model_id", m.ID, "error", err)
				avail = models.ModelAvailable
			}
			if _, ok := downloading[m.ID]; ok && avail != models.ModelDownloaded {
				avail = models.ModelDownloading
			}
			out[i] = &models.HubModel{
				CatalogModel: *m,
				Availability: avail,
				External:     c.external(ctx, m.ID),
			}
		}()
	}
	wg.Wait()
	return out, nil
}

// availability reports ModelDownloaded when at least one online endpoint
// carries modelID in its synced model set, else ModelAvailable. The
// downloading state is layered on by Compose from the active download
// tasks, not derived here.
func (c *Coordinator) availability(ctx context.Context, modelID string) (models.ModelAvailability, error) {
	ems, err := c.st.ListEndpointModelsByModelID(ctx, modelID)
	if err != nil {
		return "", err
	}
	for _, em := range ems {
		ep, err := c.reg.Get(em.EndpointID)
		if err != nil {
			continue
		}
		if ep.Status == models.StatusOnline {
			return models.ModelDownloaded, nil
		}
	}
	return models.ModelAvailable, nil
}

// external returns cached or freshly fetched external metadata, or nil
// when unavailable. Fetch failures are logged at debug and otherwise
// swallowed; a failed external fetch never fails catalog assembly.
func (c *Coordinator) external(ctx context.Context, modelID string) *models.ExternalHubInfo {
	if info, ok := c.cache.get(ctx, modelID); ok {
		return info
	}
	info, err := c.fetcher.Fetch(ctx, modelID)
	if err != nil {
		slog.Debug("modelhub: external fetch failed", "model_id", modelID, "error", err)
		return nil
	}
	if info == nil {
		return nil
	}
	c.cache.set(ctx, modelID, info)
	return info
}
