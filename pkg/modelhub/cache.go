package modelhub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llmlb/gateway/pkg/models"
)

// externalCache memoizes ExternalHubInfo lookups for ttl. Backed by
// Redis when configured so multiple gateway instances share one cache;
// otherwise an in-process map.
type externalCache interface {
	get(ctx context.Context, modelID string) (*models.ExternalHubInfo, bool)
	set(ctx context.Context, modelID string, info *models.ExternalHubInfo)
}

// DefaultCacheTTL is the memoization window for external hub metadata.
const DefaultCacheTTL = 10 * time.Minute

func newCache(rdb *redis.Client, ttl time.Duration) externalCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if rdb != nil {
		return &redisCache{client: rdb, ttl: ttl}
	}
	return &localCache{ttl: ttl, entries: make(map[string]localEntry)}
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func (c *redisCache) key(modelID string) string { return "llmlb:modelhub:external:" + modelID }

func (c *redisCache) get(ctx context.Context, modelID string) (*models.ExternalHubInfo, bool) {
	raw, err := c.client.Get(ctx, c.key(modelID)).Bytes()
	if err != nil {
		return nil, false
	}
	var info models.ExternalHubInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, false
	}
	return &info, true
}

func (c *redisCache) set(ctx context.Context, modelID string, info *models.ExternalHubInfo) {
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(modelID), raw, c.ttl).Err()
}

type localEntry struct {
	info      *models.ExternalHubInfo
	expiresAt time.Time
}

type localCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]localEntry
}

func (c *localCache) get(_ context.Context, modelID string) (*models.ExternalHubInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[modelID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.info, true
}

func (c *localCache) set(_ context.Context, modelID string, info *models.ExternalHubInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[modelID] = localEntry{info: info, expiresAt: time.Now().Add(c.ttl)}
}
