// Package ratelimit gates accepted requests against the global in-flight
// cap and, per actor, a fixed-window request limit. The per-actor counter is
// backed by Redis when configured (INCR+EXPIRE) so multiple gateway
// instances share one limit; with no Redis address it falls back to an in-process
// counter, so a single instance still enforces the cap standalone.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLimited is returned when a request is rejected by either the global
// in-flight cap or an actor's token bucket.
var ErrLimited = errors.New("rate limited")

// Config controls the global in-flight cap and the per-actor bucket.
type Config struct {
	// MaxInFlight bounds total concurrent requests across the process.
	// Default 1024.
	MaxInFlight int
	// BucketCapacity is the number of requests an actor may make within
	// one window.
	BucketCapacity int
	// RefillInterval is the window length: an actor's count starts at its
	// first request and resets to zero in full once the window expires.
	RefillInterval time.Duration
}

// DefaultConfig uses the stock 1024 in-flight cap, with a
// generous per-actor burst so the actor limit rarely binds before the
// global one does.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:    1024,
		BucketCapacity: 60,
		RefillInterval: time.Second,
	}
}

// Limiter enforces the global in-flight cap and per-actor token buckets.
type Limiter struct {
	cfg   Config
	sem   chan struct{}
	redis *redis.Client
	local *localBuckets
}

// New constructs a Limiter. rdb may be nil, in which case per-actor
// buckets are tracked in-process only.
func New(cfg Config, rdb *redis.Client) *Limiter {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.BucketCapacity <= 0 {
		cfg.BucketCapacity = DefaultConfig().BucketCapacity
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = DefaultConfig().RefillInterval
	}
	l := &Limiter{cfg: cfg, sem: make(chan struct{}, cfg.MaxInFlight), redis: rdb}
	if rdb == nil {
		l.local = newLocalBuckets()
	}
	return l
}

// InFlight reports the current number of acquired slots.
func (l *Limiter) InFlight() int { return len(l.sem) }

// RetryAfter is the value callers should put in a 503 response's
// Retry-After header when Acquire returns ErrLimited.
const RetryAfter = time.Second

// Acquire reserves one global in-flight slot and consumes one token from
// actorID's bucket. The returned release func must be called exactly once
// when the request completes. On ErrLimited, no slot was taken.
func (l *Limiter) Acquire(ctx context.Context, actorID string) (release func(), err error) {
	select {
	case l.sem <- struct{}{}:
	default:
		return nil, ErrLimited
	}

	ok, err := l.takeToken(ctx, actorID)
	if err != nil {
		<-l.sem
		return nil, fmt.Errorf("ratelimit: actor bucket: %w", err)
	}
	if !ok {
		<-l.sem
		return nil, ErrLimited
	}

	var once sync.Once
	return func() { once.Do(func() { <-l.sem }) }, nil
}

func (l *Limiter) takeToken(ctx context.Context, actorID string) (bool, error) {
	if actorID == "" {
		return true, nil
	}
	if l.redis != nil {
		return l.takeTokenRedis(ctx, actorID)
	}
	return l.local.take(actorID, l.cfg.BucketCapacity, l.cfg.RefillInterval), nil
}

// takeTokenRedis implements a fixed-window counter over RefillInterval:
// INCR the per-actor key, set its expiry on first use, and compare
// against BucketCapacity. Simpler than a true leaky bucket and adequate
// for the coarse per-actor ceiling this limiter enforces.
func (l *Limiter) takeTokenRedis(ctx context.Context, actorID string) (bool, error) {
	key := "llmlb:ratelimit:" + actorID
	n, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := l.redis.Expire(ctx, key, l.cfg.RefillInterval).Err(); err != nil {
			return false, err
		}
	}
	return n <= int64(l.cfg.BucketCapacity), nil
}

// localBuckets tracks per-actor fixed-window counts in-process, mirroring
// takeTokenRedis's semantics without Redis.
type localBuckets struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count     int
	expiresAt time.Time
}

func newLocalBuckets() *localBuckets {
	return &localBuckets{windows: make(map[string]*window)}
}

func (b *localBuckets) take(actorID string, capacity int, interval time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	w, ok := b.windows[actorID]
	if !ok || now.After(w.expiresAt) {
		w = &window{count: 0, expiresAt: now.Add(interval)}
		b.windows[actorID] = w
	}
	w.count++
	return w.count <= capacity
}
