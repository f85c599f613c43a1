package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"adgen-orchestrator/internal/logger"
	"adgen-orchestrator/internal/models"
	"adgen-orchestrator/internal/telemetry"
)

// Loader rebuilds a job snapshot from the authoritative store.
type Loader func(ctx context.Context, jobID string) (models.JobView, error)

// StatusCache is a read-through Redis cache of job snapshots. It is a
// best-effort view: every Redis failure degrades to the loader, and control
// decisions never read from it.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// New builds a cache. A nil client yields a cache that always loads.
func New(client *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &StatusCache{client: client, ttl: ttl, prefix: "adgen:jobview:"}
}

func (c *StatusCache) key(jobID string) string {
	return c.prefix + jobID
}

// Get returns the cached snapshot for jobID if present and unexpired, else
// loads it and repopulates the cache.
func (c *StatusCache) Get(ctx context.Context, jobID string, load Loader) (models.JobView, error) {
	if c == nil || c.client == nil {
		return load(ctx, jobID)
	}

	raw, err := c.client.Get(ctx, c.key(jobID)).Bytes()
	switch {
	case err == nil:
		var view models.JobView
		if jsonErr := json.Unmarshal(raw, &view); jsonErr == nil {
			telemetry.CacheHits.Inc()
			return view, nil
		}
		logger.CtxWarn(ctx, "status cache: dropping undecodable entry for job %s", jobID)
	case errors.Is(err, redis.Nil):
		telemetry.CacheMisses.Inc()
	default:
		telemetry.CacheErrors.Inc()
		logger.FromContext(ctx).WithError(err).Warnf("status cache read failed for job %s, using store", jobID)
		return load(ctx, jobID)
	}

	view, err := load(ctx, jobID)
	if err != nil {
		return models.JobView{}, err
	}
	c.put(ctx, jobID, view)
	return view, nil
}

func (c *StatusCache) put(ctx context.Context, jobID string, view models.JobView) {
	raw, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(jobID), raw, c.ttl).Err(); err != nil {
		telemetry.CacheErrors.Inc()
		logger.FromContext(ctx).WithError(err).Warnf("status cache write skipped for job %s", jobID)
	}
}

// Invalidate drops the snapshot for jobID. Call it after every write to the
// job row or any of its sub-job rows.
func (c *StatusCache) Invalidate(ctx context.Context, jobID string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(jobID)).Err(); err != nil {
		telemetry.CacheErrors.Inc()
		logger.FromContext(ctx).WithError(err).Warnf("status cache invalidate failed for job %s", jobID)
	}
}
