package workflow

import (
	"context"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

const activeSetKey = "breach_engine:workflows:active"

// ActiveCache is a read-through Redis cache of the active-workflow working
// set. The database is the source of truth; a cache miss or Redis outage
// falls back to a store query, so multiple engine instances can run
// concurrently without coordination.
type ActiveCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewActiveCache creates an active-workflow cache. A nil client disables
// caching entirely; every read goes to the store.
func NewActiveCache(client *redis.Client, logger *slog.Logger) *ActiveCache {
	return &ActiveCache{client: client, logger: logger}
}

// Add records a workflow as active
func (c *ActiveCache) Add(ctx context.Context, workflowID string) {
	if c.client == nil {
		return
	}
	if err := c.client.SAdd(ctx, activeSetKey, workflowID).Err(); err != nil {
		c.logger.Warn("Failed to cache active workflow", "workflow_id", workflowID, "error", err)
	}
}

// Remove drops a workflow from the active set once it reaches a terminal state
func (c *ActiveCache) Remove(ctx context.Context, workflowID string) {
	if c.client == nil {
		return
	}
	if err := c.client.SRem(ctx, activeSetKey, workflowID).Err(); err != nil {
		c.logger.Warn("Failed to evict workflow from cache", "workflow_id", workflowID, "error", err)
	}
}

// IDs returns the cached active-workflow IDs. ok is false when the cache
// cannot answer and the caller must query the store.
func (c *ActiveCache) IDs(ctx context.Context) ([]string, bool) {
	if c.client == nil {
		return nil, false
	}
	ids, err := c.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		c.logger.Warn("Active workflow cache read failed", "error", err)
		return nil, false
	}
	if len(ids) == 0 {
		return nil, false
	}
	return ids, true
}

// Refill replaces the cached set with the authoritative list from the store
func (c *ActiveCache) Refill(ctx context.Context, ids []string) {
	if c.client == nil || len(ids) == 0 {
		return
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, activeSetKey)
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe.SAdd(ctx, activeSetKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("Failed to refill active workflow cache", "error", err)
	}
}
