package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// seenTTL is the Redis TTL for message-id keys. Redeliveries arrive
	// within minutes; the DB uniqueness constraint covers anything later.
	seenTTL = 6 * time.Hour

	// redisKeyPrefix is the prefix for all seen-id keys in Redis.
	redisKeyPrefix = "webhook:seen:"
)

// SeenCache is the hot-path duplicate check for webhook message ids. Redis
// only accelerates the decision; the (tenant_id, message_id) constraint in
// the database is the actual guard, so every Redis failure degrades to
// "not seen".
type SeenCache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewSeenCache creates a SeenCache.
func NewSeenCache(rdb *redis.Client, logger *slog.Logger) *SeenCache {
	return &SeenCache{rdb: rdb, logger: logger}
}

func redisKey(tenantID, messageID string) string {
	return redisKeyPrefix + tenantID + ":" + messageID
}

// Seen reports whether the message id was recently ingested for this tenant.
func (c *SeenCache) Seen(ctx context.Context, tenantID, messageID string) bool {
	if c.rdb == nil {
		return false
	}
	_, err := c.rdb.Get(ctx, redisKey(tenantID, messageID)).Result()
	if err == nil {
		return true
	}
	if err != redis.Nil {
		c.logger.Warn("redis seen lookup failed, deferring to DB constraint", "error", err)
	}
	return false
}

// Record marks the message id as ingested. Failures are logged only.
func (c *SeenCache) Record(ctx context.Context, tenantID, messageID string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(tenantID, messageID), "1", seenTTL).Err(); err != nil {
		c.logger.Warn("recording seen message id", "error", err, "message_id", messageID)
	}
}
