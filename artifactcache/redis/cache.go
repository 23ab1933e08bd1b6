package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/padsign/padsign/artifactcache"
	"github.com/padsign/padsign/domain"
)

// Cache implements artifactcache.Cache on Redis, for deployments running
// more than one relay instance. Keys expire server-side; the capacity
// bound is delegated to Redis memory policy.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCache creates a Redis-backed artifact cache.
func NewCache(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache) key(sessionID string) string {
	return fmt.Sprintf("%s:artifact:%s", c.prefix, sessionID)
}

// Put stores the artifact with NX semantics, preserving write-once.
func (c *Cache) Put(ctx context.Context, artifact *domain.CachedArtifact) error {
	if artifact.CachedAt.IsZero() {
		artifact.CachedAt = time.Now().UTC()
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	ok, err := c.client.SetNX(ctx, c.key(artifact.SessionID), data, c.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store artifact in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("artifact already cached for session %s", artifact.SessionID)
	}
	return nil
}

// Get retrieves the artifact, or (nil, false) when missing or expired.
func (c *Cache) Get(ctx context.Context, sessionID string) (*domain.CachedArtifact, bool) {
	data, err := c.client.Get(ctx, c.key(sessionID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Redis artifact read failed")
		}
		return nil, false
	}
	var artifact domain.CachedArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Corrupt artifact entry in Redis")
		return nil, false
	}
	return &artifact, true
}

// Remove drops the entry. No-op when missing.
func (c *Cache) Remove(ctx context.Context, sessionID string) {
	if err := c.client.Del(ctx, c.key(sessionID)).Err(); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Redis artifact delete failed")
	}
}

// UpdateIfPresent applies fn under a WATCH transaction so a concurrent
// eviction or writer aborts the update. The remaining TTL is kept.
func (c *Cache) UpdateIfPresent(ctx context.Context, sessionID string, fn func(*domain.CachedArtifact)) bool {
	key := c.key(sessionID)
	updated := false
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var artifact domain.CachedArtifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			return err
		}
		fn(&artifact)
		next, err := json.Marshal(&artifact)
		if err != nil {
			return err
		}
		remaining, err := tx.TTL(ctx, key).Result()
		if err != nil || remaining <= 0 {
			return redis.Nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, remaining)
			return nil
		})
		if err == nil {
			updated = true
		}
		return err
	}, key)
	if err != nil && err != redis.Nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Redis artifact update failed")
	}
	return updated
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

var _ artifactcache.Cache = (*Cache)(nil)
