package artifactcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/padsign/padsign/domain"
)

// MemoryCache implements Cache using ttlcache.
type MemoryCache struct {
	// mu serializes read-modify-write sequences; ttlcache is itself safe
	// for concurrent access but has no compound atomic operations.
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *domain.CachedArtifact]
}

// NewMemoryCache creates an in-memory artifact cache with automatic
// time- and size-driven eviction.
//
//nolint:ireturn
func NewMemoryCache(ttl time.Duration, capacity int) Cache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *domain.CachedArtifact](ttl),
		ttlcache.WithCapacity[string, *domain.CachedArtifact](uint64(capacity)),
		ttlcache.WithDisableTouchOnHit[string, *domain.CachedArtifact](),
	)

	// Start the eviction process
	go cache.Start()

	return &MemoryCache{cache: cache}
}

// Put implements Cache.Put.
func (c *MemoryCache) Put(_ context.Context, artifact *domain.CachedArtifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item := c.cache.Get(artifact.SessionID); item != nil {
		return fmt.Errorf("artifact already cached for session %s", artifact.SessionID)
	}
	if artifact.CachedAt.IsZero() {
		artifact.CachedAt = time.Now().UTC()
	}
	c.cache.Set(artifact.SessionID, artifact, ttlcache.DefaultTTL)
	return nil
}

// Get implements Cache.Get.
func (c *MemoryCache) Get(_ context.Context, sessionID string) (*domain.CachedArtifact, bool) {
	item := c.cache.Get(sessionID)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Remove implements Cache.Remove.
func (c *MemoryCache) Remove(_ context.Context, sessionID string) {
	c.cache.Delete(sessionID)
}

// UpdateIfPresent implements Cache.UpdateIfPresent. The remaining TTL is
// preserved: attaching a signature never extends the artifact's life.
func (c *MemoryCache) UpdateIfPresent(_ context.Context, sessionID string, fn func(*domain.CachedArtifact)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.cache.Get(sessionID)
	if item == nil {
		return false
	}
	artifact := item.Value()
	fn(artifact)
	remaining := time.Until(item.ExpiresAt())
	if remaining <= 0 {
		return false
	}
	c.cache.Set(sessionID, artifact, remaining)
	return true
}

// Close stops the eviction goroutine.
func (c *MemoryCache) Close() error {
	c.cache.Stop()
	return nil
}
