// Package artifactcache holds signature artifacts between "signature
// received" and "signed artifact persisted". Entries are bounded by count
// and wall-clock TTL; anything not promoted to durable storage before
// eviction is lost.
package artifactcache

import (
	"context"

	"github.com/padsign/padsign/domain"
)

// Cache is the ephemeral artifact store keyed by session id. Eviction is
// automatic; consumers must tolerate not-found.
type Cache interface {
	// Put stores the artifact for a session. Write-once: a second Put for
	// the same session id is rejected.
	Put(ctx context.Context, artifact *domain.CachedArtifact) error
	// Get returns the artifact or (nil, false).
	Get(ctx context.Context, sessionID string) (*domain.CachedArtifact, bool)
	// Remove drops the entry. Removing a missing entry is a no-op.
	Remove(ctx context.Context, sessionID string)
	// UpdateIfPresent applies fn to the stored artifact atomically.
	// Returns false when no entry exists (e.g. already evicted).
	UpdateIfPresent(ctx context.Context, sessionID string, fn func(*domain.CachedArtifact)) bool
	Close() error
}
