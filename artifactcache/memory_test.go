package artifactcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padsign/padsign/domain"
)

func newCache(t *testing.T, ttl time.Duration) Cache {
	t.Helper()
	c := NewMemoryCache(ttl, 16)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutAndGet(t *testing.T) {
	c := newCache(t, time.Minute)
	ctx := context.Background()

	artifact := &domain.CachedArtifact{
		SessionID:     "s1",
		TenantID:      "t1",
		DocumentBytes: []byte("%PDF-fake"),
		Metadata:      map[string]string{"record": "r-42"},
	}
	require.NoError(t, c.Put(ctx, artifact))
	assert.False(t, artifact.CachedAt.IsZero(), "Put fills CachedAt")

	got, ok := c.Get(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, []byte("%PDF-fake"), got.DocumentBytes)
	assert.Equal(t, "r-42", got.Metadata["record"])

	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestPutIsWriteOnce(t *testing.T) {
	c := newCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, &domain.CachedArtifact{SessionID: "s1", DocumentBytes: []byte("first")}))
	err := c.Put(ctx, &domain.CachedArtifact{SessionID: "s1", DocumentBytes: []byte("second")})
	require.Error(t, err)

	got, ok := c.Get(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, []byte("first"), got.DocumentBytes)
}

func TestRemove(t *testing.T) {
	c := newCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, &domain.CachedArtifact{SessionID: "s1"}))
	c.Remove(ctx, "s1")
	_, ok := c.Get(ctx, "s1")
	assert.False(t, ok)

	// Removing an absent entry is a no-op.
	c.Remove(ctx, "s1")
}

func TestUpdateIfPresent(t *testing.T) {
	c := newCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, &domain.CachedArtifact{
		SessionID:     "s1",
		DocumentBytes: []byte("doc"),
		Metadata:      map[string]string{"record": "r-1"},
	}))

	updated := c.UpdateIfPresent(ctx, "s1", func(a *domain.CachedArtifact) {
		a.SignatureImage = []byte("sig")
		a.SignerName = "Ada"
	})
	require.True(t, updated)

	got, ok := c.Get(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, []byte("sig"), got.SignatureImage)
	assert.Equal(t, "Ada", got.SignerName)
	assert.Equal(t, []byte("doc"), got.DocumentBytes, "existing fields survive the merge")
}

func TestUpdateIfPresentMissing(t *testing.T) {
	c := newCache(t, time.Minute)

	called := false
	updated := c.UpdateIfPresent(context.Background(), "missing", func(*domain.CachedArtifact) {
		called = true
	})
	assert.False(t, updated)
	assert.False(t, called)
}

func TestTTLExpiry(t *testing.T) {
	c := newCache(t, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, &domain.CachedArtifact{SessionID: "s1"}))
	_, ok := c.Get(ctx, "s1")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := c.Get(ctx, "s1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestUpdatePreservesRemainingTTL(t *testing.T) {
	c := newCache(t, 60*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, &domain.CachedArtifact{SessionID: "s1"}))

	// Repeated updates must not push the deadline out.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.UpdateIfPresent(ctx, "s1", func(a *domain.CachedArtifact) {
			a.SignatureImage = []byte("sig")
		})
		if _, ok := c.Get(ctx, "s1"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("artifact outlived its original TTL despite updates")
}
