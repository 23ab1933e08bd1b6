package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padsign/padsign/artifactcache"
	"github.com/padsign/padsign/domain"
	pserr "github.com/padsign/padsign/errors"
)

// fakeCompositor concatenates document and signature so the merge is
// observable in the stored bytes.
type fakeCompositor struct {
	calls int
	err   error
}

func (c *fakeCompositor) ApplySignature(_ context.Context, documentBytes, signatureImage []byte, _ *domain.SignaturePlacement) ([]byte, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	signed := append([]byte{}, documentBytes...)
	return append(signed, signatureImage...), nil
}

type fakeBlobStore struct {
	blobs    map[string][]byte
	metadata map[string]map[string]string
	stores   int
	err      error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		blobs:    make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (b *fakeBlobStore) Store(_ context.Context, data []byte, metadata map[string]string) (string, error) {
	b.stores++
	if b.err != nil {
		return "", b.err
	}
	id := "blob-" + metadata["session_id"]
	b.blobs[id] = data
	b.metadata[id] = metadata
	return id, nil
}

func (b *fakeBlobStore) Retrieve(_ context.Context, storageID string) ([]byte, error) {
	data, ok := b.blobs[storageID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func newTestFinalizer(t *testing.T) (*Finalizer, *memSessionRepo, artifactcache.Cache, *fakeCompositor, *fakeBlobStore) {
	t.Helper()
	repo := newMemSessionRepo()
	cache := artifactcache.NewMemoryCache(time.Minute, 64)
	t.Cleanup(func() { _ = cache.Close() })
	compositor := &fakeCompositor{}
	blobs := newFakeBlobStore()
	return NewFinalizer(repo, cache, compositor, blobs), repo, cache, compositor, blobs
}

func completedDocumentSession(t *testing.T, repo *memSessionRepo, id string) *domain.SignatureSession {
	t.Helper()
	now := time.Now().UTC()
	session := &domain.SignatureSession{
		ID:             id,
		TenantID:       "t1",
		WorkstationID:  "ws1",
		TargetDeviceID: "d1",
		Kind:           domain.KindDocument,
		DocumentRef:    "rec-1",
		SignatureRef:   "cache:" + id,
		Status:         domain.StatusCompleted,
		CreatedAt:      now.Add(-time.Minute),
		ExpiresAt:      now.Add(29 * time.Minute),
		CompletedAt:    &now,
	}
	require.NoError(t, repo.StoreSession(context.Background(), session))
	return session
}

func TestFinalizeStoresComposedDocument(t *testing.T) {
	fin, repo, cache, compositor, blobs := newTestFinalizer(t)
	ctx := context.Background()

	completedDocumentSession(t, repo, "s1")
	require.NoError(t, cache.Put(ctx, &domain.CachedArtifact{
		SessionID:      "s1",
		TenantID:       "t1",
		TargetDeviceID: "d1",
		SignerName:     "Jane Roe",
		DocumentBytes:  []byte("%PDF-doc"),
		SignatureImage: []byte("sig"),
	}))

	ref, err := fin.Finalize(ctx, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, ref)
	assert.Equal(t, 1, compositor.calls)

	stored, err := blobs.Retrieve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-docsig"), stored, "stored bytes carry document and signature merged")
	assert.Equal(t, "t1", blobs.metadata[ref]["tenant_id"])
	assert.Equal(t, "Jane Roe", blobs.metadata[ref]["signer_name"])

	session, err := repo.GetSessionByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ref, session.SignatureRef, "signature ref promoted from cache to storage")

	_, ok := cache.Get(ctx, "s1")
	assert.False(t, ok, "cache entry dropped after promotion")
}

func TestFinalizeIsIdempotent(t *testing.T) {
	fin, repo, cache, _, blobs := newTestFinalizer(t)
	ctx := context.Background()

	completedDocumentSession(t, repo, "s1")
	require.NoError(t, cache.Put(ctx, &domain.CachedArtifact{
		SessionID:      "s1",
		DocumentBytes:  []byte("doc"),
		SignatureImage: []byte("sig"),
	}))

	first, err := fin.Finalize(ctx, "s1")
	require.NoError(t, err)

	second, err := fin.Finalize(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, first, second, "repeat call returns the stored reference")
	assert.Equal(t, 1, blobs.stores, "the blob is written once")
}

func TestFinalizeEvictedArtifact(t *testing.T) {
	fin, repo, _, _, blobs := newTestFinalizer(t)

	completedDocumentSession(t, repo, "s1")

	_, err := fin.Finalize(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, pserr.IsCode(err, pserr.InvalidState), "got %v", err)
	assert.Zero(t, blobs.stores)
}

func TestFinalizeRejections(t *testing.T) {
	fin, repo, cache, _, _ := newTestFinalizer(t)
	ctx := context.Background()

	require.NoError(t, repo.StoreSession(ctx, &domain.SignatureSession{
		ID: "simple", TenantID: "t1", Kind: domain.KindSimple, Status: domain.StatusCompleted,
	}))
	require.NoError(t, repo.StoreSession(ctx, &domain.SignatureSession{
		ID: "inflight", TenantID: "t1", Kind: domain.KindDocument, Status: domain.StatusSigningInProgress,
	}))
	require.NoError(t, repo.StoreSession(ctx, &domain.SignatureSession{
		ID: "unsigned", TenantID: "t1", Kind: domain.KindDocument, Status: domain.StatusCompleted,
		SignatureRef: "cache:unsigned",
	}))
	require.NoError(t, cache.Put(ctx, &domain.CachedArtifact{
		SessionID:     "unsigned",
		DocumentBytes: []byte("doc"),
	}))

	tests := []struct {
		name      string
		sessionID string
		code      string
	}{
		{"unknown session", "missing", pserr.SessionNotFound},
		{"simple kind", "simple", pserr.InvalidRequest},
		{"not completed", "inflight", pserr.InvalidState},
		{"artifact without signature", "unsigned", pserr.InvalidState},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fin.Finalize(ctx, tc.sessionID)
			require.Error(t, err)
			assert.True(t, pserr.IsCode(err, tc.code), "got %v", err)
		})
	}
}

func TestFinalizeCompositorFailure(t *testing.T) {
	fin, repo, cache, compositor, blobs := newTestFinalizer(t)
	ctx := context.Background()
	compositor.err = assert.AnError

	completedDocumentSession(t, repo, "s1")
	require.NoError(t, cache.Put(ctx, &domain.CachedArtifact{
		SessionID:      "s1",
		DocumentBytes:  []byte("doc"),
		SignatureImage: []byte("sig"),
	}))

	_, err := fin.Finalize(ctx, "s1")
	require.Error(t, err)
	assert.True(t, pserr.IsCode(err, pserr.ServerError))
	assert.Zero(t, blobs.stores)

	// The artifact survives for a retry after the fault clears.
	_, ok := cache.Get(ctx, "s1")
	assert.True(t, ok)
}

func TestFinalizeStoreFailureKeepsArtifact(t *testing.T) {
	fin, repo, cache, _, blobs := newTestFinalizer(t)
	ctx := context.Background()
	blobs.err = assert.AnError

	completedDocumentSession(t, repo, "s1")
	require.NoError(t, cache.Put(ctx, &domain.CachedArtifact{
		SessionID:      "s1",
		DocumentBytes:  []byte("doc"),
		SignatureImage: []byte("sig"),
	}))

	_, err := fin.Finalize(ctx, "s1")
	require.Error(t, err)
	assert.True(t, pserr.IsCode(err, pserr.ServerError))

	_, ok := cache.Get(ctx, "s1")
	assert.True(t, ok)

	session, err := repo.GetSessionByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "cache:s1", session.SignatureRef, "reference untouched until the store succeeds")
}
